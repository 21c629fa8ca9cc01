// ABOUTME: SessionStore interface and shared types for continuity token persistence
// ABOUTME: Defines the sliding-expiration contract every backend (sqlite, redis, memory) implements

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

// ErrStoreUnavailable wraps every failure of the underlying store backend.
var ErrStoreUnavailable = errors.New("session store unavailable")

// ErrCorruptRecord is returned when a stored value cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt session record")

// tokenDelimiter separates the conversation ID from the parent ID in stored values.
const tokenDelimiter = "|"

// SessionStore persists each user's current continuity tokens under a
// sliding expiration. Rollback history is never stored. Implementations
// must be safe for concurrent use.
type SessionStore interface {
	// Load returns the stored tokens. ok is false when no unexpired record exists.
	Load(ctx context.Context, userID string) (tokens conversation.Tokens, ok bool, err error)

	// Save overwrites the record and resets its lifetime to window.
	Save(ctx context.Context, userID string, tokens conversation.Tokens, window time.Duration) error

	// RemainingTTL reports the record's remaining lifetime. ok is false when no record exists.
	RemainingTTL(ctx context.Context, userID string) (ttl time.Duration, ok bool, err error)

	// Clear deletes the record. Clearing a missing record is not an error.
	Clear(ctx context.Context, userID string) error

	// Renew atomically resets the record's lifetime to window if, and only
	// if, it exists and its remaining lifetime is below threshold. It reports
	// whether the lifetime was reset, so that among concurrent callers
	// exactly one observes true.
	Renew(ctx context.Context, userID string, threshold, window time.Duration) (bool, error)

	// Close releases any resources held by the store
	Close() error
}

// ExchangeRecord is an informational log entry for one completed exchange.
type ExchangeRecord struct {
	ID             string
	UserID         string
	HandleID       string
	ConversationID string
	ParentID       string
	PromptChars    int
	ReplyChars     int
	Elapsed        time.Duration
	Persisted      bool
	CreatedAt      time.Time
}

// ExchangeLog records completed exchanges for auditing and analytics.
type ExchangeLog interface {
	RecordExchange(ctx context.Context, rec *ExchangeRecord) error
	ListExchanges(ctx context.Context, userID string, limit int) ([]*ExchangeRecord, error)
}

// EncodeTokens serializes tokens as "conversationId|parentId".
func EncodeTokens(t conversation.Tokens) string {
	return t.ConversationID + tokenDelimiter + t.ParentID
}

// DecodeTokens parses a value written by EncodeTokens.
func DecodeTokens(value string) (conversation.Tokens, error) {
	conversationID, parentID, found := strings.Cut(value, tokenDelimiter)
	if !found {
		return conversation.Tokens{}, fmt.Errorf("%w: missing %q delimiter", ErrCorruptRecord, tokenDelimiter)
	}
	return conversation.Tokens{ConversationID: conversationID, ParentID: parentID}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
