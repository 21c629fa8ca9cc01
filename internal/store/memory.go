// ABOUTME: In-process SessionStore with per-key expiry and a background sweeper
// ABOUTME: Used for single-process deployments and as the store in unit tests

package store

import (
	"context"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

// memoryEntry stores the encoded value and its expiry.
type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a thread-safe SessionStore kept in a map. Records do not
// survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	prefix  string
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryStore creates an empty store. A background goroutine
// periodically removes expired entries until Close is called.
func NewMemoryStore(prefix string) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		prefix:  prefix,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// liveLocked returns the unexpired entry for key. Must be called with mu held.
func (s *MemoryStore) liveLocked(key string) (*memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return entry, true
}

// Load returns the stored tokens.
func (s *MemoryStore) Load(_ context.Context, userID string) (conversation.Tokens, bool, error) {
	s.mu.Lock()
	entry, ok := s.liveLocked(s.prefix + userID)
	s.mu.Unlock()
	if !ok {
		return conversation.Tokens{}, false, nil
	}

	tokens, err := DecodeTokens(entry.value)
	if err != nil {
		return conversation.Tokens{}, false, err
	}
	return tokens, true, nil
}

// Save overwrites the record and resets its expiry.
func (s *MemoryStore) Save(_ context.Context, userID string, tokens conversation.Tokens, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.prefix+userID] = &memoryEntry{
		value:     EncodeTokens(tokens),
		expiresAt: s.now().Add(window),
	}
	return nil
}

// RemainingTTL reports how long the record has left.
func (s *MemoryStore) RemainingTTL(_ context.Context, userID string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(s.prefix + userID)
	if !ok {
		return 0, false, nil
	}
	return entry.expiresAt.Sub(s.now()), true, nil
}

// Clear deletes the record.
func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, s.prefix+userID)
	return nil
}

// Renew checks and extends the expiry under a single lock acquisition.
func (s *MemoryStore) Renew(_ context.Context, userID string, threshold, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(s.prefix + userID)
	if !ok {
		return false, nil
	}
	now := s.now()
	if entry.expiresAt.Sub(now) >= threshold {
		return false, nil
	}
	entry.expiresAt = now.Add(window)
	return true, nil
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (s *MemoryStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}
