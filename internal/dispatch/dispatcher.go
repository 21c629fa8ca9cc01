// ABOUTME: Chat-facing dispatch layer shared by every frontend
// ABOUTME: Applies commands, the access list, and the group prefix before handing text to the relay

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/relay"
)

// Relay is what the dispatcher needs from the session engine.
// *relay.Service satisfies it.
type Relay interface {
	HandleUserText(ctx context.Context, userID, text string) (*relay.Result, error)
	Rollback(ctx context.Context, userID string, steps int) (conversation.Tokens, error)
	Reset(ctx context.Context, userID string) (bool, error)
}

// ChatKind distinguishes one-to-one chats from group chats.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// Message is one inbound chat message as seen by a frontend.
type Message struct {
	UserID  string
	ChatID  string
	Kind    ChatKind
	Text    string
	EventID string // optional; used to drop redelivered events

	// ReplyToUserID is the author of the message this one replies to, if any.
	ReplyToUserID string
}

// Response is what the frontend should send back.
type Response struct {
	Text string

	// Exchange is true when Text is a backend reply that advanced the
	// conversation. The frontend must deliver it through Deliver so a failed
	// send is rolled back.
	Exchange bool

	// Markdown is true when Text may contain markdown worth rendering.
	Markdown bool
}

// Options configures a Dispatcher.
type Options struct {
	Relay        Relay
	AdminID      string
	AllowedChats []string
	GroupPrefix  string
	Dedupe       *dedupe.Cache // optional
	Logger       *slog.Logger
}

// Dispatcher turns chat messages into relay calls and user-facing replies.
type Dispatcher struct {
	relay       Relay
	adminID     string
	groupPrefix string
	dedupe      *dedupe.Cache
	logger      *slog.Logger

	mu      sync.RWMutex
	allowed []string
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		relay:       opts.Relay,
		adminID:     opts.AdminID,
		groupPrefix: opts.GroupPrefix,
		dedupe:      opts.Dedupe,
		logger:      logger.With("component", "dispatch"),
		allowed:     slices.Clone(opts.AllowedChats),
	}
}

// HandleUserText processes one inbound message. It returns nil when the
// message is not addressed to the relay: a redelivered event, or group chatter
// without the prefix. When a core operation fails, the returned Response
// carries a user-facing explanation and the error is returned alongside it.
func (d *Dispatcher) HandleUserText(ctx context.Context, msg Message) (*Response, error) {
	if msg.EventID != "" && d.dedupe != nil && d.dedupe.Seen(msg.EventID) {
		d.logger.Debug("dropping redelivered event", "event_id", msg.EventID)
		return nil, nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}

	if cmd, arg, ok := parseCommand(text); ok {
		if resp, handled, err := d.handleCommand(ctx, msg, cmd, arg); handled {
			return resp, err
		}
	}

	if msg.Kind == ChatGroup {
		if d.groupPrefix == "" || !strings.HasPrefix(text, d.groupPrefix) {
			return nil, nil
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, d.groupPrefix))
		if text == "" {
			return nil, nil
		}
	}

	if !d.IsAllowed(msg.ChatID) {
		d.logger.Info("rejecting chat not on the access list", "chat_id", msg.ChatID, "user_id", msg.UserID)
		return &Response{Text: notAllowedText}, nil
	}

	d.logger.Info("relaying message",
		"user_id", msg.UserID,
		"chat_id", msg.ChatID,
		"kind", msg.Kind,
		"content", truncate(text, 50),
	)

	result, err := d.relay.HandleUserText(ctx, msg.UserID, text)
	if err != nil {
		d.logger.Error("relay failed", "user_id", msg.UserID, "error", err)
		return &Response{Text: UserMessage(err)}, err
	}
	if !result.Persisted {
		d.logger.Warn("reply delivered without persistence", "user_id", msg.UserID)
	}
	return &Response{Text: result.Reply, Exchange: true, Markdown: true}, nil
}

// Deliver sends an exchange reply with send. If sending fails, the exchange
// is rolled back one step so the conversation does not continue from a
// reply the user never saw. When there is nothing to roll back to, the
// user's conversation is reset instead.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, send func(ctx context.Context) error) error {
	sendErr := send(ctx)
	if sendErr == nil {
		return nil
	}

	logger := d.logger.With("user_id", userID)
	logger.Warn("reply delivery failed, rolling back", "error", sendErr)

	_, err := d.relay.Rollback(ctx, userID, 1)
	switch {
	case err == nil:
		return fmt.Errorf("delivering reply: %w", sendErr)
	case errors.Is(err, conversation.ErrEmptyHistory):
		logger.Error("nothing to roll back after failed delivery, resetting conversation", "error", err)
		if _, resetErr := d.relay.Reset(ctx, userID); resetErr != nil {
			return errors.Join(fmt.Errorf("delivering reply: %w", sendErr), err, resetErr)
		}
		return errors.Join(fmt.Errorf("delivering reply: %w", sendErr), err)
	default:
		logger.Error("rollback after failed delivery failed", "error", err)
		return errors.Join(fmt.Errorf("delivering reply: %w", sendErr), err)
	}
}

// IsAllowed reports whether chatID may use the relay. An empty access list
// allows every chat.
func (d *Dispatcher) IsAllowed(chatID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.allowed) == 0 || slices.Contains(d.allowed, chatID)
}

// AllowChat adds chatID to the access list. It reports false when the chat
// was already listed.
func (d *Dispatcher) AllowChat(chatID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.allowed, chatID) {
		return false
	}
	d.allowed = append(d.allowed, chatID)
	return true
}

// AllowedChats returns a copy of the access list.
func (d *Dispatcher) AllowedChats() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.allowed)
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
