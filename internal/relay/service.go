// ABOUTME: Session engine that relays one user's text to the completion backend
// ABOUTME: Serializes per user, hydrates state, refreshes handles, exchanges, and persists tokens

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/store"
)

// Backend is what the service needs from the completion backend.
// *backend.Client satisfies it.
type Backend interface {
	Provision(ctx context.Context) (*backend.Handle, error)
	Exchange(ctx context.Context, handleID, prompt string, state *conversation.State) (*backend.Reply, error)
}

const (
	defaultWindow           = time.Hour
	defaultRefreshThreshold = 2000 * time.Second

	// pruneInterval is how often idle sessions are swept from memory.
	pruneInterval = time.Minute
)

// Options configures a Service.
type Options struct {
	Backend Backend
	Store   store.SessionStore

	// ExchangeLog, when set, receives a record of every completed exchange.
	ExchangeLog store.ExchangeLog

	MaxRollbacks     int
	Window           time.Duration
	RefreshThreshold time.Duration
	Logger           *slog.Logger
}

// Result describes a completed exchange.
type Result struct {
	Reply    string
	Tokens   conversation.Tokens
	HandleID string
	Elapsed  time.Duration

	// Refreshed is true when this message triggered a proactive handle
	// refresh because the stored record was close to expiring.
	Refreshed bool

	// Persisted is false when the reply was produced but the new tokens
	// could not be saved. Continuity will not survive a restart.
	Persisted bool
}

// Service owns every user's conversation session. It is safe for
// concurrent use; calls for the same user are serialized.
type Service struct {
	backend      Backend
	store        store.SessionStore
	exchangeLog  store.ExchangeLog
	maxRollbacks int
	window       time.Duration
	threshold    time.Duration
	logger       *slog.Logger

	locks *keyedMutex
	now   func() time.Time

	// mu guards sessions, lastPrune, and each session's handle and lastUsed.
	// The remaining session fields are only touched under that user's lock.
	mu        sync.Mutex
	sessions  map[string]*session
	lastPrune time.Time
}

// session is the process-local half of a user's conversation.
type session struct {
	state  *conversation.State
	handle *backend.Handle

	// unsaved is set while the tracker holds tokens the store failed to
	// persist. Such a tracker wins over the stored record until it ages out.
	unsaved  bool
	lastUsed time.Time
}

// New creates a Service from opts.
func New(opts Options) (*Service, error) {
	if opts.Backend == nil {
		return nil, errors.New("relay: backend is required")
	}
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = defaultRefreshThreshold
	}
	if opts.RefreshThreshold >= opts.Window {
		return nil, fmt.Errorf("relay: refresh threshold %v must be shorter than window %v", opts.RefreshThreshold, opts.Window)
	}
	if opts.MaxRollbacks <= 0 {
		opts.MaxRollbacks = conversation.DefaultMaxRollbacks
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		backend:      opts.Backend,
		store:        opts.Store,
		exchangeLog:  opts.ExchangeLog,
		maxRollbacks: opts.MaxRollbacks,
		window:       opts.Window,
		threshold:    opts.RefreshThreshold,
		logger:       logger.With("component", "relay"),
		locks:        newKeyedMutex(),
		now:          time.Now,
		sessions:     make(map[string]*session),
	}, nil
}

// HandleUserText runs one full exchange for userID: load the stored tokens,
// make sure a ready handle exists, refresh it if the record is about to
// expire, send text, and persist the new tokens with a full window.
//
// Backend and load errors are returned unchanged so callers can match them
// with errors.Is. A failed save after a successful exchange is not an error;
// it is logged and reported through Result.Persisted, and the next message
// continues from the unsaved tokens. A record that cannot be decoded is
// cleared and the user starts a new conversation.
func (s *Service) HandleUserText(ctx context.Context, userID, text string) (*Result, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("waiting for user lock: %w", err)
	}
	defer unlock()

	logger := s.logger.With("user_id", userID)
	now := s.now()
	s.prune(now)

	stored, found, err := s.store.Load(ctx, userID)
	if errors.Is(err, store.ErrCorruptRecord) {
		logger.Warn("discarding unreadable session record", "error", err)
		if err := s.store.Clear(ctx, userID); err != nil {
			return nil, fmt.Errorf("clearing unreadable session: %w", err)
		}
		stored, found, err = conversation.Tokens{}, false, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	sess := s.hydrate(userID, stored, found, now)
	state := sess.state
	if sess.unsaved {
		if err := s.persist(ctx, userID, state.Current()); err != nil {
			logger.Warn("session still not persisted", "error", err)
		} else {
			sess.unsaved = false
			found = !state.Current().IsZero()
		}
	}

	refreshed := false
	if found {
		refreshed, err = s.refresh(ctx, sess, userID, state.Current(), logger)
		if err != nil {
			return nil, err
		}
	}

	handle, err := s.ensureHandle(ctx, sess, userID)
	if err != nil {
		return nil, err
	}

	reply, err := s.backend.Exchange(ctx, handle.ID, text, state)
	if err != nil {
		// The handle may be stale; the next message provisions a new one.
		s.setHandle(sess, nil)
		logger.Warn("exchange failed", "handle_id", handle.ID, "error", err)
		return nil, err
	}

	result := &Result{
		Reply:     reply.Text,
		Tokens:    reply.Tokens,
		HandleID:  handle.ID,
		Elapsed:   reply.Elapsed,
		Refreshed: refreshed,
		Persisted: true,
	}

	sess.unsaved = false
	if err := s.store.Save(ctx, userID, reply.Tokens, s.window); err != nil {
		result.Persisted = false
		sess.unsaved = true
		logger.Error("session not persisted, continuity degraded",
			"conversation_id", reply.Tokens.ConversationID,
			"error", err,
		)
	}

	s.recordExchange(ctx, userID, text, result)

	logger.Info("exchange complete",
		"handle_id", handle.ID,
		"conversation_id", reply.Tokens.ConversationID,
		"elapsed", reply.Elapsed,
		"history", state.Len(),
	)
	return result, nil
}

// Rollback restores the tokens that were current steps exchanges ago and
// persists them. When the restored tokens are empty the stored record is
// cleared. Returns conversation.ErrEmptyHistory when there are fewer than
// steps recorded exchanges in this process.
func (s *Service) Rollback(ctx context.Context, userID string, steps int) (conversation.Tokens, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return conversation.Tokens{}, fmt.Errorf("waiting for user lock: %w", err)
	}
	defer unlock()

	s.mu.Lock()
	sess := s.sessions[userID]
	if sess != nil {
		sess.lastUsed = s.now()
	}
	s.mu.Unlock()
	if sess == nil {
		return conversation.Tokens{}, fmt.Errorf("rolling back %d step(s): %w", steps, conversation.ErrEmptyHistory)
	}
	state := sess.state

	if err := state.Rollback(steps); err != nil {
		return conversation.Tokens{}, fmt.Errorf("rolling back %d step(s): %w", steps, err)
	}
	restored := state.Current()

	err = s.persist(ctx, userID, restored)
	sess.unsaved = err != nil
	if err != nil {
		return restored, fmt.Errorf("persisting rollback: %w", err)
	}

	s.logger.Info("conversation rolled back",
		"user_id", userID,
		"steps", steps,
		"conversation_id", restored.ConversationID,
		"history", state.Len(),
	)
	return restored, nil
}

// Reset forgets everything about userID's conversation: the in-memory
// tracker, the cached handle, and the stored record. It reports whether a
// stored conversation existed.
func (s *Service) Reset(ctx context.Context, userID string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("waiting for user lock: %w", err)
	}
	defer unlock()

	s.mu.Lock()
	delete(s.sessions, userID)
	s.mu.Unlock()

	_, found, err := s.store.Load(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrCorruptRecord) {
		return false, fmt.Errorf("loading session: %w", err)
	}
	if err := s.store.Clear(ctx, userID); err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}

	s.logger.Info("conversation reset", "user_id", userID, "existed", found)
	return found, nil
}

// hydrate returns userID's session made consistent with the stored record.
// A tracker whose current tokens match the record is reused so its rollback
// history carries over between messages, and an unsaved tracker younger than
// the window wins over the record. When no record exists the session has
// lapsed, so the cached handle and history are discarded with it.
func (s *Service) hydrate(userID string, stored conversation.Tokens, found bool, now time.Time) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	switch {
	case ok && sess.unsaved && now.Sub(sess.lastUsed) < s.window:
		// The tracker holds what the user last saw.
	case ok && found && sess.state.Current() == stored:
	case ok && found:
		// Another writer moved the record; the handle is still live.
		sess.state = conversation.NewState(s.maxRollbacks)
		sess.state.Hydrate(stored)
		sess.unsaved = false
	default:
		sess = &session{state: conversation.NewState(s.maxRollbacks)}
		if found {
			sess.state.Hydrate(stored)
		}
		s.sessions[userID] = sess
	}
	sess.lastUsed = now
	return sess
}

// prune forgets sessions idle for longer than the window. Their stored
// records have expired by then, so nothing they hold is still usable.
func (s *Service) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) < pruneInterval {
		return
	}
	s.lastPrune = now
	for userID, sess := range s.sessions {
		if now.Sub(sess.lastUsed) >= s.window {
			delete(s.sessions, userID)
		}
	}
}

// refresh applies the proactive refresh policy. When the stored record has
// less than the threshold left, the store renews it atomically; only the
// caller that wins the renewal re-provisions the handle and saves the
// unchanged tokens with a full window.
func (s *Service) refresh(ctx context.Context, sess *session, userID string, tokens conversation.Tokens, logger *slog.Logger) (bool, error) {
	remaining, ok, err := s.store.RemainingTTL(ctx, userID)
	if err != nil {
		logger.Warn("reading session ttl failed, skipping refresh", "error", err)
		return false, nil
	}
	if !ok || remaining >= s.threshold {
		return false, nil
	}

	won, err := s.store.Renew(ctx, userID, s.threshold, s.window)
	if err != nil {
		logger.Warn("renewing session failed, skipping refresh", "error", err)
		return false, nil
	}
	if !won {
		return false, nil
	}

	logger.Info("session close to expiry, refreshing", "remaining", remaining)

	handle, err := s.backend.Provision(ctx)
	if err != nil {
		s.setHandle(sess, nil)
		return false, err
	}
	s.setHandle(sess, handle)

	if err := s.store.Save(ctx, userID, tokens, s.window); err != nil {
		logger.Error("refreshed session not persisted", "error", err)
	}
	return true, nil
}

// ensureHandle returns the session's cached handle when it is ready and
// provisions a new one otherwise.
func (s *Service) ensureHandle(ctx context.Context, sess *session, userID string) (*backend.Handle, error) {
	s.mu.Lock()
	handle := sess.handle
	s.mu.Unlock()
	if handle.Ready() {
		return handle, nil
	}

	handle, err := s.backend.Provision(ctx)
	if err != nil {
		s.setHandle(sess, nil)
		s.logger.Warn("provisioning failed", "user_id", userID, "error", err)
		return nil, err
	}
	s.setHandle(sess, handle)
	s.logger.Debug("handle provisioned", "user_id", userID, "handle_id", handle.ID)
	return handle, nil
}

// persist writes tokens with a full window, or clears the record when the
// tokens are empty.
func (s *Service) persist(ctx context.Context, userID string, tokens conversation.Tokens) error {
	if tokens.IsZero() {
		return s.store.Clear(ctx, userID)
	}
	return s.store.Save(ctx, userID, tokens, s.window)
}

func (s *Service) setHandle(sess *session, h *backend.Handle) {
	s.mu.Lock()
	sess.handle = h
	s.mu.Unlock()
}

// recordExchange writes to the exchange log if one is configured. Failures
// are logged and otherwise ignored.
func (s *Service) recordExchange(ctx context.Context, userID, prompt string, result *Result) {
	if s.exchangeLog == nil {
		return
	}
	rec := &store.ExchangeRecord{
		ID:             uuid.New().String(),
		UserID:         userID,
		HandleID:       result.HandleID,
		ConversationID: result.Tokens.ConversationID,
		ParentID:       result.Tokens.ParentID,
		PromptChars:    len([]rune(prompt)),
		ReplyChars:     len([]rune(result.Reply)),
		Elapsed:        result.Elapsed,
		Persisted:      result.Persisted,
		CreatedAt:      time.Now(),
	}
	if err := s.exchangeLog.RecordExchange(ctx, rec); err != nil {
		s.logger.Warn("recording exchange failed", "user_id", userID, "error", err)
	}
}
