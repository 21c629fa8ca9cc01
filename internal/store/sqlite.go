// ABOUTME: SQLite implementation of SessionStore and ExchangeLog using modernc.org/sqlite
// ABOUTME: Expiry is stored per row; expired rows read as absent and are swept in the background

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/conversation"
)

// sweepInterval is how often expired session rows are deleted.
const sweepInterval = time.Minute

// SQLiteStore implements SessionStore and ExchangeLog using SQLite
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Keys are userIDs prefixed with prefix.
func NewSQLiteStore(path, prefix string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout lets concurrent writers from different user tasks wait instead of failing
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time keeps conditional renewals from racing into SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.sweepLoop()

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			expires_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS exchanges (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			handle_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			parent_id       TEXT NOT NULL,
			prompt_chars    INTEGER NOT NULL,
			reply_chars     INTEGER NOT NULL,
			elapsed_ms      INTEGER NOT NULL,
			persisted       INTEGER NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_user_created ON exchanges(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) key(userID string) string {
	return s.prefix + userID
}

// Load returns the unexpired tokens stored for userID.
func (s *SQLiteStore) Load(ctx context.Context, userID string) (conversation.Tokens, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sessions WHERE session_key = ? AND expires_at > ?`,
		s.key(userID), s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Tokens{}, false, nil
	}
	if err != nil {
		return conversation.Tokens{}, false, unavailable("loading session", err)
	}

	tokens, err := DecodeTokens(value)
	if err != nil {
		return conversation.Tokens{}, false, err
	}
	return tokens, true, nil
}

// Save upserts the tokens and resets the expiry to now+window.
func (s *SQLiteStore) Save(ctx context.Context, userID string, tokens conversation.Tokens, window time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, s.key(userID), EncodeTokens(tokens), s.now().Add(window).UnixMilli())
	if err != nil {
		return unavailable("saving session", err)
	}
	return nil
}

// RemainingTTL reports how long the record has left.
func (s *SQLiteStore) RemainingTTL(ctx context.Context, userID string) (time.Duration, bool, error) {
	now := s.now()
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM sessions WHERE session_key = ? AND expires_at > ?`,
		s.key(userID), now.UnixMilli(),
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("reading session ttl", err)
	}
	return time.UnixMilli(expiresAt).Sub(now), true, nil
}

// Clear deletes the record.
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, s.key(userID)); err != nil {
		return unavailable("clearing session", err)
	}
	return nil
}

// Renew resets the expiry in a single conditional UPDATE, so only one of
// several concurrent callers matches the row.
func (s *SQLiteStore) Renew(ctx context.Context, userID string, threshold, window time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at = ?
		WHERE session_key = ? AND expires_at > ? AND expires_at < ?
	`, now.Add(window).UnixMilli(), s.key(userID), now.UnixMilli(), now.Add(threshold).UnixMilli())
	if err != nil {
		return false, unavailable("renewing session", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("renewing session", err)
	}
	return n == 1, nil
}

// RecordExchange stores an exchange log entry.
func (s *SQLiteStore) RecordExchange(ctx context.Context, rec *ExchangeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (
			id, user_id, handle_id, conversation_id, parent_id,
			prompt_chars, reply_chars, elapsed_ms, persisted, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.UserID,
		rec.HandleID,
		rec.ConversationID,
		rec.ParentID,
		rec.PromptChars,
		rec.ReplyChars,
		rec.Elapsed.Milliseconds(),
		rec.Persisted,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}

	s.logger.Debug("recorded exchange",
		"id", rec.ID,
		"user_id", rec.UserID,
		"elapsed", rec.Elapsed,
	)
	return nil
}

// ListExchanges returns the most recent exchanges for userID, newest first.
// If limit is 0 or negative, all exchanges are returned.
func (s *SQLiteStore) ListExchanges(ctx context.Context, userID string, limit int) ([]*ExchangeRecord, error) {
	query := `
		SELECT id, user_id, handle_id, conversation_id, parent_id,
		       prompt_chars, reply_chars, elapsed_ms, persisted, created_at
		FROM exchanges
		WHERE user_id = ?
		ORDER BY created_at DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	var out []*ExchangeRecord
	for rows.Next() {
		var (
			rec       ExchangeRecord
			elapsedMS int64
			createdAt string
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.HandleID, &rec.ConversationID, &rec.ParentID,
			&rec.PromptChars, &rec.ReplyChars, &elapsedMS, &rec.Persisted, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing exchange created_at: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// sweep deletes expired session rows and returns how many were removed.
func (s *SQLiteStore) sweep(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.sweep(context.Background())
			if err != nil {
				s.logger.Warn("sweeping expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the sweeper and closes the database. It is safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.Info("closing SQLite store")
		err = s.db.Close()
	})
	return err
}
