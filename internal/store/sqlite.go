// ABOUTME: SQLite persistence using modernc.org/sqlite: token ledger and event log
// ABOUTME: Schema is created automatically; WAL mode for concurrent readers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrTokenNotFound is returned when revoking a token the store never issued.
var ErrTokenNotFound = errors.New("token not found")

// Store persists the token ledger and the gateway event log in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a SQLite store at the given path. The schema is created if it
// doesn't exist, and parent directories are created if needed.
func New(path string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			permissions TEXT NOT NULL,
			issued_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_entity ON tokens(entity_id);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			session_id TEXT NOT NULL,
			entity_id TEXT,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveToken records an issued token for later revocation checks.
func (s *Store) SaveToken(ctx context.Context, tokenID, entityID string, permissions []string, expiresAt time.Time) error {
	perms, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, entity_id, permissions, issued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		tokenID, entityID, string(perms), time.Now().UTC(), expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token has been revoked. Unknown tokens are not
// revoked: verification is by signature, and the ledger may predate this
// token's issuer.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked_at FROM tokens WHERE id = ?`, tokenID,
	).Scan(&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying token: %w", err)
	}
	return revokedAt.Valid, nil
}

// RevokeToken marks a token as revoked. Revoking an already-revoked token
// is a no-op; revoking an unknown token returns ErrTokenNotFound.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), tokenID,
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM tokens WHERE id = ?`, tokenID,
		).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		} else if err != nil {
			return fmt.Errorf("querying token: %w", err)
		}
	}
	return nil
}

// RecordEvent appends a lifecycle event (connect, disconnect, eviction) to
// the event log. Failures are logged, not returned: the event log is an
// audit trail and must not break the connection path.
func (s *Store) RecordEvent(ctx context.Context, kind, sessionID, entityID, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, session_id, entity_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, sessionID, entityID, detail, time.Now().UTC(),
	)
	if err != nil {
		s.logger.Error("recording event", "kind", kind, "session_id", sessionID, "error", err)
	}
}

// EventCount returns the number of recorded events of the given kind, or of
// all events when kind is empty.
func (s *Store) EventCount(ctx context.Context, kind string) (int64, error) {
	var count int64
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, kind).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
