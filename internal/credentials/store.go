package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the single persisted credential: a delegated access token, the
// refresh token to renew it, and the absolute expiry instant. An empty
// AccessToken means no credential is held and ExpiresAt is meaningless.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Empty reports whether the record holds no credential.
func (r Record) Empty() bool {
	return r.AccessToken == ""
}

const schema = `
CREATE TABLE IF NOT EXISTS credential (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    INTEGER NOT NULL
);`

// Store durably mirrors the credential record to a local SQLite database so
// a restart can resume without re-authorization. The table holds at most one
// row; every write replaces it whole.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the credential database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credential schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the persisted record, or a zero record if none is stored.
func (s *Store) Load(ctx context.Context) (Record, error) {
	var rec Record
	var expiresAt int64

	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at FROM credential WHERE id = 1`)
	err := row.Scan(&rec.AccessToken, &rec.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load credential: %w", err)
	}

	if expiresAt > 0 {
		rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	}
	return rec, nil
}

// Save replaces the stored record atomically.
func (s *Store) Save(ctx context.Context, rec Record) error {
	var expiresAt int64
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential (id, access_token, refresh_token, expires_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		rec.AccessToken, rec.RefreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Clear removes the stored record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
