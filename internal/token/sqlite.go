package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Registry is a SQLite-backed map from download token to job id and expiry.
// It is the only state that survives a restart.
type Registry struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the token database at dbPath and runs migrations.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err = r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS download_tokens (
			token      TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_download_tokens_job_id ON download_tokens(job_id);
	`)
	return err
}

// Issue returns the job's live token if it has one, otherwise replaces any
// expired entry with a freshly minted token valid until expiresAt.
func (r *Registry) Issue(ctx context.Context, jobID string, expiresAt time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var token string
	var stored time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT token, expires_at FROM download_tokens WHERE job_id = ? ORDER BY expires_at DESC LIMIT 1
	`, jobID).Scan(&token, &stored)
	switch {
	case err == nil:
		if !stored.Before(r.now()) {
			return token, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", fmt.Errorf("lookup token for job %s: %w", jobID, err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE job_id = ?`, jobID); err != nil {
		return "", fmt.Errorf("delete expired token for job %s: %w", jobID, err)
	}

	token = newToken()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO download_tokens (token, job_id, expires_at) VALUES (?, ?, ?)
	`, token, jobID, expiresAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert token for job %s: %w", jobID, err)
	}
	return token, nil
}

// Resolve returns the job a token grants access to. Expired tokens are
// deleted on the way out and reported as absent.
func (r *Registry) Resolve(ctx context.Context, token string) (jobID string, expiresAt time.Time, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.db.QueryRowContext(ctx, `
		SELECT job_id, expires_at FROM download_tokens WHERE token = ?
	`, token).Scan(&jobID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("resolve token: %w", err)
	}

	if expiresAt.Before(r.now()) {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE token = ?`, token); err != nil {
			return "", time.Time{}, false, fmt.Errorf("delete expired token: %w", err)
		}
		return "", time.Time{}, false, nil
	}
	return jobID, expiresAt, true, nil
}

func (r *Registry) Delete(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (r *Registry) DeleteForJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete tokens for job %s: %w", jobID, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

func newToken() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
