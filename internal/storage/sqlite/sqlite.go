package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteLedger implements storage.Ledger backed by a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteLedger, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and the ledger
	// is written from many goroutines.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

func (s *SQLiteLedger) RecordSandbox(ctx context.Context, rec *storage.SandboxRecord) error {
	rec.Status = storage.StatusLive
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (id, client_id, runtime, mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClientID, rec.Runtime, rec.Mode, rec.Status,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting sandbox: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) MarkDestroyed(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET status = ?, destroyed_at = ? WHERE id = ? AND status = ?`,
		storage.StatusDestroyed, now, id, storage.StatusLive,
	)
	if err != nil {
		return fmt.Errorf("marking sandbox destroyed: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) GetSandbox(ctx context.Context, id string) (*storage.SandboxRecord, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, runtime, mode, status, created_at, destroyed_at
		FROM sandboxes WHERE id = ?`, id)
	if rec, err := scanRecord(row); err == nil {
		return rec, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, runtime, mode, status, created_at, destroyed_at
		FROM sandboxes WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying sandbox: %w", err)
	}
	defer rows.Close()

	var matches []*storage.SandboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("sandbox not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous sandbox prefix %q matches %d sandboxes", id, len(matches))
	}
}

func (s *SQLiteLedger) ListSandboxes(ctx context.Context, opts storage.ListOptions) ([]storage.SandboxRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, client_id, runtime, mode, status, created_at, destroyed_at FROM sandboxes WHERE 1 = 1`
	var args []any

	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, opts.ClientID)
	}

	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()

	var records []storage.SandboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sandboxes WHERE status = ? AND destroyed_at < ?`,
		storage.StatusDestroyed, before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning sandboxes: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.SandboxRecord, error) {
	var rec storage.SandboxRecord
	var createdAt string
	var destroyedAt sql.NullString
	err := s.Scan(&rec.ID, &rec.ClientID, &rec.Runtime, &rec.Mode, &rec.Status, &createdAt, &destroyedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if destroyedAt.Valid {
		rec.DestroyedAt, _ = time.Parse(time.RFC3339Nano, destroyedAt.String)
	}
	return &rec, nil
}
