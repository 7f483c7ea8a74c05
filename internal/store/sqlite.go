package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements GrantStore using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	baseDelay  time.Duration
}

var _ GrantStore = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed grant store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := sqliteDSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, baseDelay: 50 * time.Millisecond}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// sqliteDSN applies the pragmas on every pooled connection. modernc.org/sqlite
// only honours _pragma parameters.
func sqliteDSN(dbPath string) string {
	return dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS first_contact_grants (
		user_id TEXT PRIMARY KEY,
		granted_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns every persisted grant.
func (s *SQLiteStore) Load(ctx context.Context) ([]domain.GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, granted_at FROM first_contact_grants`)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close grant rows", "error", closeErr)
		}
	}()

	var records []domain.GrantRecord
	for rows.Next() {
		var rec domain.GrantRecord
		var grantedAt int64
		if err := rows.Scan(&rec.UserID, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		rec.GrantedAt = time.UnixMilli(grantedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return records, nil
}

// Save rewrites the grant table in a single transaction.
// Retries with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) Save(ctx context.Context, records []domain.GrantRecord) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.saveOnce(ctx, records)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < s.maxRetries-1 {
			delay := s.baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
			slog.Debug("Grant save failed with SQLITE_BUSY, retrying",
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("save grants after %d attempts: %w", i+1, err)
	}
	return nil
}

func (s *SQLiteStore) saveOnce(ctx context.Context, records []domain.GrantRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Debug("grant tx rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM first_contact_grants`); err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO first_contact_grants (user_id, granted_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET granted_at = excluded.granted_at`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx, rec.UserID, rec.GrantedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert grant %s: %w", rec.UserID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit grants: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
