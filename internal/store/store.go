// Package store implements the Permanent Store (C4): the authoritative,
// append-only per-session event log backing the pipeline. It is adapted
// from the predecessor service's SQLite repository layer: pure-Go driver,
// WAL mode, embedded migrations tracked in a schema_migrations table.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/logger"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the Permanent Store's database handle.
type Store struct {
	DB *sql.DB
}

// Open creates or opens the Permanent Store at dbPath, configures it for
// WAL-mode concurrent access, and applies any pending migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	configurePragmas(db)

	s := &Store{DB: db}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func configurePragmas(db *sql.DB) {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8000",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debugf("failed to set %s: %v", pragma, err)
		}
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) runMigrations() error {
	_, err := s.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := s.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var version int
		if _, err := fmt.Sscanf(file, "%d_", &version); err != nil {
			logger.Errorf("skipping invalid migration file: %s", file)
			continue
		}
		if version <= currentVersion {
			continue
		}

		logger.Infof("applying migration: %s", file)
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", file, err)
		}

		tx, err := s.DB.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration version %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// SaveEvent persists a single envelope. The returned error is already
// wrapped with domain.ErrPermanent (data that cannot be marshalled) or
// domain.ErrRetryable (a failed insert).
func (s *Store) SaveEvent(ctx context.Context, e domain.Envelope) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("%w: marshal event data: %v", domain.ErrPermanent, err)
	}
	_, err = ExecWithRetry(ctx, s.DB, `
		INSERT INTO events (session_id, sequence, event_type, timestamp, request_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sequence) DO NOTHING
	`, e.SessionID, e.Sequence, e.EventType, e.Timestamp, e.RequestID, data)
	if err != nil {
		return fmt.Errorf("%w: save event: %v", domain.ErrRetryable, err)
	}
	return nil
}

// SaveEventsBatch persists a slice of envelopes atomically. On any failure
// the whole transaction is rolled back; C5 falls back to per-envelope
// SaveEvent calls when this returns an error.
func (s *Store) SaveEventsBatch(ctx context.Context, envelopes []domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch transaction: %v", domain.ErrRetryable, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, sequence, event_type, timestamp, request_id, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sequence) DO NOTHING
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: prepare batch insert: %v", domain.ErrRetryable, err)
	}
	defer stmt.Close()

	for _, e := range envelopes {
		data, err := json.Marshal(e.Data)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: marshal event data: %v", domain.ErrPermanent, err)
		}
		if _, err := stmt.ExecContext(ctx, e.SessionID, e.Sequence, e.EventType, e.Timestamp, e.RequestID, data); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: batch insert: %v", domain.ErrRetryable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", domain.ErrRetryable, err)
	}
	return nil
}

// GetEvents returns envelopes for session with sequence > sinceSequence, in
// ascending sequence order.
func (s *Store) GetEvents(ctx context.Context, sessionID string, sinceSequence int64) ([]domain.Envelope, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT session_id, sequence, event_type, timestamp, request_id, data
		FROM events WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, sessionID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]domain.Envelope, error) {
	var out []domain.Envelope
	for rows.Next() {
		var e domain.Envelope
		var requestID sql.NullString
		var data string
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.EventType, &e.Timestamp, &requestID, &data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if requestID.Valid {
			e.RequestID = requestID.String
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest sequence already persisted for a session,
// or 0 if none, used by C1's cold-start recovery.
func (s *Store) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	var max int64
	err := s.DB.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM events WHERE session_id = ?", sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max, nil
}

// LogDLQArrival appends an audit record when C6 deadletters an event. Best
// effort: a failure here is logged but never escalated, since the in-memory
// DLQ itself remains the source of truth while the process is alive.
func (s *Store) LogDLQArrival(ctx context.Context, f domain.FailedEvent) {
	movedAt := time.Now()
	if f.MovedToDLQAt != nil {
		movedAt = *f.MovedToDLQAt
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dlq_log (session_id, sequence, event_type, original_error, retry_count, first_failed_at, moved_to_dlq_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.Envelope.SessionID, f.Envelope.Sequence, f.Envelope.EventType, f.OriginalError, f.RetryCount, f.FirstFailedAt, movedAt)
	if err != nil {
		logger.Errorf("failed to record dlq_log entry for %s:%d: %v", f.Envelope.SessionID, f.Envelope.Sequence, err)
	}
}

// Backup copies the database file to a timestamped backup path, keeping the
// most recent 5 backups.
func (s *Store) Backup(dbPath string) (string, error) {
	backupDir := filepath.Join(filepath.Dir(dbPath), "backups")
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("events_%s.db", timestamp))

	if _, err := s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Debugf("WAL checkpoint failed: %v", err)
	}

	srcFile, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("open source database: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("copy database: %w", err)
	}
	if err := dstFile.Sync(); err != nil {
		_ = dstFile.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("sync backup file: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("close backup file: %w", err)
	}

	cleanupOldBackups(backupDir, 5)
	return backupPath, nil
}

func cleanupOldBackups(backupDir string, keep int) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		logger.Errorf("failed to read backup directory: %v", err)
		return
	}

	type backupFile struct {
		name    string
		modTime time.Time
	}
	var backups []backupFile
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			backups = append(backups, backupFile{name: entry.Name(), modTime: info.ModTime()})
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	for i := keep; i < len(backups); i++ {
		path := filepath.Join(backupDir, backups[i].name)
		if err := os.Remove(path); err != nil {
			logger.Errorf("failed to remove old backup %s: %v", path, err)
		}
	}
}
