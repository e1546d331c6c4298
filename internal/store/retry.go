package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mescon/eventpipe/internal/logger"
)

const (
	maxRetries        = 5
	retryBaseDelay    = 100 * time.Millisecond
	retryQueryTimeout = 15 * time.Second
)

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "context deadline exceeded")
}

// ExecWithRetry runs db.ExecContext, retrying on SQLITE_BUSY/lock-contention
// errors with exponential backoff.
func ExecWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, retryQueryTimeout)
		result, err = db.ExecContext(execCtx, query, args...)
		cancel()

		if err == nil {
			return result, nil
		}
		if !isRetryableSQLiteError(err) {
			return nil, err
		}

		delay := retryBaseDelay * time.Duration(1<<attempt)
		logger.Debugf("sqlite busy, retrying in %v (attempt %d/%d): %v", delay, attempt+1, maxRetries, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// QueryWithRetry runs db.QueryContext, retrying on SQLITE_BUSY/lock-contention
// errors with exponential backoff.
func QueryWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		queryCtx, cancel := context.WithTimeout(ctx, retryQueryTimeout)
		rows, err = db.QueryContext(queryCtx, query, args...)
		cancel()

		if err == nil {
			return rows, nil
		}
		if !isRetryableSQLiteError(err) {
			return nil, err
		}

		delay := retryBaseDelay * time.Duration(1<<attempt)
		logger.Debugf("sqlite busy, retrying in %v (attempt %d/%d): %v", delay, attempt+1, maxRetries, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}
