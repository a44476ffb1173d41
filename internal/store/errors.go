package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports SQLite concurrency errors that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// withBusyRetry runs op, retrying with exponential backoff (50ms, 100ms)
// while SQLite reports lock contention.
func withBusyRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = op()
		if err == nil || !IsSQLiteConflictError(err) || i == writeRetries-1 {
			return err
		}
		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
