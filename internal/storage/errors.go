package storage

import (
	"errors"
	"strings"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates malformed caller input (bad report
	// key, bad pagination bound). Never retried.
	ErrInvalidArgument = errors.New("invalid arguments")

	// ErrStaleLease indicates an ack whose lease no longer matches;
	// the event was redelivered or reclaimed. Safe to ignore.
	ErrStaleLease = errors.New("stale lease")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage closed")
)

// Retryable reports whether an error looks like a transient database
// condition worth retrying: lock contention, deadlock, or a stale pool
// connection. Both drivers surface these as strings rather than typed
// errors, so this sniffs the message.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked", // sqlite
		"sqlite_busy",        // sqlite
		"deadlock",           // mysql ER_LOCK_DEADLOCK
		"try restarting transaction",
		"lock wait timeout", // mysql ER_LOCK_WAIT_TIMEOUT
		"driver: bad connection",
		"invalid connection",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
