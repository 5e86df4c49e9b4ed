package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// WithRetry reruns fn on transient storage errors with doubling delays.
// Permanent errors (no rows, constraint violations, cancelled contexts) are
// returned as-is on the first attempt.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("transient storage error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s: retry attempts exhausted: %w", op, err)
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
