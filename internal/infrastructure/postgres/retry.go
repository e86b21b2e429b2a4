package postgres

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
)

// RetryOptions configures WithRetry. Retries is the number of attempts after
// the first one, so Retries=2 allows three attempts total.
type RetryOptions struct {
	Retries int
	Delay   time.Duration
}

// DefaultRetryOptions matches the pooler hiccups seen in production: short
// linear backoff, three attempts total.
var DefaultRetryOptions = RetryOptions{Retries: 2, Delay: 250 * time.Millisecond}

// transientSubstrings are error fragments that indicate a transient storage
// failure worth retrying: dropped connections, pooler restarts, timeouts and
// connection-limit pressure.
var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"tenant or user not found",
	"timeout",
	"too many connections",
	"the database system is starting up",
}

// IsTransient reports whether err looks like a transient storage error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 53: insufficient resources, class 57: operator intervention
		// (e.g. admin shutdown during a failover).
		class := pqErr.Code.Class()
		if class == "53" || class == "57" {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientSubstrings {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// WithRetry runs fn, retrying transient failures with linear backoff
// (delay * attempt). Non-transient errors and exhausted retries are returned
// unchanged.
func WithRetry[T any](ctx context.Context, op string, opts RetryOptions, fn func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 1; attempt <= opts.Retries+1; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, err
		}
		if attempt > opts.Retries {
			break
		}

		backoff := opts.Delay * time.Duration(attempt)
		log.Printf("%s: transient storage error (attempt %d/%d), retrying in %v: %v",
			op, attempt, opts.Retries+1, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, err
}
