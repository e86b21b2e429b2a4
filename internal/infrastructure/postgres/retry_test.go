package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
)

func fastRetry(retries int) RetryOptions {
	return RetryOptions{Retries: retries, Delay: time.Millisecond}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), "test", fastRetry(2), func() (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("read tcp: connection reset by peer")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("WithRetry() failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("WithRetry() = %q, want %q", result, "ok")
	}
	if calls != 3 {
		t.Errorf("WithRetry() made %d calls, want 3", calls)
	}
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	wantErr := errors.New("dial tcp: i/o timeout")
	_, err := WithRetry(context.Background(), "test", fastRetry(2), func() (int, error) {
		calls++
		return 0, wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("WithRetry() error = %v, want original error rethrown unchanged", err)
	}
	if calls != 3 {
		t.Errorf("WithRetry() made %d calls, want exactly 3 attempts", calls)
	}
}

func TestWithRetry_NonTransientFailsFast(t *testing.T) {
	calls := 0
	wantErr := errors.New("duplicate key value violates unique constraint")
	_, err := WithRetry(context.Background(), "test", fastRetry(5), func() (int, error) {
		calls++
		return 0, wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("WithRetry() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("WithRetry() made %d calls, want 1 (no retry on non-transient errors)", calls)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, "test", RetryOptions{Retries: 3, Delay: time.Minute}, func() (int, error) {
		return 0, errors.New("connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithRetry() error = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Connection Reset", errors.New("read tcp 10.0.0.1:5432: connection reset by peer"), true},
		{"Pooler Tenant", errors.New("FATAL: Tenant or user not found"), true},
		{"Timeout", errors.New("dial tcp: i/o timeout"), true},
		{"Connection Limit", errors.New("pq: too many connections for role"), true},
		{"Wrapped Transient", fmt.Errorf("failed to upsert: %w", errors.New("connection refused")), true},
		{"Unique Violation", errors.New("pq: duplicate key value violates unique constraint"), false},
		{"PQ Insufficient Resources", &pq.Error{Code: "53300"}, true},
		{"PQ Admin Shutdown", &pq.Error{Code: "57P01"}, true},
		{"PQ Syntax Error", &pq.Error{Code: "42601"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
