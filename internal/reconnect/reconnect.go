// Package reconnect runs a source session with exponential backoff between
// failed attempts.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains configuration for exponential backoff reconnection
type Config struct {
	MaxRetries    int           // Maximum number of consecutive failed attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultConfig returns default reconnection configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// State tracks the current state of reconnection attempts
type State struct {
	CurrentRetries int
	Reconnects     atomic.Uint32 // total failed attempts, readable from any goroutine
}

// Reset clears the consecutive failure count.
//
// Attempts call this once a session has proven healthy (e.g. delivered its
// first frame) so a long-lived stream that drops gets the full retry budget.
func (s *State) Reset() {
	if s.CurrentRetries != 0 {
		slog.Debug("reconnect: state reset", "previous_retries", s.CurrentRetries)
	}
	s.CurrentRetries = 0
}

// AttemptFunc opens a session and runs it until it ends.
// Returns nil when the session finished normally.
type AttemptFunc func(ctx context.Context) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad URL, unsupported codec,
// broken model). Run returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Run executes attempt with exponential backoff retry logic
//
// This function:
//  1. Runs attempt; a nil result ends the loop successfully
//  2. Stops immediately on context cancellation or a Permanent error
//  3. Otherwise counts the failure and waits calculateBackoff before retrying
//  4. Gives up after MaxRetries consecutive failures
//
// Exponential backoff schedule (default config):
//   - Attempt 1: 1 second
//   - Attempt 2: 2 seconds
//   - Attempt 3: 4 seconds
//   - Attempt 4: 8 seconds
//   - Attempt 5: 16 seconds
//   - After 5 failures: Stop (max retries exceeded)
func Run(ctx context.Context, attempt AttemptFunc, cfg Config, state *State) error {
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("reconnect: context cancelled, stopping reconnection")
			return err
		}

		err := attempt(ctx)
		if err == nil {
			state.Reset()
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			slog.Error("reconnect: permanent failure, not retrying", "error", perm.err)
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Error("reconnect: session failed", "error", err)

		state.CurrentRetries++
		state.Reconnects.Add(1)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("reconnect: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)

		slog.Warn("reconnect: retrying",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			slog.Info("reconnect: context cancelled during backoff")
			return ctx.Err()
		}
	}
}

// calculateBackoff calculates the exponential backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 2^20 the cap always applies; keeps the shift from overflowing
	if attempt > 21 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
