package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnect tears the current connection down and dials again with
// exponential backoff. Dials are additionally throttled by the session's rate
// limiter so that repeated caller-initiated reconnects cannot hammer the
// endpoint. Reconnect is never triggered automatically.
//
// The conversation id survives the teardown, so the new connection resumes
// the same conversation.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(); err != nil {
		return fmt.Errorf("duplex: reconnect: %w", err)
	}

	currentBackoff := s.backoff
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("duplex: reconnect: %w", err)
		}

		slog.Info("duplex: attempting reconnection",
			"attempt", attempt,
			"max_retries", s.maxRetries,
			"backoff", currentBackoff,
		)

		err := s.Connect(ctx)
		if err == nil {
			slog.Info("duplex: reconnection successful", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err

		slog.Warn("duplex: reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		if attempt == s.maxRetries {
			break
		}

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return fmt.Errorf("duplex: reconnect: %w", ctx.Err())
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > s.maxBackoff {
			currentBackoff = s.maxBackoff
		}
	}

	slog.Error("duplex: reconnection failed after max retries", "max_retries", s.maxRetries)
	return fmt.Errorf("duplex: reconnect failed after %d attempts: %w", s.maxRetries, lastErr)
}
