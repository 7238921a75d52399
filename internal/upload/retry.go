package upload

import (
	"context"
	"errors"
	"time"

	"clipforge/internal/chunkstore"
)

const (
	retryAttempts     = 3
	retryInitialDelay = 50 * time.Millisecond
)

// withRetry reruns fn a fixed number of times with exponential backoff, but
// only for transient storage errors. Everything else surfaces immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryInitialDelay
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, chunkstore.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
