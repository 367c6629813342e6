package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Poll when the probe never succeeds in time.
var ErrTimeout = errors.New("timed out waiting for readiness")

// Probe reports readiness. A non-nil error aborts polling.
type Probe func(ctx context.Context) (bool, error)

// Poll runs probe every interval until it reports ready, returns an error, the
// timeout elapses or ctx is cancelled.
func Poll(ctx context.Context, interval, timeout time.Duration, probe Probe) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ready, err := probe(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
