// Package browser wraps the headless browser used to resolve preview and
// frame URLs behind the marketplace's anti-bot interstitial.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a wait does not succeed within its deadline.
var ErrTimeout = errors.New("timed out")

// Element is a located DOM node.
type Element interface {
	Attribute(name string) (string, error)
}

// Driver is one browser instance. It is owned by a single caller and must be
// released with Quit.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	// FindElement waits up to timeout for selector to match.
	FindElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Quit() error
}

// Factory opens a new driver. logf receives warnings worth showing the user.
type Factory func(ctx context.Context, logf func(msg string)) (Driver, error)

const pollInterval = 250 * time.Millisecond

// WaitUntil polls cond until it reports true, it fails, ctx ends, or timeout
// elapses.
func WaitUntil(ctx context.Context, d Driver, timeout time.Duration, cond func(Driver) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := cond(d)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if ok {
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
