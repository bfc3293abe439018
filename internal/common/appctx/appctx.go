// Package appctx provides context utilities for operations that must
// outlive the request that triggered them.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context carrying parent's values but none of its
// deadline or cancellation, bounded instead by its own timeout and an
// optional early-stop signal. Used for graceful-shutdown work (spec §4.6
// shutdown, §4.7 manager Stop): the caller's request context may be
// cancelled the moment the client disconnects, but a drain-and-flush
// should still run its full configured grace period.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(valuesOnly{parent}, timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// valuesOnly strips Deadline/Done/Err from a context.Context, leaving only
// its Value lookups, so WithTimeout builds a fresh deadline instead of
// inheriting (and being cut short by) the parent's.
type valuesOnly struct{ context.Context }

func (valuesOnly) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valuesOnly) Done() <-chan struct{}       { return nil }
func (valuesOnly) Err() error                  { return nil }
