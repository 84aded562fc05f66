// Package lifecycle implements the Lifecycle Supervisor (X): signal
// handling, root context cancellation, and an ordered, bounded-timeout
// shutdown drain (spec.md §4.5 / SPEC_FULL.md §4.5).
package lifecycle

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/mac-lisowski/reservation-ingest/internal/logging"
)

// Closer is one resource's shutdown step, given a context bounded by
// the supervisor's grace timeout.
type Closer func(ctx context.Context) error

// Supervisor owns the process root context and the ordered shutdown
// sequence run once it's cancelled.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration
}

// New installs a SIGINT/SIGTERM trap and returns a Supervisor carrying
// the resulting cancellable root context.
func New(grace time.Duration) *Supervisor {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return &Supervisor{ctx: ctx, cancel: cancel, grace: grace}
}

// Context is the root context every long-running goroutine should
// select on; it is cancelled the instant a shutdown signal arrives.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Stop cancels the root context directly, used by tests and by any
// caller that wants to trigger shutdown without a real signal.
func (s *Supervisor) Stop() { s.cancel() }

// Drain blocks until the root context is cancelled, then runs closers
// in the order the caller passes them, against a context bounded by
// the supervisor's grace timeout. It does not wait for goroutines
// started on Context to return. A closer's error is logged, never
// aborts the remaining sequence.
func (s *Supervisor) Drain(closers ...Closer) {
	<-s.ctx.Done()
	logging.Infof(context.Background(), logging.Subject("lifecycle"), "shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	for _, c := range closers {
		if err := c(shutdownCtx); err != nil {
			logging.Errorf(shutdownCtx, logging.Subject("lifecycle"), "shutdown step failed: %v", err)
		}
	}
}
