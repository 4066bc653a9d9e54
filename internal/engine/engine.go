// Package engine implements the single-threaded framer driver of spec.md
// §4.6/§5 and SPEC_FULL.md §4.7: one goroutine owns a registry.Registry and
// repeatedly polls every registered session, using each session's progress
// count to drive an adaptive idle backoff instead of busy-spinning
// unconditionally.
package engine

import (
	"context"
	"time"

	"github.com/wyfcoding/fixgateway/internal/clock"
	"github.com/wyfcoding/fixgateway/internal/registry"
	"github.com/wyfcoding/fixgateway/pkg/metrics"
)

// Terminable is implemented by session.FixSession and session.ILink3Session:
// the subset the engine needs beyond registry.Pollable to drain sessions on
// shutdown. Sessions that don't support an explicit terminate (none of ours
// don't) can be routed through this without the engine importing the
// session package directly, keeping the protocol-family split spec.md §9
// describes out of the engine.
type Terminable interface {
	Terminate()
}

// Config controls the adaptive idle strategy and shutdown draining.
type Config struct {
	// BusySpinFloor is the value the idle backoff restarts from after any
	// tick made progress. A tick that made progress is followed at once by
	// the next tick; the first idle sleep after it is twice this value.
	BusySpinFloor time.Duration
	// MaxIdleSleep caps the doubling backoff applied on all-zero-progress
	// ticks.
	MaxIdleSleep time.Duration
	// ShutdownTimeout bounds how long Close waits for sessions to reach a
	// terminal state before giving up (spec.md §5).
	ShutdownTimeout time.Duration
}

// DefaultConfig matches the teacher's matching-engine loop's busy-spin floor
// of a few hundred microseconds, backing off to a bounded idle sleep.
func DefaultConfig() Config {
	return Config{
		BusySpinFloor:   200 * time.Microsecond,
		MaxIdleSleep:    50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Engine is the poll-loop driver. It is not safe for concurrent use from
// more than one goroutine; only Run and Close are meant to be called
// externally, and Close may be called concurrently with Run to request
// shutdown.
type Engine struct {
	reg       *registry.Registry
	clk       clock.Clock
	cfg       Config
	collector metrics.Collector

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Engine driving reg. collector may be nil, in which case
// no metrics are recorded.
func New(reg *registry.Registry, clk clock.Clock, cfg Config, collector metrics.Collector) *Engine {
	return &Engine{
		reg:       reg,
		clk:       clk,
		cfg:       cfg,
		collector: collector,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run drives the poll loop until Close is called or ctx is cancelled. It
// blocks; call it from its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	sleep := e.cfg.BusySpinFloor
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		progress := e.tick()
		if progress > 0 {
			sleep = e.cfg.BusySpinFloor
			continue
		}

		if sleep < e.cfg.MaxIdleSleep {
			sleep *= 2
			if sleep > e.cfg.MaxIdleSleep {
				sleep = e.cfg.MaxIdleSleep
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// tick polls every registered session exactly once, returning the summed
// progress count for the adaptive backoff decision.
func (e *Engine) tick() int {
	now := e.clk.NowMillis()
	sessions := e.reg.Sessions()

	total := 0
	for _, sess := range sessions {
		n, err := sess.Poll(now)
		if err != nil {
			continue
		}
		total += n
	}
	if e.collector != nil {
		e.collector.SetSessionsActive(len(sessions))
	}
	return total
}

// Close requests the loop stop and drains every still-registered session:
// each gets up to ShutdownTimeout, collectively, to reach a terminal state
// via its own Terminate/Poll path before Close gives up and returns.
func (e *Engine) Close(ctx context.Context) error {
	close(e.stopCh)

	select {
	case <-e.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	deadline := time.Now().Add(e.cfg.ShutdownTimeout)
	for {
		sessions := e.reg.Sessions()
		if len(sessions) == 0 || time.Now().After(deadline) {
			return nil
		}
		for _, sess := range sessions {
			if t, ok := sess.(Terminable); ok {
				t.Terminate()
			}
			_, _ = sess.Poll(e.clk.NowMillis())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
