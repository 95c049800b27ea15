package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SignalState is the one-shot shutdown latch.
type SignalState int32

const (
	// NotRequested: the pipeline is running normally.
	NotRequested SignalState = iota
	// Requested: shutdown has been triggered and is in progress.
	Requested
	// Completed: every component has stopped or been abandoned. It is safe to
	// exit the process.
	Completed
)

// String implements [fmt.Stringer].
func (s SignalState) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case Requested:
		return "requested"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("SignalState(%d)", int32(s))
	}
}

// shutdownTargets are the components the coordinator stops, in order. Any
// field may be nil when the component was never started.
type shutdownTargets struct {
	// stopCapture asks the producer to stop; captureDone closes when it has.
	stopCapture context.CancelFunc
	captureDone <-chan struct{}
	// forceCapture closes the capture handle behind a stuck producer.
	forceCapture func() error

	// broadcastDone closes when the broadcaster drained the hand-off queue;
	// abandonBroadcast stops it without draining.
	broadcastDone    <-chan struct{}
	abandonBroadcast context.CancelFunc

	registry *Registry
	// sessionsIdle returns a channel that closes once every session, including
	// ones already unregistered, has reached Closed.
	sessionsIdle func() <-chan struct{}
}

// ShutdownCoordinator owns the pipeline's single shutdown signal.
//
// [ShutdownCoordinator.Trigger] may be called any number of times from any
// goroutine, a signal handler included; only the first call does anything,
// and it does no cleanup itself. The ordered teardown runs on the
// coordinator's own goroutine:
//
//  1. latch Requested and seal the registry
//  2. stop the producer, force-closing the capture handle after the grace period
//  3. wait for the broadcaster to drain, abandoning it after the grace period
//  4. close every registered session and wait for all sessions to reach Closed
//  5. latch Completed
//
// A component that misses its grace period is logged and skipped, so the
// sequence always reaches Completed.
type ShutdownCoordinator struct {
	state   atomic.Int32
	once    sync.Once
	done    chan struct{}
	grace   time.Duration
	targets shutdownTargets
	log     *slog.Logger

	// mu orders Trigger against setTargets.
	mu sync.Mutex
}

func newShutdownCoordinator(grace time.Duration, log *slog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		done:  make(chan struct{}),
		grace: grace,
		log:   log.With("component", "shutdown"),
	}
}

// setTargets installs the components to stop. It reports false, leaving the
// targets untouched, when shutdown has already been triggered.
func (c *ShutdownCoordinator) setTargets(t shutdownTargets) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != NotRequested {
		return false
	}
	c.targets = t
	return true
}

// State returns the current signal state.
func (c *ShutdownCoordinator) State() SignalState {
	return SignalState(c.state.Load())
}

// Trigger requests shutdown. It never blocks.
func (c *ShutdownCoordinator) Trigger() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(Requested))
		t := c.targets
		c.mu.Unlock()
		if t.registry != nil {
			t.registry.Seal()
		}
		go c.run(t)
	})
}

// Done is closed when the signal reaches Completed.
func (c *ShutdownCoordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until shutdown has completed or ctx is done.
func (c *ShutdownCoordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: waiting for shutdown: %w", ctx.Err())
	}
}

func (c *ShutdownCoordinator) run(t shutdownTargets) {
	start := time.Now()
	c.log.Info("shutdown requested", "grace", c.grace)

	// Step 2: producer.
	if t.stopCapture != nil {
		t.stopCapture()
	}
	if t.captureDone != nil && !c.await("producer", t.captureDone) {
		if t.forceCapture != nil {
			if err := t.forceCapture(); err != nil {
				c.log.Warn("force-closing capture handle failed", "err", err)
			}
		}
	}

	// Step 3: broadcaster.
	if t.broadcastDone != nil && !c.await("broadcaster", t.broadcastDone) {
		if t.abandonBroadcast != nil {
			t.abandonBroadcast()
		}
	}

	// Step 4: sessions.
	if t.registry != nil {
		sessions := t.registry.Snapshot()
		for _, s := range sessions {
			s.Close()
		}
		c.log.Debug("closing sessions", "count", len(sessions))
	}
	if t.sessionsIdle != nil {
		c.await("sessions", t.sessionsIdle())
	}

	// Step 5.
	c.state.Store(int32(Completed))
	c.log.Info("shutdown completed", "took", time.Since(start).Round(time.Millisecond))
	close(c.done)
}

// await waits up to the grace period for done and reports whether it closed.
func (c *ShutdownCoordinator) await(component string, done <-chan struct{}) bool {
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		c.log.Error("component did not stop within grace period, proceeding", "stuck", component, "grace", c.grace)
		return false
	}
}
