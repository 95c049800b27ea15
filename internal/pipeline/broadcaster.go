package pipeline

import (
	"context"
	"log/slog"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// Broadcaster drains the hand-off queue and offers every frame to each
// session registered at the time the frame is dispatched.
//
// Delivery never blocks: [Session.Deliver] only enqueues, so a slow client
// delays nobody but itself.
type Broadcaster struct {
	in       <-chan audio.AudioFrame
	registry *Registry
	log      *slog.Logger

	// dispatched is only touched by the broadcast goroutine.
	dispatched uint64

	done chan struct{}
}

func newBroadcaster(in <-chan audio.AudioFrame, r *Registry, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		in:       in,
		registry: r,
		log:      log.With("component", "broadcaster"),
		done:     make(chan struct{}),
	}
}

// Run dispatches frames until the hand-off queue is closed and drained, or
// until ctx is cancelled. Cancelling ctx abandons any frames still queued; a
// normal shutdown closes the queue instead.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.log.Warn("broadcaster abandoned", "dispatched", b.dispatched, "err", ctx.Err())
			return
		case f, ok := <-b.in:
			if !ok {
				b.log.Debug("hand-off drained, broadcaster stopped", "dispatched", b.dispatched)
				return
			}
			b.dispatch(f)
		}
	}
}

func (b *Broadcaster) dispatch(f audio.AudioFrame) {
	b.dispatched++
	for _, s := range b.registry.Snapshot() {
		// A session that started closing after the snapshot was taken
		// rejects the frame; that is expected and not an error.
		_ = s.Deliver(f)
	}
}

// Done is closed once Run has returned.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }
