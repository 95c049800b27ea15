package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/internal/pipeline"
	"github.com/MrWong99/audiocast/internal/resilience"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 2 * time.Second
	flushTimeout        = 3 * time.Second
)

// Write results reported on [observe.Metrics.JournalWrites].
const (
	resultOK      = "ok"
	resultError   = "error"
	resultSkipped = "skipped"
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many closed sessions may wait for the store.
// Further sessions are skipped until the queue drains. Default: 256.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single store write. Default: 2s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithBreaker guards store writes with b. While b is open writes are skipped.
func WithBreaker(b *resilience.Breaker) RecorderOption {
	return func(r *Recorder) { r.breaker = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// Recorder is a [pipeline.SessionObserver] that journals closed sessions.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	store        Store
	breaker      *resilience.Breaker
	metrics      *observe.Metrics
	log          *slog.Logger
	queueSize    int
	writeTimeout time.Duration

	queue   chan pipeline.SessionInfo
	skipped atomic.Uint64
	written atomic.Uint64
}

var _ pipeline.SessionObserver = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to store. Call [Recorder.Run] to
// start writing.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		log:          slog.Default(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.NewBreaker("journal", resilience.WithLogger(r.log))
	}
	r.queue = make(chan pipeline.SessionInfo, r.queueSize)
	return r
}

// SessionOpened implements [pipeline.SessionObserver].
func (r *Recorder) SessionOpened(info pipeline.SessionInfo) {
	r.log.Debug("journal: session opened", "session_id", info.ID, "transport", info.Transport)
}

// SessionClosed implements [pipeline.SessionObserver]. It never blocks.
func (r *Recorder) SessionClosed(info pipeline.SessionInfo) {
	select {
	case r.queue <- info:
	default:
		r.skip(context.Background(), info, errors.New("journal queue full"))
	}
}

// Run writes queued sessions until ctx is cancelled, then flushes what is
// still queued within a short grace period. It always returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case info := <-r.queue:
			if ctx.Err() != nil {
				r.flush(info)
				return nil
			}
			r.write(ctx, info)
		}
	}
}

// flush writes pending and then drains the queue with a fresh deadline so
// sessions closed during shutdown still reach the store.
func (r *Recorder) flush(pending ...pipeline.SessionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, info := range pending {
		r.write(ctx, info)
	}
	for {
		select {
		case info := <-r.queue:
			r.write(ctx, info)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, info pipeline.SessionInfo) {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
		return r.store.Record(ctx, info)
	})
	switch {
	case err == nil:
		r.written.Add(1)
		r.metrics.JournalWrites.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", resultOK)))
	case errors.Is(err, resilience.ErrOpen), ctx.Err() != nil:
		r.skip(ctx, info, err)
	default:
		r.metrics.JournalWrites.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", resultError)))
		r.log.Warn("journal: write failed", "session_id", info.ID, "err", err)
	}
}

func (r *Recorder) skip(ctx context.Context, info pipeline.SessionInfo, reason error) {
	r.skipped.Add(1)
	r.metrics.JournalWrites.Add(ctx, 1, metric.WithAttributes(observe.Attr("result", resultSkipped)))
	r.log.Debug("journal: session skipped", "session_id", info.ID, "reason", reason)
}

// Written reports how many sessions reached the store.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Skipped reports how many sessions were not written because the queue was
// full, the breaker was open, or shutdown cut the flush short.
func (r *Recorder) Skipped() uint64 { return r.skipped.Load() }

// Recent returns up to limit journaled sessions, most recent first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]pipeline.SessionInfo, error) {
	return r.store.Recent(ctx, limit)
}
