package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/pkg/audio"
)

// Read error backoff bounds. A device that fails instantly must not turn the
// capture loop into a busy spin.
const (
	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = time.Second
)

// Producer owns the capture loop. It reads fixed-size chunks from a
// [audio.CaptureHandle], wraps each one into an immutable [audio.AudioFrame]
// and pushes it onto the hand-off queue, discarding the oldest queued frame
// when the broadcaster falls behind. Capture cadence never waits on delivery.
type Producer struct {
	handle  audio.CaptureHandle
	format  audio.Format
	encoder audio.Encoder
	out     *dropQueue[audio.AudioFrame]
	stats   *Stats
	metrics *observe.Metrics
	log     *slog.Logger

	// seq and pendingOverflow are only touched by the capture goroutine.
	seq uint64
	// pendingOverflow carries an overflow flag past chunks that failed to
	// encode, so the next emitted frame still reports the gap.
	pendingOverflow bool

	done chan struct{}
}

func newProducer(h audio.CaptureHandle, f audio.Format, enc audio.Encoder, out *dropQueue[audio.AudioFrame], stats *Stats, m *observe.Metrics, log *slog.Logger) *Producer {
	return &Producer{
		handle:  h,
		format:  f,
		encoder: enc,
		out:     out,
		stats:   stats,
		metrics: m,
		log:     log.With("component", "producer"),
		done:    make(chan struct{}),
	}
}

// Run executes the capture loop until ctx is cancelled or the handle is
// closed. It must run on its own goroutine; it pins that goroutine to an OS
// thread so device reads are not rescheduled behind network I/O.
//
// On return the capture handle is closed and the hand-off queue is closed,
// which tells the broadcaster to drain and stop.
func (p *Producer) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(p.done)
	defer p.out.close()
	defer func() {
		if err := p.handle.Close(); err != nil {
			p.log.Warn("failed to close capture handle", "err", err)
		}
	}()

	p.log.Debug("capture loop started", "format", p.format.String(), "encoding", p.encoder.Encoding())
	backoff := minReadBackoff
	for {
		if ctx.Err() != nil {
			p.log.Debug("capture loop stopped", "last_seq", p.seq)
			return
		}

		chunk, err := p.handle.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrClosed) {
				p.log.Debug("capture loop stopped", "last_seq", p.seq, "reason", err)
				return
			}
			p.log.Warn("capture read failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff
		p.emit(ctx, chunk)
	}
}

// emit turns one chunk into a frame and hands it off.
func (p *Producer) emit(ctx context.Context, chunk audio.Chunk) {
	capturedAt := time.Now()

	if chunk.Overflowed {
		p.stats.droppedSourceOverflow.Add(1)
		p.metrics.RecordFrameDropped(ctx, observe.DropSourceOverflow)
		p.log.Warn("capture overflow, input lost before frame", "seq", p.seq+1)
		p.pendingOverflow = true
	}

	payload, err := p.encoder.Encode(chunk.Data)
	if err != nil {
		p.log.Error("failed to encode chunk, skipping", "seq", p.seq+1, "bytes", len(chunk.Data), "err", err)
		return
	}

	p.seq++
	frame := audio.AudioFrame{
		Sequence:   p.seq,
		CapturedAt: capturedAt,
		Payload:    payload,
		Overflowed: p.pendingOverflow,
		Format:     p.format,
		Encoding:   p.encoder.Encoding(),
		Duration:   p.format.Duration(len(chunk.Data)),
	}
	p.pendingOverflow = false
	p.stats.framesProduced.Add(1)
	p.metrics.FramesProduced.Add(ctx, 1)

	if dropped := p.out.push(frame); dropped > 0 {
		p.stats.droppedHandoffFull.Add(uint64(dropped))
		for range dropped {
			p.metrics.RecordFrameDropped(ctx, observe.DropHandoffFull)
		}
	}
}

// Done is closed once Run has returned.
func (p *Producer) Done() <-chan struct{} { return p.done }

// ForceClose closes the capture handle from outside the capture goroutine.
// A Read blocked inside the driver returns [audio.ErrClosed].
func (p *Producer) ForceClose() error {
	return p.handle.Close()
}
