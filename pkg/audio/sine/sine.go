// Package sine provides a synthetic [audio.Source] producing a continuous sine
// tone at real-time cadence. It stands in for a capture device on machines
// without one and drives the pipeline in tests.
package sine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// amplitude is 30% of full scale for s16.
const amplitude = 0.3 * 32767.0

// Source generates a sine tone. It is safe for concurrent use; every Open
// returns an independent handle.
type Source struct {
	format            audio.Format
	samplesPerChannel int
	frequency         float64
}

var _ audio.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithFrequency sets the tone frequency in Hz. Defaults to 440.
func WithFrequency(hz float64) Option {
	return func(s *Source) {
		if hz > 0 {
			s.frequency = hz
		}
	}
}

// New returns a sine source producing chunks of samplesPerChannel samples in
// format f.
func New(f audio.Format, samplesPerChannel int, opts ...Option) *Source {
	if f.BitDepth == 0 {
		f.BitDepth = 16
	}
	s := &Source{format: f, samplesPerChannel: samplesPerChannel, frequency: 440}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// ChunkSize implements [audio.Source].
func (s *Source) ChunkSize() int { return s.format.ChunkBytes(s.samplesPerChannel) }

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.CaptureHandle, error) {
	if s.format.SampleRate <= 0 || s.format.Channels <= 0 || s.samplesPerChannel <= 0 {
		return nil, fmt.Errorf("%w: sine: invalid format %s with %d samples per chunk",
			audio.ErrSourceUnavailable, s.format, s.samplesPerChannel)
	}
	period := time.Duration(s.samplesPerChannel) * time.Second / time.Duration(s.format.SampleRate)
	h := &handle{
		src:    s,
		period: period,
		ticker: time.NewTicker(period),
		closed: make(chan struct{}),
		last:   time.Now(),
	}
	return h, nil
}

type handle struct {
	src    *Source
	period time.Duration
	ticker *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}

	// Read is only called from the producer goroutine.
	phase float64
	last  time.Time
}

// Read waits for the next period tick and synthesises one chunk. A gap of more
// than two periods since the previous read is reported as an overflow, which
// is what a hardware ring buffer would do when its reader falls behind.
func (h *handle) Read(ctx context.Context) (audio.Chunk, error) {
	select {
	case <-h.closed:
		return audio.Chunk{}, audio.ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	case <-h.closed:
		return audio.Chunk{}, audio.ErrClosed
	case now := <-h.ticker.C:
		overflowed := now.Sub(h.last) > 2*h.period
		h.last = now
		return audio.Chunk{Data: h.synthesize(), Overflowed: overflowed}, nil
	}
}

func (h *handle) synthesize() []byte {
	f := h.src.format
	n := h.src.samplesPerChannel
	pcm := make([]int16, n*f.Channels)
	step := 2 * math.Pi * h.src.frequency / float64(f.SampleRate)
	for i := range n {
		v := int16(amplitude * math.Sin(h.phase))
		for ch := range f.Channels {
			pcm[i*f.Channels+ch] = v
		}
		h.phase += step
		if h.phase > 2*math.Pi {
			h.phase -= 2 * math.Pi
		}
	}
	return audio.Int16sToBytes(pcm)
}

// Close implements [audio.CaptureHandle].
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.ticker.Stop()
		close(h.closed)
	})
	return nil
}
