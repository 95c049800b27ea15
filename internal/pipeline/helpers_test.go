package pipeline

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/pkg/audio"
	"github.com/MrWong99/audiocast/pkg/audio/mock"
)

var stereo48 = audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}

// chunkBytes is 240 stereo samples: 5 ms at 48 kHz.
const chunkBytes = 960

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums every data point of the named Int64 sum whose attribute
// key equals value (or all points when key is empty).
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// seqChunk returns a chunk whose first eight bytes carry n, so that tests can
// read the frame order back out of delivered payloads.
func seqChunk(n uint64) audio.Chunk {
	data := make([]byte, chunkBytes)
	binary.BigEndian.PutUint64(data, n)
	return audio.Chunk{Data: data}
}

func payloadSeq(p []byte) uint64 {
	return binary.BigEndian.Uint64(p)
}

func sentSeqs(c *mock.Conn) []uint64 {
	var seqs []uint64
	for _, p := range c.Sent() {
		seqs = append(seqs, payloadSeq(p))
	}
	return seqs
}

func assertStrictlyIncreasing(t *testing.T, name string, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("%s: sequence %d delivered after %d (all: %v)", name, seqs[i], seqs[i-1], seqs)
		}
	}
}

// eventually polls cond until it holds or timeout elapses.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// startPipeline builds and starts a pipeline over a mock handle and registers
// a cleanup that shuts it down.
func startPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *mock.Handle) {
	t.Helper()
	h := mock.NewHandle(64)
	src := &mock.Source{Handle: h, SourceFormat: stereo48, Size: chunkBytes}
	m, _ := newTestMetrics(t)
	opts = append([]Option{WithMetrics(m), WithLogger(discardLogger())}, opts...)
	p := New(src, cfg, opts...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		p.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.Wait(ctx)
	})
	return p, h
}

func attach(t *testing.T, p *Pipeline, c *mock.Conn) *Session {
	t.Helper()
	s, err := p.Attach(c)
	if err != nil {
		t.Fatalf("Attach(%s): %v", c.RemoteAddr(), err)
	}
	return s
}
