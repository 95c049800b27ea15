package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumByAttr returns the value of the data point carrying key=value.
func sumByAttr(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", met.Name, key, value)
	return 0
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		record func(ctx context.Context, m *Metrics)
		want   int64
	}{
		{
			name:   "frames produced",
			metric: "audiocast.frames.produced",
			record: func(ctx context.Context, m *Metrics) {
				for range 3 {
					m.FramesProduced.Add(ctx, 1)
				}
			},
			want: 3,
		},
		{
			name:   "active sessions go up and down",
			metric: "audiocast.sessions.active",
			record: func(ctx context.Context, m *Metrics) {
				m.ActiveSessions.Add(ctx, 1)
				m.ActiveSessions.Add(ctx, 1)
				m.ActiveSessions.Add(ctx, -1)
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader := newTestMetrics(t)
			tt.record(context.Background(), m)

			met := findMetric(collect(t, reader), tt.metric)
			if met == nil {
				t.Fatalf("metric %q not found", tt.metric)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) != 1 {
				t.Fatalf("metric %q: want one int64 sum data point, got %T", tt.metric, met.Data)
			}
			if got := sum.DataPoints[0].Value; got != tt.want {
				t.Errorf("%s = %d, want %d", tt.metric, got, tt.want)
			}
		})
	}
}

func TestJournalWrites_ByResult(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for _, result := range []string{"ok", "ok", "skipped", "error"} {
		m.JournalWrites.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
	}

	met := findMetric(collect(t, reader), "audiocast.journal.writes")
	if met == nil {
		t.Fatal("metric not found")
	}
	for result, want := range map[string]int64{"ok": 2, "skipped": 1, "error": 1} {
		if got := sumByAttr(t, met, "result", result); got != want {
			t.Errorf("journal writes[%s] = %d, want %d", result, got, want)
		}
	}
}

func TestRecordFrameDropped_ByReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, DropHandoffFull)
	m.RecordFrameDropped(ctx, DropHandoffFull)
	m.RecordFrameDropped(ctx, DropSourceOverflow)
	m.RecordFrameDropped(ctx, DropSessionBacklog)

	met := findMetric(collect(t, reader), "audiocast.frames.dropped")
	if met == nil {
		t.Fatal("metric not found")
	}

	tests := []struct {
		reason string
		want   int64
	}{
		{DropHandoffFull, 2},
		{DropSourceOverflow, 1},
		{DropSessionBacklog, 1},
	}
	for _, tc := range tests {
		t.Run(tc.reason, func(t *testing.T) {
			if got := sumByAttr(t, met, "reason", tc.reason); got != tc.want {
				t.Errorf("dropped[%s] = %d, want %d", tc.reason, got, tc.want)
			}
		})
	}
}

func TestRecordSend(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSend(ctx, "websocket", 2*time.Millisecond, nil)
	m.RecordSend(ctx, "websocket", 300*time.Millisecond, errors.New("deadline exceeded"))
	m.RecordSend(ctx, "webrtc", time.Millisecond, nil)

	rm := collect(t, reader)

	failures := findMetric(rm, "audiocast.session.send_failures")
	if failures == nil {
		t.Fatal("send_failures not found")
	}
	if got := sumByAttr(t, failures, "transport", "websocket"); got != 1 {
		t.Errorf("websocket failures = %d, want 1", got)
	}

	dur := findMetric(rm, "audiocast.session.send.duration")
	if dur == nil {
		t.Fatal("send.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("send samples = %d, want 3", total)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
