package observe

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion:    "test",
		InstanceID:        "host-a",
		RuntimeCollectors: true,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	if tel.InstanceID != "host-a" {
		t.Errorf("InstanceID = %q, want %q", tel.InstanceID, "host-a")
	}

	ctx := context.Background()
	tel.Metrics.ActiveSessions.Add(ctx, 1)

	families, err := tel.Gatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sawSessions, sawRuntime bool
	for _, mf := range families {
		name := mf.GetName()
		if strings.HasPrefix(name, "audiocast_sessions") {
			sawSessions = true
		}
		if strings.HasPrefix(name, "go_goroutines") {
			sawRuntime = true
		}
	}
	if !sawSessions {
		t.Error("gatherer has no audiocast_sessions metric")
	}
	if !sawRuntime {
		t.Error("gatherer has no Go runtime metrics")
	}
}

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	t.Parallel()
	for _, ratio := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{TraceSampleRatio: ratio}); err == nil {
			t.Errorf("ratio %v: expected error", ratio)
		}
	}
}
