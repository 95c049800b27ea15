package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithThreshold(3), WithCooldown(time.Minute), withClock(clk.Now)}, opts...)
	return NewBreaker("test", opts...), clk
}

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test")
	if b.threshold != 5 {
		t.Errorf("threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t)
	for i := range 3 {
		if err := b.Do(context.Background(), fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v, want errTest", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), succeed)
	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		probe     func(context.Context) error
		wantState State
	}{
		{name: "probe succeeds", probe: succeed, wantState: StateClosed},
		{name: "probe fails", probe: fail, wantState: StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, clk := newTestBreaker(t)
			for range 3 {
				_ = b.Do(context.Background(), fail)
			}
			clk.Advance(time.Minute)
			if b.State() != StateHalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", b.State())
			}

			_ = b.Do(context.Background(), tc.probe)
			if b.State() != tc.wantState {
				t.Errorf("state = %v, want %v", b.State(), tc.wantState)
			}
		})
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	t.Parallel()

	b, clk := newTestBreaker(t)
	for range 3 {
		_ = b.Do(context.Background(), fail)
	}
	clk.Advance(time.Minute)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Do(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent call err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t)
	for range 5 {
		ctx, cancel := context.WithCancel(context.Background())
		_ = b.Do(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Do(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Errorf("Do with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		transitions []string
	)
	b, clk := newTestBreaker(t, WithStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	for range 3 {
		_ = b.Do(context.Background(), fail)
	}
	clk.Advance(time.Minute)
	_ = b.Do(context.Background(), succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
