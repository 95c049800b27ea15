// Package pipeline is the audiocast core: it bridges a capture device running
// on its own cadence to a changing set of network clients.
//
// Data flows Source → [Producer] → hand-off queue → [Broadcaster] →
// [Session]s. The hand-off queue and every session outbox are bounded and
// drop their oldest frame when full, so neither the broadcaster nor a slow
// client can stall capture. The [Registry] holds the Active sessions, and the
// [ShutdownCoordinator] tears everything down in order on a single idempotent
// trigger.
//
// Transports create an [audio.RawConn] per accepted client and hand it to
// [Pipeline.Attach]; from then on the pipeline owns the connection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/pkg/audio"
)

// Config holds the pipeline tuning knobs.
type Config struct {
	// HandoffCapacity bounds the queue between producer and broadcaster.
	HandoffCapacity int

	// SessionBuffer bounds each session's outbox.
	SessionBuffer int

	// SendTimeout is the per-send deadline for one client write.
	SendTimeout time.Duration

	// ShutdownGrace bounds each shutdown step.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		HandoffCapacity: 64,
		SessionBuffer:   16,
		SendTimeout:     250 * time.Millisecond,
		ShutdownGrace:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandoffCapacity <= 0 {
		c.HandoffCapacity = d.HandoffCapacity
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = d.SessionBuffer
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// SessionObserver is notified about session lifecycles. Implementations must
// return quickly; they are called from session goroutines.
type SessionObserver interface {
	SessionOpened(info SessionInfo)
	SessionClosed(info SessionInfo)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithEncoder sets the payload encoder. Defaults to [audio.PCMEncoder].
func WithEncoder(enc audio.Encoder) Option {
	return func(p *Pipeline) { p.encoder = enc }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithObserver registers a session lifecycle observer.
func WithObserver(o SessionObserver) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// Pipeline wires producer, broadcaster, registry, and shutdown coordinator
// around one capture source.
type Pipeline struct {
	cfg       Config
	source    audio.Source
	encoder   audio.Encoder
	metrics   *observe.Metrics
	log       *slog.Logger
	observers []SessionObserver

	sendTimeout atomic.Int64

	stats       Stats
	registry    *Registry
	handoff     *dropQueue[audio.AudioFrame]
	producer    *Producer
	broadcaster *Broadcaster
	coordinator *ShutdownCoordinator

	// mu guards live, draining and idle.
	mu       sync.Mutex
	live     map[string]*Session
	draining bool
	idle     chan struct{}

	started     atomic.Bool
	captureLost atomic.Bool
}

// New creates a pipeline for src. Nothing runs until [Pipeline.Start].
func New(src audio.Source, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		source:  src,
		encoder: audio.PCMEncoder{},
		log:     slog.Default(),
		live:    make(map[string]*Session),
		idle:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.sendTimeout.Store(int64(p.cfg.SendTimeout))
	p.registry = NewRegistry(p.metrics)
	p.coordinator = newShutdownCoordinator(p.cfg.ShutdownGrace, p.log)
	// Until Start installs the full set, shutdown only has sessions to stop.
	p.coordinator.setTargets(shutdownTargets{
		registry:     p.registry,
		sessionsIdle: p.sessionsIdle,
	})
	return p
}

// Start opens the capture source and launches the producer and broadcaster.
// A source that cannot be opened is fatal: the error wraps
// [audio.ErrSourceUnavailable] and nothing is started.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: already started")
	}
	if p.coordinator.State() != NotRequested {
		return ErrRegistryClosed
	}

	handle, err := p.source.Open(ctx)
	if err != nil {
		if !errors.Is(err, audio.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrSourceUnavailable, err)
		}
		return fmt.Errorf("pipeline: open capture: %w", err)
	}

	p.handoff = newDropQueue[audio.AudioFrame](p.cfg.HandoffCapacity)
	p.producer = newProducer(handle, p.source.Format(), p.encoder, p.handoff, &p.stats, p.metrics, p.log)
	p.broadcaster = newBroadcaster(p.handoff.ch, p.registry, p.log)

	captureCtx, stopCapture := context.WithCancel(context.Background())
	broadcastCtx, abandonBroadcast := context.WithCancel(context.Background())
	ok := p.coordinator.setTargets(shutdownTargets{
		stopCapture:      stopCapture,
		captureDone:      p.producer.Done(),
		forceCapture:     p.producer.ForceClose,
		broadcastDone:    p.broadcaster.Done(),
		abandonBroadcast: abandonBroadcast,
		registry:         p.registry,
		sessionsIdle:     p.sessionsIdle,
	})
	if !ok {
		stopCapture()
		abandonBroadcast()
		_ = handle.Close()
		return ErrRegistryClosed
	}

	go p.producer.Run(captureCtx)
	go p.broadcaster.Run(broadcastCtx)
	go p.watchCapture()

	p.log.Info("pipeline started",
		"format", p.source.Format().String(),
		"chunk_bytes", p.source.ChunkSize(),
		"encoding", p.encoder.Encoding(),
		"handoff_capacity", p.cfg.HandoffCapacity,
		"session_buffer", p.cfg.SessionBuffer,
		"send_timeout", p.cfg.SendTimeout,
	)
	return nil
}

// watchCapture starts the shutdown sequence when the capture loop ends
// without one being requested, for example when the device disappears.
func (p *Pipeline) watchCapture() {
	<-p.producer.Done()
	if p.coordinator.State() != NotRequested {
		return
	}
	p.captureLost.Store(true)
	p.log.Error("capture stopped unexpectedly, shutting down",
		"frames_produced", p.stats.framesProduced.Load(),
		"active_sessions", p.registry.Len(),
	)
	p.coordinator.Trigger()
}

// Err returns [ErrCaptureLost] once the capture loop has ended on its own.
// It is nil while capturing and after a requested shutdown.
func (p *Pipeline) Err() error {
	if p.captureLost.Load() {
		return ErrCaptureLost
	}
	return nil
}

// Attach takes ownership of conn, activates a session for it and registers
// it. On error conn has been closed.
func (p *Pipeline) Attach(conn audio.RawConn) (*Session, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrRegistryClosed
	}
	s := newSession(conn, p.cfg.SessionBuffer, sessionHooks{
		sendTimeout: p.SendTimeout,
		opened:      p.sessionOpened,
		closing:     func(s *Session) { p.registry.Unregister(s.ID()) },
		closed:      p.sessionClosed,
	}, &p.stats, p.metrics, p.log)
	p.live[s.ID()] = s
	p.mu.Unlock()

	if err := s.activate(); err != nil {
		s.beginClose(ReasonDetached, err)
		return nil, err
	}
	if _, err := p.registry.Register(s); err != nil {
		s.beginClose(ReasonDetached, nil)
		return nil, err
	}
	return s, nil
}

func (p *Pipeline) sessionOpened(s *Session) {
	info := s.Info()
	for _, o := range p.observers {
		o.SessionOpened(info)
	}
}

func (p *Pipeline) sessionClosed(s *Session) {
	info := s.Info()
	for _, o := range p.observers {
		o.SessionClosed(info)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, s.ID())
	if p.draining && len(p.live) == 0 {
		p.closeIdle()
	}
}

// sessionsIdle stops new attachments and returns a channel that closes once
// no session is left.
func (p *Pipeline) sessionsIdle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draining = true
	if len(p.live) == 0 {
		p.closeIdle()
	}
	return p.idle
}

// closeIdle must be called with p.mu held.
func (p *Pipeline) closeIdle() {
	select {
	case <-p.idle:
	default:
		close(p.idle)
	}
}

// Shutdown triggers the shutdown sequence and returns immediately. Safe to
// call any number of times from any goroutine.
func (p *Pipeline) Shutdown() { p.coordinator.Trigger() }

// Done is closed when shutdown has completed.
func (p *Pipeline) Done() <-chan struct{} { return p.coordinator.Done() }

// Wait blocks until shutdown has completed or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error { return p.coordinator.Wait(ctx) }

// ShutdownState returns the current shutdown signal state.
func (p *Pipeline) ShutdownState() SignalState { return p.coordinator.State() }

// Capturing reports whether the producer is running.
func (p *Pipeline) Capturing() bool {
	if !p.started.Load() || p.producer == nil {
		return false
	}
	select {
	case <-p.producer.Done():
		return false
	default:
		return true
	}
}

// SendTimeout returns the current per-send deadline.
func (p *Pipeline) SendTimeout() time.Duration {
	return time.Duration(p.sendTimeout.Load())
}

// SetSendTimeout changes the per-send deadline. It applies to the next send
// of every session.
func (p *Pipeline) SetSendTimeout(d time.Duration) {
	if d > 0 {
		p.sendTimeout.Store(int64(d))
	}
}

// Registry exposes the session registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() StatsSnapshot {
	snap := p.stats.Snapshot()
	snap.ActiveSessions = p.registry.Len()
	if p.handoff != nil {
		snap.HandoffDepth = p.handoff.len()
	}
	return snap
}

// Sessions returns a snapshot of every session that has not reached Closed,
// ordered by open time.
func (p *Pipeline) Sessions() []SessionInfo {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.OpenedAt.Compare(b.OpenedAt) })
	return infos
}

// Format returns the capture format.
func (p *Pipeline) Format() audio.Format { return p.source.Format() }

// Encoding returns the payload encoding clients receive.
func (p *Pipeline) Encoding() audio.Encoding { return p.encoder.Encoding() }
