package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/pkg/audio"
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateConnecting: accepted by a transport, not yet receiving audio.
	StateConnecting State = iota
	// StateActive: registered and receiving frames.
	StateActive
	// StateClosing: no longer receiving frames, connection being released.
	StateClosing
	// StateClosed: connection released. Terminal.
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Close reasons recorded on a session.
const (
	ReasonRemote     = "remote_closed"
	ReasonSendFailed = "send_failed"
	ReasonShutdown   = "shutdown"
	ReasonDetached   = "detached"
)

// errSendTimeout wraps deadline expiry of a single send.
var errSendTimeout = errors.New("pipeline: send deadline exceeded")

// SessionInfo is a read-only snapshot of a session for status pages and the
// session journal.
type SessionInfo struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remote_addr"`
	State         string    `json:"state"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at,omitzero"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	LastSequence  uint64    `json:"last_sequence"`
	CloseReason   string    `json:"close_reason,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// sessionHooks connects a session to the pipeline that owns it.
type sessionHooks struct {
	// sendTimeout returns the current per-send deadline.
	sendTimeout func() time.Duration
	// opened is called once on the Connecting→Active edge, before any frame
	// can be sent or the session can close.
	opened func(*Session)
	// closing is called once, synchronously, on the Active→Closing edge.
	closing func(*Session)
	// closed is called once when the session reaches Closed.
	closed func(*Session)
}

// Session is one connected client. It moves through
// Connecting → Active → Closing → Closed exactly once.
//
// Frames offered with [Session.Deliver] go into a bounded outbox that drops
// its oldest frame when full; a dedicated writer goroutine drains it in order
// and sends each payload with a per-send deadline. The outbox decouples the
// broadcaster from the client's network speed, and the single writer keeps
// per-client order.
type Session struct {
	id   string
	conn audio.RawConn

	state  atomic.Int32
	outbox *dropQueue[audio.AudioFrame]

	// mu makes state transitions atomic with respect to Deliver.
	mu          sync.RWMutex
	lastErr     error
	closeReason string
	openedAt    time.Time
	closedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	closing chan struct{}
	closed  chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
	lastSeq atomic.Uint64

	hooks   sessionHooks
	stats   *Stats
	metrics *observe.Metrics
	log     *slog.Logger
}

func newSession(conn audio.RawConn, outboxSize int, hooks sessionHooks, stats *Stats, m *observe.Metrics, log *slog.Logger) *Session {
	id := uuid.NewString()
	ctx, span := observe.StartSessionSpan(context.Background(), id, conn.Transport(), conn.RemoteAddr())
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:      id,
		conn:    conn,
		outbox:  newDropQueue[audio.AudioFrame](outboxSize),
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
		hooks:   hooks,
		stats:   stats,
		metrics: m,
	}
	s.log = observe.SessionLogger(ctx, log, id, conn.Transport(), conn.RemoteAddr())
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// activate moves Connecting → Active and starts the writer and the remote
// disconnect watcher.
func (s *Session) activate() error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		st := s.State()
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot activate session in state %s", ErrSessionNotActive, st)
	}
	s.openedAt = time.Now()
	s.mu.Unlock()

	s.stats.sessionsOpened.Add(1)
	s.log.Info("session active")
	if s.hooks.opened != nil {
		s.hooks.opened(s)
	}
	go s.writeLoop()
	go s.watchRemote()
	return nil
}

// Deliver offers f to the session without blocking. It fails with
// [ErrSessionNotActive] once the session has left Active.
func (s *Session) Deliver(f audio.AudioFrame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.State() != StateActive {
		return ErrSessionNotActive
	}
	if n := s.outbox.push(f); n > 0 {
		s.dropped.Add(uint64(n))
		s.stats.droppedSessionBacklog.Add(uint64(n))
		for range n {
			s.metrics.RecordFrameDropped(s.ctx, observe.DropSessionBacklog)
		}
	}
	return nil
}

// Close starts closing the session on behalf of the server. It does not wait;
// use [Session.Done].
func (s *Session) Close() {
	s.beginClose(ReasonShutdown, nil)
}

// beginClose performs the transition into Closing. Only the first call has an
// effect. A session that never became Active is finished immediately since
// it has no writer.
func (s *Session) beginClose(reason string, err error) {
	s.mu.Lock()
	prev := s.State()
	if prev != StateConnecting && prev != StateActive {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateClosing))
	s.closeReason = reason
	s.lastErr = err
	s.mu.Unlock()

	s.cancel()
	close(s.closing)
	if s.hooks.closing != nil {
		s.hooks.closing(s)
	}

	if err != nil {
		s.log.Warn("session closing", "reason", reason, "err", err)
	} else {
		s.log.Info("session closing", "reason", reason)
	}
	if prev == StateConnecting {
		s.finish()
	}
}

// writeLoop is the session's single writer. It exits when the session starts
// closing or a send fails, and then releases the connection.
func (s *Session) writeLoop() {
	defer s.finish()
	for {
		select {
		case <-s.closing:
			return
		case f := <-s.outbox.ch:
			// Closing wins over a frame that became ready at the same time.
			select {
			case <-s.closing:
				return
			default:
			}
			if err := s.send(f); err != nil {
				s.beginClose(ReasonSendFailed, err)
				return
			}
		}
	}
}

func (s *Session) send(f audio.AudioFrame) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.hooks.sendTimeout())
	defer cancel()

	start := time.Now()
	err := s.conn.Send(ctx, f.Payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %v: %w", errSendTimeout, time.Since(start).Round(time.Millisecond), err)
	}
	if err != nil && s.ctx.Err() != nil {
		// Aborted by our own close, not a client failure.
		return nil
	}
	s.metrics.RecordSend(s.ctx, s.conn.Transport(), time.Since(start), err)
	if err != nil {
		s.stats.sendFailures.Add(1)
		return err
	}
	s.sent.Add(1)
	s.lastSeq.Store(f.Sequence)
	return nil
}

// watchRemote closes the session when the transport reports that the peer
// went away.
func (s *Session) watchRemote() {
	select {
	case <-s.conn.Done():
		s.beginClose(ReasonRemote, nil)
	case <-s.closing:
	}
}

// finish releases the connection and enters Closed.
func (s *Session) finish() {
	if err := s.conn.Close(); err != nil {
		s.log.Debug("connection close returned error", "err", err)
	}

	s.mu.Lock()
	s.state.Store(int32(StateClosed))
	s.closedAt = time.Now()
	lastErr, reason := s.lastErr, s.closeReason
	s.mu.Unlock()

	observe.EndSessionSpan(s.span, reason, s.sent.Load(), s.dropped.Load(), lastErr)

	s.stats.sessionsClosed.Add(1)
	s.log.Info("session closed", "frames_sent", s.sent.Load(), "frames_dropped", s.dropped.Load())
	close(s.closed)
	if s.hooks.closed != nil {
		s.hooks.closed(s)
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		ID:            s.id,
		Transport:     s.conn.Transport(),
		RemoteAddr:    s.conn.RemoteAddr(),
		State:         s.State().String(),
		OpenedAt:      s.openedAt,
		ClosedAt:      s.closedAt,
		FramesSent:    s.sent.Load(),
		FramesDropped: s.dropped.Load(),
		LastSequence:  s.lastSeq.Load(),
		CloseReason:   s.closeReason,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
