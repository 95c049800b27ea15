// Package mock provides in-memory implementations of [audio.Source],
// [audio.CaptureHandle], and [audio.RawConn] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and they expose exported fields that the test sets to
// control behaviour.
//
// Typical usage:
//
//	h := mock.NewHandle(16)
//	src := &mock.Source{Handle: h, SourceFormat: f, Size: 960}
//	h.Push(audio.Chunk{Data: make([]byte, 960)})
//
//	conn := mock.NewConn("10.0.0.1:5000")
//	conn.Gate = make(chan struct{}) // every Send waits for a token
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Handle is returned by Open.
	Handle *Handle

	// OpenError is returned by Open instead of Handle when set.
	OpenError error

	// SourceFormat is returned by Format.
	SourceFormat audio.Format

	// Size is returned by ChunkSize.
	Size int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

var _ audio.Source = (*Source)(nil)

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.CaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	return s.Handle, nil
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.SourceFormat }

// ChunkSize implements [audio.Source].
func (s *Source) ChunkSize() int { return s.Size }

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock [audio.CaptureHandle]. Chunks pushed with [Handle.Push]
// are returned by Read in order; when none are queued Read blocks like a
// device waiting for its next buffer.
type Handle struct {
	chunks chan audio.Chunk

	// ReadError, when set, is returned by every Read.
	ReadError error

	// IgnoreContext makes Read ignore ctx cancellation and return only when a
	// chunk arrives or the handle is closed. It simulates a driver call that
	// cannot be interrupted.
	IgnoreContext bool

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	reads     int
}

var _ audio.CaptureHandle = (*Handle)(nil)

// NewHandle returns a Handle able to queue up to capacity chunks.
func NewHandle(capacity int) *Handle {
	return &Handle{
		chunks: make(chan audio.Chunk, capacity),
		closed: make(chan struct{}),
	}
}

// Push queues c for a later Read. It blocks when the queue is full.
func (h *Handle) Push(c audio.Chunk) {
	h.chunks <- c
}

// Read implements [audio.CaptureHandle].
func (h *Handle) Read(ctx context.Context) (audio.Chunk, error) {
	h.mu.Lock()
	h.reads++
	readErr := h.ReadError
	ignore := h.IgnoreContext
	h.mu.Unlock()

	if readErr != nil {
		return audio.Chunk{}, readErr
	}
	done := ctx.Done()
	if ignore {
		done = nil
	}
	select {
	case <-h.closed:
		return audio.Chunk{}, audio.ErrClosed
	default:
	}
	select {
	case c := <-h.chunks:
		return c, nil
	case <-h.closed:
		return audio.Chunk{}, audio.ErrClosed
	case <-done:
		return audio.Chunk{}, ctx.Err()
	}
}

// Close implements [audio.CaptureHandle].
func (h *Handle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Reads returns how many times Read was called.
func (h *Handle) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock [audio.RawConn] that records every payload it accepts.
type Conn struct {
	// Addr is returned by RemoteAddr.
	Addr string

	// Kind is returned by Transport. Defaults to "mock".
	Kind string

	// SendError, when set, is returned by every Send.
	SendError error

	// SendDelay is slept (bounded by ctx) before each Send completes.
	SendDelay time.Duration

	// Gate, when non-nil, makes every Send wait for a value from Gate (or for
	// Gate to be closed) before it completes. A nil receive blocks until ctx
	// is done, which models a socket with zero send capacity.
	Gate chan struct{}

	// CloseError is returned by Close.
	CloseError error

	mu        sync.Mutex
	sent      [][]byte
	sends     int
	closes    int
	sendAfter bool
	notify    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

var _ audio.RawConn = (*Conn)(nil)

// NewConn returns a Conn reporting addr as its remote address.
func NewConn(addr string) *Conn {
	return &Conn{
		Addr:   addr,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Send implements [audio.RawConn].
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.sends++
	if c.closed {
		c.sendAfter = true
	}
	c.mu.Unlock()

	if c.SendError != nil {
		return c.SendError
	}
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.SendDelay > 0 {
		t := time.NewTimer(c.SendDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.sent = append(c.sent, slices.Clone(payload))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements [audio.RawConn].
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return c.CloseError
}

// Done implements [audio.RawConn].
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr implements [audio.RawConn].
func (c *Conn) RemoteAddr() string { return c.Addr }

// Transport implements [audio.RawConn].
func (c *Conn) Transport() string {
	if c.Kind == "" {
		return "mock"
	}
	return c.Kind
}

// Disconnect simulates the remote peer going away.
func (c *Conn) Disconnect() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Sent returns a copy of every payload accepted so far, in order.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// SendCalls returns how many times Send was called, successful or not.
func (c *Conn) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// SentAfterClose reports whether Send was entered after Close.
func (c *Conn) SentAfterClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendAfter
}

// WaitSent blocks until at least n payloads have been accepted or timeout
// elapses, and reports whether the count was reached.
func (c *Conn) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		got := len(c.sent)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return false
		}
	}
}

// ErrBroken is a ready-made SendError for failing connections.
var ErrBroken = errors.New("mock: connection reset by peer")
