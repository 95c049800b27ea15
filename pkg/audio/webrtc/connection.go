package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/audiocast/pkg/audio"
)

var _ audio.RawConn = (*Conn)(nil)

// Conn is one WebRTC peer as seen by the pipeline. Every payload becomes one
// media sample of a fixed duration on the peer's audio track.
//
// Conn is safe for concurrent use.
type Conn struct {
	peer     PeerTransport
	remote   string
	duration time.Duration

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(peer PeerTransport, remote string, duration time.Duration) *Conn {
	c := &Conn{
		peer:     peer,
		remote:   remote,
		duration: duration,
		done:     make(chan struct{}),
	}
	peer.OnStateChange(c.stateChanged)
	return c
}

// stateChanged marks the peer as gone on failed, closed and disconnected.
// Disconnected can recover in theory, but a listener that dropped mid-stream
// reconnects with a fresh offer anyway.
func (c *Conn) stateChanged(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
		webrtc.PeerConnectionStateDisconnected:
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// Send writes payload as one media sample. Writing to a track is a local
// packetisation plus a UDP write, so ctx is only checked before and after.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return audio.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.peer.WriteSample(media.Sample{Data: payload, Duration: c.duration}); err != nil {
		return fmt.Errorf("webrtc: write sample: %w", err)
	}
	return ctx.Err()
}

// Close closes the peer connection. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.peer.Close()
}

// Done is closed when the peer connection failed, closed or disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the address the offer was posted from.
func (c *Conn) RemoteAddr() string { return c.remote }

// Transport returns [TransportName].
func (c *Conn) Transport() string { return TransportName }
