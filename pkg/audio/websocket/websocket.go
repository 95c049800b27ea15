// Package websocket streams the captured audio to clients over WebSocket
// using github.com/coder/websocket.
//
// On accept the server sends one text message describing the stream:
//
//	{"encoding":"pcm","sample_rate":48000,"channels":2,"bit_depth":16}
//
// Every following message is binary and carries exactly one payload as the
// pipeline produced it: raw little-endian s16 PCM or one Opus packet. Clients
// are not expected to send anything; data messages from them close the
// connection.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// TransportName is reported by [Conn.Transport].
const TransportName = "websocket"

// helloTimeout bounds the write of the stream description.
const helloTimeout = 5 * time.Second

// defaultCloseTimeout bounds how long [Conn.Close] waits for the client to
// answer the going-away frame.
const defaultCloseTimeout = time.Second

// Hello is the first (text) message on every connection.
type Hello struct {
	Encoding   audio.Encoding `json:"encoding"`
	SampleRate int            `json:"sample_rate"`
	Channels   int            `json:"channels"`
	BitDepth   int            `json:"bit_depth"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOrigins sets the accepted Origin host patterns (see
// [websocket.AcceptOptions.OriginPatterns]). A single "*" disables the origin
// check altogether. Without this option only same-origin requests pass.
func WithOrigins(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithCloseTimeout sets how long closing a connection waits for the client's
// half of the close handshake. Keep it well below the shutdown grace period.
// Default: 1s.
func WithCloseTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.closeTimeout = d
		}
	}
}

// Handler upgrades HTTP requests and attaches each connection to the
// pipeline.
//
// Handler is safe for concurrent use.
type Handler struct {
	attach  audio.AttachFunc
	hello   Hello
	origins []string
	log     *slog.Logger

	closeTimeout time.Duration
}

// NewHandler creates a Handler for a stream of enc payloads in format f.
func NewHandler(attach audio.AttachFunc, f audio.Format, enc audio.Encoding, opts ...Option) *Handler {
	depth := f.BitDepth
	if depth == 0 {
		depth = 16
	}
	h := &Handler{
		attach: attach,
		hello: Hello{
			Encoding:   enc,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			BitDepth:   depth,
		},
		log:          slog.Default(),
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("transport", TransportName)
	return h
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if slices.Contains(h.origins, "*") {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.origins
	}
	return opts
}

// ServeHTTP upgrades the request, announces the stream and attaches the
// connection. It returns as soon as the connection is attached; frames are
// written by the pipeline afterwards.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		// Accept has already written the HTTP error response.
		h.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	hello, err := json.Marshal(h.hello)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "encode stream description")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), helloTimeout)
	err = ws.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		h.log.Debug("websocket hello failed", "remote", r.RemoteAddr, "err", err)
		_ = ws.CloseNow()
		return
	}

	conn := newConn(ws, r.RemoteAddr, h.closeTimeout)
	if err := h.attach(conn); err != nil {
		h.log.Info("websocket client rejected", "remote", r.RemoteAddr, "err", err)
		return
	}
}

// Conn is one accepted WebSocket client.
//
// Conn is safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	remote       string
	closeTimeout time.Duration

	// readCtx is cancelled once the read side sees a close frame or error.
	readCtx context.Context

	closeOnce sync.Once
	closeErr  error
}

var _ audio.RawConn = (*Conn)(nil)

func newConn(ws *websocket.Conn, remote string, closeTimeout time.Duration) *Conn {
	// Audio frames can be large for uncompressed stereo; the read limit only
	// affects control frames and stray client messages.
	ws.SetReadLimit(4096)
	return &Conn{
		ws:           ws,
		remote:       remote,
		closeTimeout: closeTimeout,
		readCtx:      ws.CloseRead(context.Background()),
	}
}

// Send writes payload as one binary message. If ctx expires mid-write the
// library closes the connection.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	err := c.ws.Write(ctx, websocket.MessageBinary, payload)
	if errors.Is(err, net.ErrClosed) {
		return audio.ErrClosed
	}
	return err
}

// Close sends a going-away close frame, or drops the TCP connection right
// away when the remote is already gone. It waits at most the close timeout
// for the client to answer. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.readCtx.Done():
			c.closeErr = c.ws.CloseNow()
		default:
			c.closeErr = c.closeGoingAway()
		}
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// closeGoingAway runs the close handshake. A client that stops reading never
// answers, in which case the library finishes the handshake on its own
// deadline in the background and Close returns once closeTimeout elapses.
func (c *Conn) closeGoingAway() error {
	done := make(chan error, 1)
	go func() { done <- c.ws.Close(websocket.StatusGoingAway, "stream ended") }()

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return nil
	}
}

// Done is closed when the client closed the connection or it broke.
func (c *Conn) Done() <-chan struct{} { return c.readCtx.Done() }

// RemoteAddr returns the client address as seen by the HTTP server.
func (c *Conn) RemoteAddr() string { return c.remote }

// Transport returns [TransportName].
func (c *Conn) Transport() string { return TransportName }
