// Package audio defines the interfaces and types shared between the capture
// side and the delivery side of the audiocast pipeline.
//
// The primary abstractions are:
//
//   - [Source]: opens a capture device and returns a [CaptureHandle].
//   - [CaptureHandle]: yields fixed-size raw PCM chunks at the device cadence.
//   - [Encoder]: optionally turns a raw chunk into a wire payload (PCM, Opus).
//   - [RawConn]: one connected client as seen by the pipeline: a sink for
//     opaque binary messages with a per-send deadline.
//
// Implementations live in adapter packages (audio/portaudio, audio/sine,
// audio/opus) and in the transport packages (audio/websocket, audio/webrtc,
// audio/discord).
//
// This package lives under pkg/ because external code (third-party capture
// bindings and transports) is expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
)

// ErrClosed is returned by [CaptureHandle.Read] once the handle has been
// closed, and by [RawConn.Send] after the connection has been released.
var ErrClosed = errors.New("audio: closed")

// ErrSourceUnavailable wraps every failure to open a capture device. It is a
// fatal startup condition: nothing should be served without a source.
var ErrSourceUnavailable = errors.New("audio: capture source unavailable")

// Chunk is one fixed-size block of raw interleaved PCM as read from a device.
type Chunk struct {
	// Data holds little-endian signed 16-bit interleaved samples. The slice is
	// owned by the caller after Read returns.
	Data []byte

	// Overflowed reports that the device dropped input before this chunk.
	Overflowed bool
}

// CaptureHandle is an open capture stream.
//
// Read and Close may be called from different goroutines; Close must unblock a
// pending Read, which then returns [ErrClosed].
type CaptureHandle interface {
	// Read blocks until the next chunk is available, ctx is done, or the
	// handle is closed. Implementations bound the wait themselves (typically
	// one buffer period plus a read timeout) so a stalled device cannot hang
	// the producer indefinitely.
	Read(ctx context.Context) (Chunk, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Source is the entry point for a capture backend.
type Source interface {
	// Open acquires the device and starts capturing. Failures wrap
	// [ErrSourceUnavailable].
	Open(ctx context.Context) (CaptureHandle, error)

	// Format reports the PCM format of every chunk the opened handle yields.
	Format() Format

	// ChunkSize reports the byte length of every chunk.
	ChunkSize() int
}

// RawConn is the pipeline's view of one connected client. A transport
// (WebSocket, WebRTC, Discord) creates one per accepted connection.
//
// Implementations must be safe for concurrent use: Send is only ever called
// from one goroutine at a time, but Close and Done may be called concurrently
// with Send.
type RawConn interface {
	// Send writes payload as exactly one message. The deadline of ctx is the
	// per-send deadline; exceeding it must abort the write and return an error.
	Send(ctx context.Context, payload []byte) error

	// Close releases the underlying connection. Idempotent.
	Close() error

	// Done is closed when the remote side goes away on its own.
	Done() <-chan struct{}

	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string

	// Transport names the transport kind ("websocket", "webrtc", ...).
	Transport() string
}

// AttachFunc hands a newly accepted client to the delivery pipeline, which
// takes ownership of conn. On error conn has already been closed.
type AttachFunc func(conn RawConn) error
