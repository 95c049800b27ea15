// Package webrtc streams the captured audio to browsers over WebRTC via
// pion/webrtc.
//
// Browsers POST an SDP offer as JSON ({"type":"offer","sdp":"..."}) to the
// [Server] handler and receive the answer in the same shape once ICE
// gathering has completed. Each answered peer gets its own Opus track and is
// attached to the pipeline as one [audio.RawConn]; every payload the pipeline
// sends is written to the track as one media sample.
//
// Payloads must already be Opus packets, so the pipeline has to run with the
// Opus encoder.
package webrtc

import (
	"log/slog"
	"time"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// TransportName is reported by [Conn.Transport].
const TransportName = "webrtc"

// Option configures a [Server].
type Option func(*Server)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(s *Server) {
		s.stunServers = servers
	}
}

// WithNegotiationTimeout bounds how long one offer/answer exchange, ICE
// gathering included, may take. Defaults to 10 seconds.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.negotiationTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// withPeerFactory replaces the pion peer constructor in tests.
func withPeerFactory(fn func() (PeerTransport, error)) Option {
	return func(s *Server) { s.newPeer = fn }
}

// Server answers WebRTC offers and attaches each new peer to the pipeline.
//
// Server is safe for concurrent use.
type Server struct {
	attach             audio.AttachFunc
	format             audio.Format
	frameDuration      time.Duration
	stunServers        []string
	negotiationTimeout time.Duration
	log                *slog.Logger

	newPeer func() (PeerTransport, error)
}

// New creates a Server for a stream of Opus packets, each covering
// frameDuration of audio in format f.
func New(attach audio.AttachFunc, f audio.Format, frameDuration time.Duration, opts ...Option) *Server {
	s := &Server{
		attach:             attach,
		format:             f,
		frameDuration:      frameDuration,
		stunServers:        []string{"stun:stun.l.google.com:19302"},
		negotiationTimeout: 10 * time.Second,
		log:                slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("transport", TransportName)
	if s.newPeer == nil {
		s.newPeer = func() (PeerTransport, error) {
			p, err := newPionPeer(s.stunServers, s.format.Channels)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	return s
}
