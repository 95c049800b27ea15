package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PeerTransport abstracts one pion peer connection carrying one outgoing
// audio track. It decouples the session logic from pion so that it can be
// tested without ICE or DTLS.
type PeerTransport interface {
	// Answer applies the remote offer and returns the local answer once ICE
	// gathering has completed or ctx is done.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// WriteSample writes one encoded packet to the audio track.
	WriteSample(s media.Sample) error

	// OnStateChange registers the connection state callback. Only one
	// callback may be registered.
	OnStateChange(fn func(webrtc.PeerConnectionState))

	// Close tears down the peer connection. Idempotent.
	Close() error
}

// opusCapability is the codec advertised for the outgoing track. RFC 7587
// fixes Opus at 48 kHz with two channels in SDP; the fmtp line tells the
// receiver whether the content actually is stereo.
func opusCapability(channels int) webrtc.RTPCodecCapability {
	fmtp := []string{"minptime=10", "useinbandfec=1"}
	if channels == 2 {
		fmtp = append(fmtp, "stereo=1", "sprop-stereo=1")
	}
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: strings.Join(fmtp, ";"),
	}
}

// pionPeer is the production [PeerTransport].
type pionPeer struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	closeOnce sync.Once
	closeErr  error
}

func newPionPeer(stunServers []string, channels int) (*pionPeer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(channels), "audio-"+uuid.NewString(), "audiocast")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: new audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: add audio track: %w", err)
	}

	// RTCP must be drained for interceptors (NACK, reports) to work. The loop
	// ends when the sender is closed with the peer connection.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionPeer{pc: pc, track: track}, nil
}

func (p *pionPeer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtc: create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("webrtc: no local description after gathering")
	}
	return *local, nil
}

func (p *pionPeer) WriteSample(s media.Sample) error {
	return p.track.WriteSample(s)
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
