// Package opus provides an [audio.Encoder] that compresses PCM chunks into
// Opus packets via layeh.com/gopus. One packet is produced per chunk, so the
// chunk duration must be one of the frame durations Opus supports.
package opus

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// maxPacketBytes is the recommended upper bound for a single Opus packet.
const maxPacketBytes = 4000

// validRates lists the sample rates libopus accepts.
var validRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// validDurations lists the frame durations libopus accepts.
var validDurations = []time.Duration{
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	60 * time.Millisecond,
}

// Validate reports whether chunks of samplesPerChannel samples in format f can
// be encoded one-to-one into Opus packets.
func Validate(f audio.Format, samplesPerChannel int) error {
	if !validRates[f.SampleRate] {
		return fmt.Errorf("opus: sample rate %d not supported; valid: 8000, 12000, 16000, 24000, 48000", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("opus: %d channels not supported; valid: 1, 2", f.Channels)
	}
	d := time.Duration(samplesPerChannel) * time.Second / time.Duration(f.SampleRate)
	for _, v := range validDurations {
		if d == v && time.Duration(samplesPerChannel)*time.Second%time.Duration(f.SampleRate) == 0 {
			return nil
		}
	}
	return fmt.Errorf("opus: chunk of %d samples at %d Hz (%v) is not a valid Opus frame duration (2.5, 5, 10, 20, 40 or 60 ms)",
		samplesPerChannel, f.SampleRate, d)
}

// Encoder wraps a gopus encoder for a single stream. Encoder state carries
// across packets, so one Encoder must see the chunks of one stream in order.
type Encoder struct {
	enc       *gopus.Encoder
	format    audio.Format
	frameSize int
}

var _ audio.Encoder = (*Encoder)(nil)

// Option configures an [Encoder].
type Option func(*gopus.Encoder)

// WithBitrate sets the target bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(e *gopus.Encoder) {
		if bps > 0 {
			e.SetBitrate(bps)
		}
	}
}

// New creates an Opus encoder for chunks of samplesPerChannel samples in
// format f, tuned for general audio rather than voice.
func New(f audio.Format, samplesPerChannel int, opts ...Option) (*Encoder, error) {
	if err := Validate(f, samplesPerChannel); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	for _, o := range opts {
		o(enc)
	}
	return &Encoder{enc: enc, format: f, frameSize: samplesPerChannel}, nil
}

// Encoding implements [audio.Encoder].
func (e *Encoder) Encoding() audio.Encoding { return audio.EncodingOpus }

// Encode implements [audio.Encoder]. pcm must hold exactly one chunk.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	want := e.format.ChunkBytes(e.frameSize)
	if len(pcm) != want {
		return nil, fmt.Errorf("opus: chunk is %d bytes, want %d", len(pcm), want)
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
