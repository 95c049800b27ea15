package audio

import (
	"fmt"
	"time"
)

// Encoding identifies how an [AudioFrame] payload is encoded on the wire.
type Encoding string

const (
	// EncodingPCM is raw little-endian signed 16-bit interleaved PCM.
	EncodingPCM Encoding = "pcm"

	// EncodingOpus is one Opus packet per frame.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM || e == EncodingOpus
}

// Format describes the sample layout of a PCM stream. It is fixed for the
// lifetime of a pipeline.
type Format struct {
	SampleRate int
	Channels   int
	// BitDepth is always 16 for the sources shipped here; it is carried so
	// that clients can be told what they receive.
	BitDepth int
}

// BytesPerFrame returns the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	depth := f.BitDepth
	if depth == 0 {
		depth = 16
	}
	return f.Channels * depth / 8
}

// ChunkBytes returns the byte length of a chunk carrying samplesPerChannel
// samples per channel.
func (f Format) ChunkBytes(samplesPerChannel int) int {
	return samplesPerChannel * f.BytesPerFrame()
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	samples := n / bpf
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "48000Hz stereo s16".
func (f Format) String() string {
	depth := f.BitDepth
	if depth == 0 {
		depth = 16
	}
	return fmt.Sprintf("%s s%d", formatString(f.SampleRate, f.Channels), depth)
}

// AudioFrame is the pipeline's message type: one captured chunk plus metadata.
//
// An AudioFrame is created once per capture tick by the producer and is never
// mutated afterwards. Payload is shared by every session the frame is offered
// to, so consumers must treat it as read-only.
type AudioFrame struct {
	// Sequence is strictly increasing across the lifetime of a pipeline,
	// starting at 1. Gaps mean frames were dropped before delivery.
	Sequence uint64

	// CapturedAt is the wall-clock time the chunk was read from the device.
	CapturedAt time.Time

	// Payload is the encoded chunk, sent as exactly one message per client.
	Payload []byte

	// Overflowed is true when the device reported data loss before this frame.
	// The frame is still delivered.
	Overflowed bool

	// Format is the PCM format the payload was captured in.
	Format Format

	// Encoding is how Payload is encoded.
	Encoding Encoding

	// Duration is the playback length of the frame.
	Duration time.Duration
}
