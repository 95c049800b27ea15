package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// ChannelConverter adapts raw PCM chunks captured with a device's native
// channel count to the pipeline's channel count. Sample rate is never changed:
// resampling would break the fixed chunk size every frame must have.
//
// Create one per capture stream; not designed for shared use across goroutines.
type ChannelConverter struct {
	From          int
	To            int
	warnedOnce    sync.Once
	warnedCorrupt sync.Once
}

// NewChannelConverter returns a converter from one channel count to another.
// Only mono↔stereo conversions are supported.
func NewChannelConverter(from, to int) (*ChannelConverter, error) {
	switch {
	case from == to:
	case from == 1 && to == 2:
	case from == 2 && to == 1:
	default:
		return nil, fmt.Errorf("audio: unsupported channel conversion %d -> %d", from, to)
	}
	return &ChannelConverter{From: from, To: to}, nil
}

// Convert converts pcm to the target channel count. If the counts already
// match, pcm is returned unchanged (zero allocation). A chunk with an odd byte
// count cannot be int16 PCM and is returned as nil.
func (c *ChannelConverter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio channel converter: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
			)
		})
		return nil
	}
	if c.From == c.To {
		return pcm
	}

	c.warnedOnce.Do(func() {
		slog.Info("audio channel converter active",
			"from", formatString(0, c.From),
			"to", formatString(0, c.To),
		)
	})

	if c.From == 1 {
		return MonoToStereo(pcm)
	}
	return StereoToMono(pcm)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo". A zero rate is omitted.
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	if rate == 0 {
		return ch
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
