package audio

import "fmt"

// Encoder turns a raw PCM chunk into the payload that is sent to clients.
// Encoders are stateful (Opus carries prediction state across packets) and are
// driven from a single goroutine; they are not safe for concurrent use.
type Encoder interface {
	// Encoding reports what Encode produces.
	Encoding() Encoding

	// Encode encodes one chunk. The returned slice is owned by the caller.
	Encode(pcm []byte) ([]byte, error)
}

// PCMEncoder is the identity encoder: payloads are the raw chunks.
type PCMEncoder struct{}

var _ Encoder = PCMEncoder{}

// Encoding implements [Encoder].
func (PCMEncoder) Encoding() Encoding { return EncodingPCM }

// Encode implements [Encoder]. It copies pcm so that the frame payload never
// aliases a capture buffer that the source may reuse.
func (PCMEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm chunk has odd length %d", len(pcm))
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}
