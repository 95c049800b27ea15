package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// SourceFactory builds a capture source from its configuration.
type SourceFactory func(CaptureConfig) (audio.Source, error)

// EncoderFactory builds a payload encoder for chunks of samplesPerChannel
// samples in format f.
type EncoderFactory func(enc EncodingConfig, f audio.Format, samplesPerChannel int) (audio.Encoder, error)

// Registry maps capture source and codec names to their constructors. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sources  map[Source]SourceFactory
	encoders map[Codec]EncoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:  make(map[Source]SourceFactory),
		encoders: make(map[Codec]EncoderFactory),
	}
}

// RegisterSource registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name Source, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterEncoder registers an encoder factory under codec.
func (r *Registry) RegisterEncoder(codec Codec, factory EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[codec] = factory
}

// CreateSource instantiates the source registered under cfg.Source.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(cfg CaptureConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreateEncoder instantiates the encoder registered under enc.Codec for the
// capture described by capture.
func (r *Registry) CreateEncoder(enc EncodingConfig, capture CaptureConfig) (audio.Encoder, error) {
	r.mu.RLock()
	factory, ok := r.encoders[enc.Codec]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: encoder/%q", ErrNotRegistered, enc.Codec)
	}
	return factory(enc, capture.Format(), capture.FramesPerBuffer)
}
