// Package portaudio implements [audio.Source] on top of PortAudio input
// streams via github.com/gordonklaus/portaudio.
//
// Devices are looked up by case-insensitive substring of their name, so a
// loopback device such as "BlackHole 2ch" matches the configured name
// "blackhole". When the device offers fewer input channels than requested,
// the stream is opened with what the device has and chunks are converted to
// the requested layout before they leave the handle.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// pollInterval bounds how long Read sleeps between availability checks.
const pollInterval = time.Millisecond

// Config describes the capture stream to open.
type Config struct {
	// Device is a case-insensitive substring of the input device name. Empty
	// selects the host's default input device.
	Device string

	SampleRate      int
	Channels        int
	FramesPerBuffer int

	// ReadTimeout is the extra time Read waits beyond one buffer period
	// before it reports the device as stalled.
	ReadTimeout time.Duration
}

// Source opens PortAudio input streams.
type Source struct {
	cfg Config
}

var _ audio.Source = (*Source)(nil)

// New returns a PortAudio source. The device is not touched until Open.
func New(cfg Config) *Source {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	return &Source{cfg: cfg}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels, BitDepth: 16}
}

// ChunkSize implements [audio.Source].
func (s *Source) ChunkSize() int {
	return s.Format().ChunkBytes(s.cfg.FramesPerBuffer)
}

// Open initialises PortAudio, resolves the device and starts the stream.
// Every failure wraps [audio.ErrSourceUnavailable].
func (s *Source) Open(_ context.Context) (audio.CaptureHandle, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: initialize: %w", audio.ErrSourceUnavailable, err)
	}
	h, err := s.open()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: portaudio: %w", audio.ErrSourceUnavailable, err)
	}
	return h, nil
}

func (s *Source) open() (*handle, error) {
	device, err := lookupDevice(s.cfg.Device)
	if err != nil {
		return nil, err
	}

	channels := s.cfg.Channels
	if device.MaxInputChannels < channels {
		channels = device.MaxInputChannels
	}
	conv, err := audio.NewChannelConverter(channels, s.cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", device.Name, err)
	}

	buf := make([]int16, s.cfg.FramesPerBuffer*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.cfg.SampleRate),
		FramesPerBuffer: s.cfg.FramesPerBuffer,
	}, buf)
	if err != nil {
		return nil, fmt.Errorf("open stream on %q: %w", device.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start stream on %q: %w", device.Name, err)
	}

	period := time.Duration(s.cfg.FramesPerBuffer) * time.Second / time.Duration(s.cfg.SampleRate)
	return &handle{
		stream:  stream,
		buf:     buf,
		conv:    conv,
		frames:  s.cfg.FramesPerBuffer,
		timeout: period + s.cfg.ReadTimeout,
		device:  device.Name,
		closed:  make(chan struct{}),
	}, nil
}

// lookupDevice resolves name against the host's input devices.
func lookupDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return d, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	d := matchDevice(devices, name)
	if d == nil {
		return nil, fmt.Errorf("no input device matching %q (available: %s)", name, strings.Join(inputNames(devices), ", "))
	}
	return d, nil
}

// matchDevice returns the first input-capable device whose name contains
// name, ignoring case.
func matchDevice(devices []*portaudio.DeviceInfo, name string) *portaudio.DeviceInfo {
	needle := strings.ToLower(name)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), needle) {
			return d
		}
	}
	return nil
}

func inputNames(devices []*portaudio.DeviceInfo) []string {
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names
}

type handle struct {
	// mu serialises stream access between Read and Close.
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	conv   *audio.ChannelConverter
	frames int

	timeout time.Duration
	device  string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Read waits until a full buffer is available, then reads it without
// blocking inside PortAudio. Waiting in Go keeps Read responsive to ctx and
// Close while the device is silent or stalled.
func (h *handle) Read(ctx context.Context) (audio.Chunk, error) {
	deadline := time.Now().Add(h.timeout)
	for {
		select {
		case <-h.closed:
			return audio.Chunk{}, audio.ErrClosed
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		default:
		}

		ready, err := h.available()
		if err != nil {
			return audio.Chunk{}, err
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			return audio.Chunk{}, fmt.Errorf("portaudio: %q: no data within %v", h.device, h.timeout)
		}
		time.Sleep(pollInterval)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return audio.Chunk{}, audio.ErrClosed
	default:
	}

	var overflowed bool
	if err := h.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return audio.Chunk{}, fmt.Errorf("portaudio: %q: read: %w", h.device, err)
		}
		overflowed = true
	}
	data := h.conv.Convert(audio.Int16sToBytes(h.buf))
	return audio.Chunk{Data: data, Overflowed: overflowed}, nil
}

func (h *handle) available() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return false, audio.ErrClosed
	default:
	}
	n, err := h.stream.AvailableToRead()
	if err != nil {
		return false, fmt.Errorf("portaudio: %q: available: %w", h.device, err)
	}
	return n >= h.frames, nil
}

// Close aborts the stream and terminates PortAudio. Safe to call more than
// once and concurrently with Read.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.mu.Lock()
		defer h.mu.Unlock()
		var errs []error
		if err := h.stream.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("abort: %w", err))
		}
		if err := h.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		if len(errs) > 0 {
			h.closeErr = fmt.Errorf("portaudio: %q: %w", h.device, errors.Join(errs...))
		}
	})
	return h.closeErr
}
