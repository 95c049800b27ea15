package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/audiocast/pkg/audio/opus"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":6677"
	DefaultMetricsPath     = "/metrics"
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultFramesPerBuffer = 1024
	DefaultReadTimeout     = 500 * time.Millisecond
	DefaultSineFrequency   = 440
	DefaultHandoffCapacity = 64
	DefaultSessionBuffer   = 16
	DefaultSendTimeout     = 250 * time.Millisecond
	DefaultShutdownGrace   = 5 * time.Second
	DefaultWebSocketPath   = "/ws"
	DefaultWebRTCPath      = "/offer"
	DefaultJournalRetain   = 1000
)

// DefaultSTUNServers is used by the WebRTC transport when none are configured.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// ValidSourceNames lists the capture backends shipped with audiocast. Used by
// [Validate] to warn about unrecognised source names.
var ValidSourceNames = []Source{SourcePortAudio, SourceSine}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field of cfg that has a default.
// With no transport section at all, the WebSocket transport is enabled.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MetricsPath == "" {
		s.MetricsPath = DefaultMetricsPath
	}

	c := &cfg.Capture
	if c.Source == "" {
		c.Source = SourcePortAudio
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SineFrequency == 0 {
		c.SineFrequency = DefaultSineFrequency
	}

	p := &cfg.Pipeline
	if p.HandoffCapacity == 0 {
		p.HandoffCapacity = DefaultHandoffCapacity
	}
	if p.SessionBuffer == 0 {
		p.SessionBuffer = DefaultSessionBuffer
	}
	if p.SendTimeout == 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = DefaultShutdownGrace
	}

	if cfg.Encoding.Codec == "" {
		cfg.Encoding.Codec = CodecPCM
	}

	t := &cfg.Transports
	if !t.WebSocket.Enabled && !t.WebRTC.Enabled && !t.Discord.Enabled {
		t.WebSocket.Enabled = true
	}
	if t.WebSocket.Path == "" {
		t.WebSocket.Path = DefaultWebSocketPath
	}
	if len(t.WebSocket.Origins) == 0 {
		t.WebSocket.Origins = []string{"*"}
	}
	if t.WebRTC.Path == "" {
		t.WebRTC.Path = DefaultWebRTCPath
	}
	if len(t.WebRTC.STUNServers) == 0 {
		t.WebRTC.STUNServers = slices.Clone(DefaultSTUNServers)
	}

	if cfg.Journal.Retain == 0 {
		cfg.Journal.Retain = DefaultJournalRetain
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MetricsPath != "" && !strings.HasPrefix(cfg.Server.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("server.metrics_path %q must start with /", cfg.Server.MetricsPath))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	c := cfg.Capture
	validateSourceName(c.Source)
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", c.SampleRate))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", c.Channels))
	}
	if c.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must be positive", c.FramesPerBuffer))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.read_timeout %v must not be negative", c.ReadTimeout))
	}
	if c.Source == SourceSine && c.SampleRate > 0 && (c.SineFrequency <= 0 || c.SineFrequency >= float64(c.SampleRate)/2) {
		errs = append(errs, fmt.Errorf("capture.sine_frequency %.1f must be between 0 and the Nyquist frequency %d", c.SineFrequency, c.SampleRate/2))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.HandoffCapacity <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.handoff_capacity %d must be positive", p.HandoffCapacity))
	}
	if p.SessionBuffer <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.session_buffer %d must be positive", p.SessionBuffer))
	}
	if p.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.send_timeout %v must be positive", p.SendTimeout))
	}
	if p.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.shutdown_grace %v must be positive", p.ShutdownGrace))
	}

	// Encoding
	enc := cfg.Encoding
	if !enc.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("encoding.codec %q is invalid; valid values: pcm, opus", enc.Codec))
	}
	if enc.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("encoding.bitrate %d must not be negative", enc.Bitrate))
	}
	if enc.Codec == CodecOpus && c.SampleRate > 0 && c.FramesPerBuffer > 0 {
		if err := opus.Validate(c.Format(), c.FramesPerBuffer); err != nil {
			errs = append(errs, fmt.Errorf("encoding.codec opus: %w", err))
		}
	}
	if enc.Codec == CodecPCM && enc.Bitrate != 0 {
		slog.Warn("encoding.bitrate is ignored for pcm", "bitrate", enc.Bitrate)
	}

	// Transports
	t := cfg.Transports
	if !t.WebSocket.Enabled && !t.WebRTC.Enabled && !t.Discord.Enabled {
		errs = append(errs, errors.New("transports: at least one transport must be enabled"))
	}
	if t.WebSocket.Enabled && !strings.HasPrefix(t.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("transports.websocket.path %q must start with /", t.WebSocket.Path))
	}
	if t.WebRTC.Enabled {
		if !strings.HasPrefix(t.WebRTC.Path, "/") {
			errs = append(errs, fmt.Errorf("transports.webrtc.path %q must start with /", t.WebRTC.Path))
		}
		if enc.Codec != CodecOpus {
			errs = append(errs, fmt.Errorf("transports.webrtc requires encoding.codec opus, got %q", enc.Codec))
		}
		if t.WebSocket.Enabled && t.WebSocket.Path == t.WebRTC.Path {
			errs = append(errs, fmt.Errorf("transports.webrtc.path %q collides with transports.websocket.path", t.WebRTC.Path))
		}
	}
	if t.Discord.Enabled {
		d := t.Discord
		if d.Token == "" {
			errs = append(errs, errors.New("transports.discord.token is required"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("transports.discord.guild_id is required"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("transports.discord.channel_id is required"))
		}
		if enc.Codec != CodecOpus {
			errs = append(errs, fmt.Errorf("transports.discord requires encoding.codec opus, got %q", enc.Codec))
		}
		if c.SampleRate != 48000 || c.Channels != 2 || c.FramesPerBuffer != 960 {
			errs = append(errs, fmt.Errorf("transports.discord requires 20 ms frames at 48000 Hz stereo (frames_per_buffer 960), got %d samples at %d Hz with %d channels",
				c.FramesPerBuffer, c.SampleRate, c.Channels))
		}
	}

	// Journal
	if cfg.Journal.Retain < 0 {
		errs = append(errs, fmt.Errorf("journal.retain %d must not be negative", cfg.Journal.Retain))
	}

	return errors.Join(errs...)
}

// validateSourceName logs a warning if name is not one of [ValidSourceNames].
// Third-party backends may still be registered under other names.
func validateSourceName(name Source) {
	if name == "" || slices.Contains(ValidSourceNames, name) {
		return
	}
	slog.Warn("unknown capture source, may be a typo or a third-party backend",
		"name", name,
		"known", ValidSourceNames,
	)
}
