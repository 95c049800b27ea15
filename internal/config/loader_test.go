package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/audiocast/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":6677" {
		t.Errorf("listen_addr: got %q, want :6677", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Capture.Source != config.SourcePortAudio {
		t.Errorf("capture.source: got %q, want portaudio", cfg.Capture.Source)
	}
	if got := cfg.Capture.Format().String(); got != "48000Hz stereo s16" {
		t.Errorf("capture format: got %q", got)
	}
	if cfg.Capture.FramesPerBuffer != 1024 {
		t.Errorf("frames_per_buffer: got %d, want 1024", cfg.Capture.FramesPerBuffer)
	}
	if cfg.Pipeline.SendTimeout != 250*time.Millisecond {
		t.Errorf("send_timeout: got %v, want 250ms", cfg.Pipeline.SendTimeout)
	}
	if cfg.Encoding.Codec != config.CodecPCM {
		t.Errorf("codec: got %q, want pcm", cfg.Encoding.Codec)
	}
	if !cfg.Transports.WebSocket.Enabled || cfg.Transports.WebSocket.Path != "/ws" {
		t.Errorf("websocket: got %+v, want enabled on /ws", cfg.Transports.WebSocket)
	}
	if len(cfg.Transports.WebSocket.Origins) != 1 || cfg.Transports.WebSocket.Origins[0] != "*" {
		t.Errorf("websocket origins: got %v, want [*]", cfg.Transports.WebSocket.Origins)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
capture:
  source: portaudio
  device: BlackHole
  sample_rate: 48000
  channels: 2
  frames_per_buffer: 960
  read_timeout: 1s
pipeline:
  handoff_capacity: 8
  session_buffer: 4
  send_timeout: 100ms
  shutdown_grace: 2s
encoding:
  codec: opus
  bitrate: 96000
transports:
  websocket:
    enabled: true
    path: /audio
    origins: ["example.com"]
  webrtc:
    enabled: true
journal:
  postgres_dsn: "postgres://localhost/audiocast"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Device != "BlackHole" {
		t.Errorf("device: got %q", cfg.Capture.Device)
	}
	if cfg.Capture.ReadTimeout != time.Second {
		t.Errorf("read_timeout: got %v", cfg.Capture.ReadTimeout)
	}
	if cfg.Pipeline.HandoffCapacity != 8 || cfg.Pipeline.SessionBuffer != 4 {
		t.Errorf("pipeline: got %+v", cfg.Pipeline)
	}
	if cfg.Encoding.Codec != config.CodecOpus || cfg.Encoding.Bitrate != 96000 {
		t.Errorf("encoding: got %+v", cfg.Encoding)
	}
	if cfg.Transports.WebRTC.Path != "/offer" {
		t.Errorf("webrtc path: got %q, want default /offer", cfg.Transports.WebRTC.Path)
	}
	if len(cfg.Transports.WebRTC.STUNServers) == 0 {
		t.Error("webrtc stun_servers: expected defaults")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  sorce: sine
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "bad channels",
			yaml: "capture:\n  channels: 6\n",
			want: []string{"capture.channels"},
		},
		{
			name: "negative capacities",
			yaml: "pipeline:\n  handoff_capacity: -1\n  session_buffer: -2\n",
			want: []string{"pipeline.handoff_capacity", "pipeline.session_buffer"},
		},
		{
			name: "negative send timeout",
			yaml: "pipeline:\n  send_timeout: -1s\n",
			want: []string{"pipeline.send_timeout"},
		},
		{
			name: "unknown codec",
			yaml: "encoding:\n  codec: mp3\n",
			want: []string{"encoding.codec"},
		},
		{
			name: "opus with invalid frame duration",
			yaml: "encoding:\n  codec: opus\ncapture:\n  frames_per_buffer: 1024\n",
			want: []string{"not a valid Opus frame duration"},
		},
		{
			name: "webrtc without opus",
			yaml: "transports:\n  webrtc:\n    enabled: true\n",
			want: []string{"transports.webrtc requires encoding.codec opus"},
		},
		{
			name: "discord missing everything",
			yaml: "transports:\n  discord:\n    enabled: true\n",
			want: []string{
				"transports.discord.token",
				"transports.discord.guild_id",
				"transports.discord.channel_id",
				"transports.discord requires encoding.codec opus",
				"transports.discord requires 20 ms frames",
			},
		},
		{
			name: "sine above nyquist",
			yaml: "capture:\n  source: sine\n  sample_rate: 8000\n  sine_frequency: 5000\n",
			want: []string{"capture.sine_frequency"},
		},
		{
			name: "incomplete tls",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "path collision",
			yaml: "encoding:\n  codec: opus\ncapture:\n  frames_per_buffer: 960\ntransports:\n  websocket:\n    enabled: true\n    path: /stream\n  webrtc:\n    enabled: true\n    path: /stream\n",
			want: []string{"collides"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_DiscordValid(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  frames_per_buffer: 960
encoding:
  codec: opus
transports:
  discord:
    enabled: true
    token: "Bot abc"
    guild_id: "1"
    channel_id: "2"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transports.WebSocket.Enabled {
		t.Error("websocket should stay disabled when another transport is enabled")
	}
}

func TestValidate_NoTransport(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Transports.WebSocket.Enabled = false
	err := config.Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "at least one transport") {
		t.Fatalf("expected missing transport error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audiocast.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  source: sine\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Source != config.SourceSine {
		t.Errorf("source: got %q, want sine", cfg.Capture.Source)
	}
}
