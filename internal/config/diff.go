package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SendTimeoutChanged bool
	NewSendTimeout     time.Duration

	// RestartRequired lists the config keys that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SendTimeoutChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.SendTimeout != new.Pipeline.SendTimeout {
		d.SendTimeoutChanged = true
		d.NewSendTimeout = new.Pipeline.SendTimeout
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.metrics_path", old.Server.MetricsPath != new.Server.MetricsPath)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("capture", old.Capture != new.Capture)
	restart("pipeline.handoff_capacity", old.Pipeline.HandoffCapacity != new.Pipeline.HandoffCapacity)
	restart("pipeline.session_buffer", old.Pipeline.SessionBuffer != new.Pipeline.SessionBuffer)
	restart("pipeline.shutdown_grace", old.Pipeline.ShutdownGrace != new.Pipeline.ShutdownGrace)
	restart("encoding", old.Encoding != new.Encoding)
	restart("transports.websocket", !equalWebSocket(old.Transports.WebSocket, new.Transports.WebSocket))
	restart("transports.webrtc", !equalWebRTC(old.Transports.WebRTC, new.Transports.WebRTC))
	restart("transports.discord", old.Transports.Discord != new.Transports.Discord)
	restart("journal", old.Journal != new.Journal)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalWebSocket(a, b WebSocketConfig) bool {
	return a.Enabled == b.Enabled && a.Path == b.Path && slices.Equal(a.Origins, b.Origins)
}

func equalWebRTC(a, b WebRTCConfig) bool {
	return a.Enabled == b.Enabled && a.Path == b.Path && slices.Equal(a.STUNServers, b.STUNServers)
}
