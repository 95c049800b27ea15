// Command audiocast captures a local audio input and streams it live to
// WebSocket, WebRTC and Discord listeners.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/audiocast/internal/app"
	"github.com/MrWong99/audiocast/internal/config"
	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/pkg/audio"
	"github.com/MrWong99/audiocast/pkg/audio/opus"
	"github.com/MrWong99/audiocast/pkg/audio/portaudio"
	"github.com/MrWong99/audiocast/pkg/audio/sine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and send timeout when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "audiocast: config file %q not found; create it (an empty file uses the defaults: a sine test stream on :6677)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "audiocast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("audiocast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:       "audiocast",
		ServiceVersion:    version,
		RuntimeCollectors: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	slog.Debug("telemetry initialised", "instance_id", tel.InstanceID)

	// ── Capture registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
		app.WithGatherer(tel.Gatherer),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, audio.ErrSourceUnavailable) {
			slog.Error("capture source unavailable", "source", cfg.Capture.Source, "device", cfg.Capture.Device, "err", err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := a.Reload(); err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
			}
		}
	}
}

// ── Capture wiring ────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in capture sources and codecs into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterSource(config.SourcePortAudio, func(c config.CaptureConfig) (audio.Source, error) {
		return portaudio.New(portaudio.Config{
			Device:          c.Device,
			SampleRate:      c.SampleRate,
			Channels:        c.Channels,
			FramesPerBuffer: c.FramesPerBuffer,
			ReadTimeout:     c.ReadTimeout,
		}), nil
	})
	reg.RegisterSource(config.SourceSine, func(c config.CaptureConfig) (audio.Source, error) {
		return sine.New(c.Format(), c.FramesPerBuffer, sine.WithFrequency(c.SineFrequency)), nil
	})

	reg.RegisterEncoder(config.CodecPCM, func(config.EncodingConfig, audio.Format, int) (audio.Encoder, error) {
		return audio.PCMEncoder{}, nil
	})
	reg.RegisterEncoder(config.CodecOpus, func(enc config.EncodingConfig, f audio.Format, samples int) (audio.Encoder, error) {
		return opus.New(f, samples, opus.WithBitrate(enc.Bitrate))
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	c := cfg.Capture
	t := cfg.Transports

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        audiocast: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", string(c.Source))
	if c.Source == config.SourcePortAudio {
		device := c.Device
		if device == "" {
			device = "(default input)"
		}
		printRow("Device", device)
	}
	printRow("Format", c.Format().String())
	printRow("Chunk", fmt.Sprintf("%d samples / %v", c.FramesPerBuffer, c.Format().Duration(c.Format().ChunkBytes(c.FramesPerBuffer))))
	printRow("Codec", string(cfg.Encoding.Codec))
	printRow("WebSocket", enabled(t.WebSocket.Enabled, t.WebSocket.Path))
	printRow("WebRTC", enabled(t.WebRTC.Enabled, t.WebRTC.Path))
	printRow("Discord", enabled(t.Discord.Enabled, t.Discord.ChannelID))
	if cfg.Journal.PostgresDSN != "" {
		printRow("Journal", "postgres")
	} else {
		printRow("Journal", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func enabled(on bool, detail string) string {
	if !on {
		return "(disabled)"
	}
	return detail
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
