// Package app wires all audiocast subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the capture pipeline,
// the session journal and the HTTP surface, Run serves until its context is
// cancelled, and then drives the pipeline's shutdown sequence before the
// remaining resources are released.
//
// For testing, inject doubles via functional options (WithSource,
// WithJournalStore, WithListener, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiocast/internal/config"
	"github.com/MrWong99/audiocast/internal/health"
	"github.com/MrWong99/audiocast/internal/journal"
	"github.com/MrWong99/audiocast/internal/observe"
	"github.com/MrWong99/audiocast/internal/pipeline"
	"github.com/MrWong99/audiocast/internal/resilience"
	"github.com/MrWong99/audiocast/pkg/audio"
	"github.com/MrWong99/audiocast/pkg/audio/discord"
	"github.com/MrWong99/audiocast/pkg/audio/webrtc"
	"github.com/MrWong99/audiocast/pkg/audio/websocket"
)

const (
	// httpShutdownTimeout bounds the HTTP server drain once the pipeline has
	// stopped.
	httpShutdownTimeout = 5 * time.Second

	// recentLimit is the number of journaled sessions shown on /statusz.
	recentLimit = 20
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	source     audio.Source
	encoder    audio.Encoder
	metrics    *observe.Metrics
	gatherer   prometheus.Gatherer
	log        *slog.Logger
	level      *slog.LevelVar
	store      journal.Store
	listener   net.Listener
	configPath string
	watchOpts  []config.WatcherOption

	pipeline *pipeline.Pipeline
	breaker  *resilience.Breaker
	recorder *journal.Recorder
	discord  *discord.Sink
	watcher  *config.Watcher
	checkers []health.Checker
	handler  http.Handler

	// closers are called in order by Close.
	closers []func() error

	// stopOnce guards the Close path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a capture source instead of creating one from config.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithEncoder injects a payload encoder instead of creating one from config.
func WithEncoder(e audio.Encoder) Option {
	return func(a *App) { a.encoder = e }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets what the metrics endpoint serves. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar connects the logger's level to config hot reload.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithJournalStore injects a journal store instead of creating one from
// config.
func WithJournalStore(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch polls the config file at path and applies hot-reloadable
// changes while the app runs.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Capture sources and encoders not injected via
// options are built through reg.
//
// New performs all initialisation synchronously: source and encoder
// construction, journal connection and migration, and transport setup. The
// capture device itself is only opened by Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		log:      slog.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Capture and encoding ──────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 2. Session journal ───────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	a.pipeline = pipeline.New(a.source, pipeline.Config{
		HandoffCapacity: cfg.Pipeline.HandoffCapacity,
		SessionBuffer:   cfg.Pipeline.SessionBuffer,
		SendTimeout:     cfg.Pipeline.SendTimeout,
		ShutdownGrace:   cfg.Pipeline.ShutdownGrace,
	},
		pipeline.WithEncoder(a.encoder),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
		pipeline.WithObserver(a.recorder),
	)

	// ── 4. Transports and HTTP surface ───────────────────────────────────
	if err := a.initTransports(); err != nil {
		a.Close()
		return nil, fmt.Errorf("app: init transports: %w", err)
	}

	// ── 5. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		watchOpts := append([]config.WatcherOption{config.WithLogger(a.log)}, a.watchOpts...)
		w, err := config.NewWatcher(a.configPath, a.applyConfig, watchOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCapture builds the source and encoder unless they were injected.
func (a *App) initCapture() error {
	if (a.source == nil || a.encoder == nil) && a.registry == nil {
		return errors.New("a config registry is required when source or encoder are not injected")
	}
	if a.source == nil {
		src, err := a.registry.CreateSource(a.cfg.Capture)
		if err != nil {
			return err
		}
		a.source = src
	}
	if a.encoder == nil {
		enc, err := a.registry.CreateEncoder(a.cfg.Encoding, a.cfg.Capture)
		if err != nil {
			return err
		}
		a.encoder = enc
	}
	return nil
}

// initJournal sets up the journal store and the recorder feeding it.
func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Journal.PostgresDSN
		if dsn == "" {
			a.store = journal.NewMemStore(a.cfg.Journal.Retain)
		} else {
			pool, err := journal.OpenPool(ctx, dsn)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})
			pg := journal.NewPostgresStore(pool, a.cfg.Journal.Retain)
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			a.store = pg
			a.checkers = append(a.checkers, health.Checker{Name: "journal", Check: pool.Ping})
			a.log.Info("session journal connected to postgres", "retain", a.cfg.Journal.Retain)
		}
	}

	a.breaker = resilience.NewBreaker("journal", resilience.WithLogger(a.log))
	a.recorder = journal.NewRecorder(a.store,
		journal.WithBreaker(a.breaker),
		journal.WithMetrics(a.metrics),
		journal.WithLogger(a.log),
	)
	return nil
}

// initTransports mounts the enabled transports, health and metrics routes.
func (a *App) initTransports() error {
	t := a.cfg.Transports
	f := a.pipeline.Format()

	mux := http.NewServeMux()
	checkers := append([]health.Checker{
		health.CaptureChecker(a.pipeline),
		health.ShutdownChecker(a.pipeline),
	}, a.checkers...)
	health.New(checkers, health.WithStatus(a.status)).Register(mux)
	mux.Handle("GET "+a.cfg.Server.MetricsPath, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	if t.WebSocket.Enabled {
		mux.Handle(t.WebSocket.Path, websocket.NewHandler(a.attach, f, a.pipeline.Encoding(),
			websocket.WithOrigins(t.WebSocket.Origins...),
			websocket.WithLogger(a.log),
			websocket.WithCloseTimeout(min(time.Second, a.cfg.Pipeline.ShutdownGrace/4)),
		))
	}
	if t.WebRTC.Enabled {
		frame := f.Duration(a.source.ChunkSize())
		mux.Handle(t.WebRTC.Path, webrtc.New(a.attach, f, frame,
			webrtc.WithSTUNServers(t.WebRTC.STUNServers...),
			webrtc.WithLogger(a.log),
		))
	}
	if t.Discord.Enabled {
		sink, err := discord.New(discord.Config{
			Token:     t.Discord.Token,
			GuildID:   t.Discord.GuildID,
			ChannelID: t.Discord.ChannelID,
		}, discord.WithLogger(a.log))
		if err != nil {
			return err
		}
		a.discord = sink
	}

	a.handler = observe.Middleware(a.metrics,
		observe.WithRequestLogger(a.log),
		observe.WithQuietPaths("/healthz", "/readyz", a.cfg.Server.MetricsPath),
	)(mux)
	return nil
}

// attach hands an accepted client connection to the pipeline.
func (a *App) attach(conn audio.RawConn) error {
	_, err := a.pipeline.Attach(conn)
	return err
}

// applyConfig is the watcher callback for validated config edits.
func (a *App) applyConfig(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.SlogLevel())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change ignored, logger is not reloadable", "level", d.NewLogLevel)
		}
	}
	if d.SendTimeoutChanged {
		a.pipeline.SetSendTimeout(d.NewSendTimeout)
		a.log.Info("send timeout changed", "send_timeout", d.NewSendTimeout)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving transports, health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Pipeline returns the capture and fan-out pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Recorder returns the session journal recorder.
func (a *App) Recorder() *journal.Recorder { return a.recorder }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the capture source and serves clients until ctx is cancelled or
// a component fails. It then runs the pipeline shutdown sequence, flushes the
// journal, stops the HTTP server and releases every resource. A source that
// cannot be opened is returned immediately and wraps
// [audio.ErrSourceUnavailable].
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			a.pipeline.Shutdown()
			<-a.pipeline.Done()
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The journal, the config watcher and the Discord sink outlive ctx until the pipeline has
	// stopped, so sessions closed during shutdown are still journaled.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.recorder.Run(workCtx) })

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(workCtx) })
	}

	if a.discord != nil {
		g.Go(func() error {
			if err := a.discord.Run(workCtx, a.attach); err != nil {
				return fmt.Errorf("app: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.pipeline.Done():
		}
		a.log.Info("shutting down", "active_sessions", a.pipeline.Registry().Len())
		a.pipeline.Shutdown()
		<-a.pipeline.Done()
		stopWork()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown http: %w", err)
		}
		if err := a.pipeline.Err(); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		return nil
	})

	a.log.Info("app running",
		"addr", ln.Addr().String(),
		"format", a.pipeline.Format().String(),
		"encoding", a.pipeline.Encoding(),
	)
	err := g.Wait()
	a.log.Info("shutdown complete",
		"journal_written", a.recorder.Written(),
		"journal_skipped", a.recorder.Skipped(),
	)
	return err
}

// ErrNotWatching is returned by [App.Reload] when no config file is watched.
var ErrNotWatching = errors.New("app: config file is not watched")

// Reload re-reads the watched config file now and applies its hot-reloadable
// fields. Restart-only changes are logged and otherwise ignored.
func (a *App) Reload() (config.ConfigDiff, error) {
	if a.watcher == nil {
		return config.ConfigDiff{}, ErrNotWatching
	}
	d, err := a.watcher.Reload()
	if err != nil {
		return d, fmt.Errorf("app: reload config: %w", err)
	}
	return d, nil
}

// Shutdown requests the pipeline shutdown sequence and returns immediately.
// Run returns once the sequence has completed. Safe to call more than once.
func (a *App) Shutdown() { a.pipeline.Shutdown() }

// ─── Close ───────────────────────────────────────────────────────────────────

// Close releases the resources New acquired. Run calls it on return; call it
// directly only for an App that is never run. Safe to call more than once.
func (a *App) Close() {
	a.stopOnce.Do(func() {
		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
	})
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the /statusz document.
type Status struct {
	Format      string                 `json:"format"`
	Encoding    audio.Encoding         `json:"encoding"`
	Capturing   bool                   `json:"capturing"`
	Shutdown    string                 `json:"shutdown"`
	SendTimeout string                 `json:"send_timeout"`
	Stats       pipeline.StatsSnapshot `json:"stats"`
	Sessions    []pipeline.SessionInfo `json:"sessions"`
	Journal     JournalStatus          `json:"journal"`
	Config      *ConfigStatus          `json:"config,omitempty"`
}

// ConfigStatus reports hot reload activity when a config file is watched.
type ConfigStatus struct {
	Reloads  uint64 `json:"reloads"`
	Rejected uint64 `json:"rejected"`
}

// JournalStatus describes the session journal on /statusz.
type JournalStatus struct {
	Breaker string                 `json:"breaker"`
	Written uint64                 `json:"written"`
	Skipped uint64                 `json:"skipped"`
	Recent  []pipeline.SessionInfo `json:"recent"`
	Error   string                 `json:"error,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	st := Status{
		Format:      a.pipeline.Format().String(),
		Encoding:    a.pipeline.Encoding(),
		Capturing:   a.pipeline.Capturing(),
		Shutdown:    a.pipeline.ShutdownState().String(),
		SendTimeout: a.pipeline.SendTimeout().String(),
		Stats:       a.pipeline.Stats(),
		Sessions:    a.pipeline.Sessions(),
		Journal: JournalStatus{
			Breaker: a.breaker.State().String(),
			Written: a.recorder.Written(),
			Skipped: a.recorder.Skipped(),
		},
	}
	if a.watcher != nil {
		st.Config = &ConfigStatus{Reloads: a.watcher.Reloads(), Rejected: a.watcher.Rejected()}
	}
	recent, err := a.recorder.Recent(ctx, recentLimit)
	if err != nil {
		st.Journal.Error = err.Error()
	}
	st.Journal.Recent = recent
	return st
}
