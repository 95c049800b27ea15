// Package discord relays the captured audio into a Discord voice channel via
// the bwmarrin/discordgo library.
//
// A [Sink] owns the bot's gateway session. It joins one configured voice
// channel and attaches the voice connection to the pipeline as a single
// [audio.RawConn]; every payload must be one 20 ms Opus packet at 48 kHz.
// When the bot is moved, kicked or the pipeline drops the connection, the
// sink rejoins with exponential backoff until its context is cancelled.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// TransportName is reported by [Conn.Transport].
const TransportName = "discord"

const (
	minRejoinBackoff = time.Second
	maxRejoinBackoff = time.Minute
)

// Config holds the bot credentials and the target voice channel.
type Config struct {
	// Token is the bot token. The "Bot " prefix is added when missing.
	Token string

	GuildID   string
	ChannelID string
}

// voice is the part of a joined *discordgo.VoiceConnection a [Conn] drives.
type voice struct {
	send       chan<- []byte
	speaking   func(bool) error
	disconnect func() error
}

// gateway is the part of *discordgo.Session the sink uses.
type gateway interface {
	Open() error
	Close() error
	JoinVoice(guildID, channelID string) (voice, error)
	AddHandler(handler interface{}) func()
	UserID() string
}

// sessionGateway adapts *discordgo.Session to gateway.
type sessionGateway struct {
	*discordgo.Session
}

// JoinVoice joins unmuted and deafened; the sink never listens.
func (s sessionGateway) JoinVoice(guildID, channelID string) (voice, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return voice{}, err
	}
	return voice{send: vc.OpusSend, speaking: vc.Speaking, disconnect: vc.Disconnect}, nil
}

func (s sessionGateway) UserID() string {
	if s.State == nil || s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

// Option configures a [Sink].
type Option func(*Sink)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// withGateway replaces the discordgo session in tests.
func withGateway(g gateway) Option {
	return func(s *Sink) { s.gw = g }
}

// withBackoff overrides the rejoin backoff bounds in tests.
func withBackoff(lo, hi time.Duration) Option {
	return func(s *Sink) { s.minBackoff, s.maxBackoff = lo, hi }
}

// Sink streams the pipeline output into one Discord voice channel.
type Sink struct {
	cfg        Config
	gw         gateway
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a Sink. The gateway session is created here but only opened by
// [Sink.Run].
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.ChannelID == "" {
		return nil, errors.New("discord: token, guild id and channel id are required")
	}
	s := &Sink{
		cfg:        cfg,
		log:        slog.Default(),
		minBackoff: minRejoinBackoff,
		maxBackoff: maxRejoinBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("transport", TransportName, "guild_id", cfg.GuildID)

	if s.gw == nil {
		token := cfg.Token
		if !strings.HasPrefix(token, "Bot ") {
			token = "Bot " + token
		}
		session, err := discordgo.New(token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
		s.gw = sessionGateway{session}
	}
	return s, nil
}

// Run opens the gateway, joins the voice channel and hands the connection to
// attach. It blocks until ctx is cancelled or attach refuses the connection,
// rejoining whenever the connection ends in between. The gateway session is
// closed on return.
func (s *Sink) Run(ctx context.Context, attach audio.AttachFunc) error {
	if err := s.gw.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer func() {
		if err := s.gw.Close(); err != nil {
			s.log.Warn("discord: close session", "error", err)
		}
	}()

	backoff := s.minBackoff
	for {
		conn, err := s.join()
		if err != nil {
			s.log.Warn("discord: join voice channel failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		if err := attach(conn); err != nil {
			s.log.Info("discord: pipeline refused voice connection, stopping", "error", err)
			return nil
		}
		backoff = s.minBackoff
		s.log.Info("discord: streaming to voice channel", "channel_id", s.cfg.ChannelID)

		select {
		case <-ctx.Done():
			// The pipeline owns conn and closes it during its own shutdown.
			return nil
		case <-conn.Done():
		case <-conn.released:
		}
		// The pipeline closes conn on remote loss too, but only after its
		// writer noticed. Close here so the rejoin does not race it.
		_ = conn.Close()

		s.log.Info("discord: voice connection ended, rejoining", "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// join joins the configured channel and wraps the voice connection.
func (s *Sink) join() (*Conn, error) {
	v, err := s.gw.JoinVoice(s.cfg.GuildID, s.cfg.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", s.cfg.ChannelID, err)
	}
	conn := newConn(v, s.cfg.GuildID, s.cfg.ChannelID, s.gw.UserID(), s.log)
	conn.removeHandler = s.gw.AddHandler(conn.handleVoiceStateUpdate)
	return conn, nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
