package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/audiocast/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.RawConn = (*Conn)(nil)

// Conn is the pipeline's view of the bot's voice connection. Every payload is
// one 20 ms Opus packet handed to discordgo's sender.
//
// Conn is safe for concurrent use.
type Conn struct {
	guildID   string
	channelID string
	botID     string
	log       *slog.Logger

	send         chan<- []byte
	speaking     func(bool) error
	disconnectVC func() error

	removeHandler func()

	speakOnce sync.Once

	// released is closed by Close, done when Discord reports the bot left.
	released  chan struct{}
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	doneOnce  sync.Once
}

// newConn wraps an already-joined voice connection. The caller sets
// removeHandler once handleVoiceStateUpdate is registered.
func newConn(v voice, guildID, channelID, botID string, log *slog.Logger) *Conn {
	return &Conn{
		guildID:      guildID,
		channelID:    channelID,
		botID:        botID,
		log:          log,
		send:         v.send,
		speaking:     v.speaking,
		disconnectVC: v.disconnect,
		released:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Send queues payload on the voice connection. The send channel is buffered
// by discordgo; a full buffer blocks until ctx expires.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.released:
		return audio.ErrClosed
	default:
	}

	c.speakOnce.Do(func() { c.setSpeaking(true) })

	select {
	case c.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.released:
		return audio.ErrClosed
	}
}

// Close stops speaking and leaves the voice channel. It is safe to call more
// than once; subsequent calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.released)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		c.setSpeaking(false)
		if c.disconnectVC != nil {
			c.closeErr = c.disconnectVC()
		}
	})
	return c.closeErr
}

// Done is closed once Discord reports the bot was moved out of or kicked from
// the channel.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr identifies the voice channel.
func (c *Conn) RemoteAddr() string { return c.guildID + "/" + c.channelID }

// Transport returns [TransportName].
func (c *Conn) Transport() string { return TransportName }

// handleVoiceStateUpdate closes Done when the bot's own voice state shows it
// is no longer in the channel.
func (c *Conn) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil {
		return
	}
	if vsu.GuildID != c.guildID || vsu.UserID != c.botID {
		return
	}
	if vsu.ChannelID == c.channelID {
		return
	}
	c.log.Info("discord: bot left voice channel", "channel_id", c.channelID, "now", vsu.ChannelID)
	c.doneOnce.Do(func() { close(c.done) })
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Conn) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		c.log.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
