package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-relay/internal/codec"
	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
	"github.com/discord-voice-relay/internal/voice"
)

// readyPollInterval is how often the connection monitor samples the
// discordgo ready flag to synthesize state transitions.
const readyPollInterval = 250 * time.Millisecond

// Dialer establishes Discord voice connections and adapts them to the
// transport interfaces the core consumes.
type Dialer struct {
	session    *discordgo.Session
	newDecoder codec.Factory
	sampleRate int
	channels   int
	mets       *metrics.Metrics
}

var _ voice.Dialer = (*Dialer)(nil)

func NewDialer(s *discordgo.Session, factory codec.Factory, sampleRate, channels int, m *metrics.Metrics) *Dialer {
	return &Dialer{
		session:    s,
		newDecoder: factory,
		sampleRate: sampleRate,
		channels:   channels,
		mets:       m,
	}
}

// Dial joins the voice channel muted (we only receive) and not deafened
// (we need the audio). Readiness is bounded by ctx; a join that completes
// after the deadline is disconnected so nothing is left half-open.
func (d *Dialer) Dial(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan joinResult, 1)
	go func() {
		vc, err := d.session.ChannelVoiceJoin(guildID, channelID, true, false)
		done <- joinResult{vc: vc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("voice join: %w", res.err)
		}
		return newConn(res.vc, d, guildID), nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && res.vc != nil {
				_ = res.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("voice join: %w", ctx.Err())
	}
}

// conn adapts one discordgo VoiceConnection. discordgo repairs its voice
// websocket internally and only exposes a ready flag, so a monitor goroutine
// samples it and synthesizes the Ready/Disconnected transitions the manager
// watches; Close emits the terminal Destroyed.
type conn struct {
	guildID string
	vc      *discordgo.VoiceConnection
	recv    *receiver
	states  chan voice.State
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var _ voice.Conn = (*conn)(nil)

func newConn(vc *discordgo.VoiceConnection, d *Dialer, guildID string) *conn {
	c := &conn{
		guildID: guildID,
		vc:      vc,
		states:  make(chan voice.State, 16),
		closing: make(chan struct{}),
	}
	c.recv = newReceiver(guildID, d.newDecoder, d.sampleRate, d.channels, d.mets)

	// Speaking updates arrive on the voice websocket, not the main gateway.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		c.recv.handleSpeaking(su)
	})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.monitor()
	}()
	go func() {
		defer c.wg.Done()
		c.recv.pumpPackets(vc.OpusRecv, c.closing)
	}()
	return c
}

func (c *conn) Receiver() voice.Receiver   { return c.recv }
func (c *conn) States() <-chan voice.State { return c.states }

// Close is idempotent: it stops the monitor and packet pump, disconnects the
// voice websocket, closes every open sample stream, then emits the terminal
// state and closes the state channel.
func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		err = c.vc.Disconnect()
		c.recv.closeAll()
		c.wg.Wait()
		c.emit(voice.StateDestroyed)
		close(c.states)
	})
	return err
}

func (c *conn) monitor() {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	ready := true
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			cur := c.connReady()
			if cur == ready {
				continue
			}
			ready = cur
			if cur {
				c.emit(voice.StateReady)
			} else {
				c.emit(voice.StateDisconnected)
			}
		}
	}
}

func (c *conn) connReady() bool {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.Ready
}

// emit never blocks the monitor; a full buffer drops the oldest event to
// make room, which keeps the most recent transition visible.
func (c *conn) emit(st voice.State) {
	for {
		select {
		case c.states <- st:
			return
		default:
			select {
			case old := <-c.states:
				logging.Debugw("dropping stale voice state", "guild", c.guildID, "state", old.String())
			default:
			}
		}
	}
}
