package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/discord-voice-relay/internal/codec"
	"github.com/discord-voice-relay/internal/config"
	"github.com/discord-voice-relay/internal/discord"
	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
	"github.com/discord-voice-relay/internal/ops"
	"github.com/discord-voice-relay/internal/upload"
	"github.com/discord-voice-relay/internal/voice"
)

const shutdownGrace = 5 * time.Second

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	sugar := logging.Init()
	if sugar == nil {
		// fallback to a basic zap logger if initialization failed
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg := config.Load()
	if cfg.DiscordToken == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}

	// Guilds + GuildVoiceStates cover voice join/leave tracking; the
	// message intents are needed for the text commands.
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	sugar.Infow("using gateway intents", "intents", dg.Identify.Intents)

	mets := metrics.New(prometheus.DefaultRegisterer)

	factory := codec.NewDecoder
	if _, err := factory(cfg.SampleRate, cfg.Channels); err != nil {
		sugar.Fatalf("opus decoder unavailable: %v", err)
	}

	uploader := upload.NewClient(cfg.BackendURL, cfg.UploadTimeout)
	sink := upload.NewSink(uploader, mets)
	dialer := discord.NewDialer(dg, factory, cfg.SampleRate, cfg.Channels, mets)
	mgr := voice.NewManager(dialer, voice.Config{
		QuietPeriod:  cfg.QuietPeriod,
		MinUtterance: cfg.MinUtterance,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		ReadyTimeout: cfg.ReadyTimeout,
		RecoveryWait: cfg.RecoveryWait,
	}, sink, mets)
	resolver := discord.NewResolver(dg)

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		sugar.Infow("discord session ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		handleCommand(s, m, mgr, resolver, cfg.CommandPrefix)
	})

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened")

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.NewServer(cfg.OpsAddr, mgr)
		go func() {
			if err := opsSrv.Start(); err != nil {
				sugar.Warnf("monitoring server error: %v", err)
			}
		}()
	}

	if cfg.AutoJoin() {
		sugar.Infow("joining voice channel",
			"guild", cfg.AutoJoinGuildID, "channel", cfg.AutoJoinChannelID,
			"guild_name", resolver.GuildName(cfg.AutoJoinGuildID),
			"channel_name", resolver.ChannelName(cfg.AutoJoinChannelID))
		if err := mgr.Join(context.Background(), cfg.AutoJoinGuildID, cfg.AutoJoinChannelID); err != nil {
			sugar.Warnf("voice join failed: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	mgr.LeaveAll()

	if opsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := opsSrv.Shutdown(ctx); err != nil {
			sugar.Warnf("monitoring server shutdown error: %v", err)
		}
		cancel()
	}

	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}

	logging.Sync()
	sugar.Info("shutdown complete")
}

// handleCommand dispatches the text commands. join connects to the voice
// channel the author is currently in; leave disconnects from the guild.
func handleCommand(s *discordgo.Session, m *discordgo.MessageCreate, mgr *voice.Manager, resolver discord.NameResolver, prefix string) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	sugar := logging.Init()
	switch strings.TrimSpace(m.Content) {
	case prefix + "join":
		channelID := voiceChannelOf(s, m.GuildID, m.Author.ID)
		if channelID == "" {
			reply(s, m.ChannelID, "Join a voice channel first, then try again.")
			return
		}
		sugar.Infow("join command",
			"guild", m.GuildID, "channel", channelID, "user", m.Author.ID,
			"guild_name", resolver.GuildName(m.GuildID),
			"channel_name", resolver.ChannelName(channelID),
			"user_name", resolver.UserName(m.Author.ID))
		if err := mgr.Join(context.Background(), m.GuildID, channelID); err != nil {
			sugar.Warnf("voice join failed: %v", err)
			reply(s, m.ChannelID, "Could not join the voice channel.")
			return
		}
		reply(s, m.ChannelID, "Joined. Recording utterances.")
	case prefix + "leave":
		sugar.Infow("leave command",
			"guild", m.GuildID, "user", m.Author.ID,
			"guild_name", resolver.GuildName(m.GuildID),
			"user_name", resolver.UserName(m.Author.ID))
		if mgr.Leave(m.GuildID) {
			reply(s, m.ChannelID, "Left the voice channel.")
		} else {
			reply(s, m.ChannelID, "Not connected in this guild.")
		}
	}
}

// voiceChannelOf returns the voice channel the user currently occupies
// in the guild, or "" when they are not in one.
func voiceChannelOf(s *discordgo.Session, guildID, userID string) string {
	g, err := s.State.Guild(guildID)
	if err != nil {
		return ""
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func reply(s *discordgo.Session, channelID, msg string) {
	if _, err := s.ChannelMessageSend(channelID, msg); err != nil {
		logging.Warnw("failed to send reply", "channel", channelID, "error", err)
	}
}
