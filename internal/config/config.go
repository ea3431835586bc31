package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-relay/internal/logging"
)

// Defaults for everything tunable. Malformed values fall back with a
// warning; only the bot token has no default.
const (
	DefaultBackendURL      = "http://localhost:3001/api/audio"
	DefaultQuietPeriodMs   = 1000
	DefaultMinUtteranceMs  = 100
	DefaultReadyTimeoutMs  = 20000
	DefaultRecoveryWaitMs  = 5000
	DefaultUploadTimeoutMs = 30000
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultCommandPrefix   = "!"
	DefaultOpsAddr         = ":8080"
)

// Config is the process configuration, read once at startup from the
// environment (a .env file, when present, is loaded by main beforehand).
type Config struct {
	DiscordToken string

	BackendURL    string
	UploadTimeout time.Duration

	QuietPeriod  time.Duration
	MinUtterance time.Duration
	ReadyTimeout time.Duration
	RecoveryWait time.Duration

	SampleRate int
	Channels   int

	CommandPrefix     string
	AutoJoinGuildID   string
	AutoJoinChannelID string

	// OpsAddr is the monitoring listen address; explicitly setting
	// OPS_ADDR to an empty string disables the server.
	OpsAddr string
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		DiscordToken:      strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		BackendURL:        getenvStr("BACKEND_URL", DefaultBackendURL),
		UploadTimeout:     getenvMs("UPLOAD_TIMEOUT_MS", DefaultUploadTimeoutMs),
		QuietPeriod:       getenvMs("SILENCE_QUIET_PERIOD_MS", DefaultQuietPeriodMs),
		MinUtterance:      getenvMs("MIN_UTTERANCE_MS", DefaultMinUtteranceMs),
		ReadyTimeout:      getenvMs("JOIN_READY_TIMEOUT_MS", DefaultReadyTimeoutMs),
		RecoveryWait:      getenvMs("RECONNECT_WAIT_MS", DefaultRecoveryWaitMs),
		SampleRate:        getenvInt("SAMPLE_RATE", DefaultSampleRate),
		Channels:          getenvInt("CHANNELS", DefaultChannels),
		CommandPrefix:     getenvStr("COMMAND_PREFIX", DefaultCommandPrefix),
		AutoJoinGuildID:   strings.TrimSpace(os.Getenv("GUILD_ID")),
		AutoJoinChannelID: strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID")),
		OpsAddr:           DefaultOpsAddr,
	}
	if v, ok := os.LookupEnv("OPS_ADDR"); ok {
		cfg.OpsAddr = strings.TrimSpace(v)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		logging.Warnw("unsupported CHANNELS value, using default",
			"value", cfg.Channels, "default", DefaultChannels)
		cfg.Channels = DefaultChannels
	}
	return cfg
}

// AutoJoin reports whether a startup voice channel is configured.
func (c Config) AutoJoin() bool {
	return c.AutoJoinGuildID != "" && c.AutoJoinChannelID != ""
}

func getenvStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logging.Warnw("invalid env value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getenvMs(key string, defMs int) time.Duration {
	return time.Duration(getenvInt(key, defMs)) * time.Millisecond
}
