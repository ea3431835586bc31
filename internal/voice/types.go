package voice

import (
	"math"
	"time"

	"github.com/discord-voice-relay/internal/audio"
)

// Utterance is one contiguous span of a speaker's audio drained from a
// session buffer at flush time, plus the metadata the uploader needs. It is
// never retained after the delivery attempt.
type Utterance struct {
	GuildID       string
	UserID        string
	PCM           []byte // little-endian PCM16, interleaved
	SampleRate    int
	Channels      int
	Timestamp     time.Time // flush time
	CorrelationID string
}

// DurationMs returns the rounded playback duration in milliseconds.
func (u Utterance) DurationMs() int {
	return int(math.Round(audio.Duration(len(u.PCM), u.SampleRate, u.Channels, 16)))
}

// Sink receives drained utterances for delivery. Publish is invoked on a
// detached goroutine per utterance; implementations own their timeout and
// error reporting, and must never feed errors back into segmentation.
type Sink interface {
	Publish(u Utterance)
}

// Config carries the endpointing parameters shared by the sessions of one
// manager.
type Config struct {
	QuietPeriod  time.Duration // silence gap that ends an utterance
	MinUtterance time.Duration // flushes shorter than this are discarded
	SampleRate   int
	Channels     int
	ReadyTimeout time.Duration // bound on join readiness
	RecoveryWait time.Duration // bound on each reconnect recovery wait
}

func (c Config) withDefaults() Config {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 1000 * time.Millisecond
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 100 * time.Millisecond
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 20 * time.Second
	}
	if c.RecoveryWait <= 0 {
		c.RecoveryWait = 5 * time.Second
	}
	return c
}
