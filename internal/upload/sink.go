package upload

import (
	"context"
	"time"

	"github.com/discord-voice-relay/internal/audio"
	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
	"github.com/discord-voice-relay/internal/voice"
)

// Sink bridges flushed utterances to the container encoder and the upload
// client. Publish runs on the flusher's detached goroutine; failures are
// logged once per utterance and never retried or propagated back into
// segmentation.
type Sink struct {
	client *Client
	mets   *metrics.Metrics
}

var _ voice.Sink = (*Sink)(nil)

func NewSink(client *Client, m *metrics.Metrics) *Sink {
	return &Sink{client: client, mets: m}
}

func (s *Sink) Publish(u voice.Utterance) {
	wav := audio.Encode(u.PCM, u.SampleRate, u.Channels, 16)
	req := Request{
		WAV:        wav,
		UserID:     u.UserID,
		GuildID:    u.GuildID,
		DurationMs: u.DurationMs(),
		SampleRate: u.SampleRate,
		Channels:   u.Channels,
		Timestamp:  u.Timestamp,
	}

	// Uploads are never cancelled once issued; the client timeout bounds them.
	start := time.Now()
	respBody, err := s.client.Send(context.Background(), req)
	elapsed := time.Since(start)
	if err != nil {
		s.mets.RecordUpload(elapsed, false)
		logging.Warnw("utterance upload failed",
			"guild", u.GuildID, "user", u.UserID, "correlation_id", u.CorrelationID,
			"filename", req.Filename(), "duration_ms", req.DurationMs, "err", err)
		return
	}
	s.mets.RecordUpload(elapsed, true)
	logging.Infow("utterance uploaded",
		"guild", u.GuildID, "user", u.UserID, "correlation_id", u.CorrelationID,
		"filename", req.Filename(), "duration_ms", req.DurationMs,
		"bytes", len(wav), "elapsed_ms", elapsed.Milliseconds(),
		"response", snippet(respBody))
}

// snippet bounds a response body for logging.
func snippet(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
