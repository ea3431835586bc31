package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the relay. A nil *Metrics is
// valid and records nothing, so code paths under test don't need a registry.
type Metrics struct {
	// Voice session lifecycle
	ActiveVoiceSessions   prometheus.Gauge
	VoiceSessionsTotal    prometheus.Counter
	ReconnectsRecovered   prometheus.Counter
	ReconnectsFailed      prometheus.Counter
	ActiveSpeakerSessions prometheus.Gauge
	SpeakerSessionsTotal  prometheus.Counter

	// Segmentation
	UtterancesFlushed   prometheus.Counter
	UtterancesDiscarded prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Upload
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadDuration   prometheus.Histogram

	// Receive path
	FramesDropped prometheus.Counter
}

// New creates and registers the instruments with reg. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveVoiceSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_voice_sessions",
			Help: "Current number of connected voice sessions",
		}),
		VoiceSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_voice_sessions_total",
			Help: "Total number of voice sessions established",
		}),
		ReconnectsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnects_recovered_total",
			Help: "Disconnects that recovered within the wait window",
		}),
		ReconnectsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnects_failed_total",
			Help: "Disconnects that did not recover and tore the session down",
		}),
		ActiveSpeakerSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_speaker_sessions",
			Help: "Current number of tracked speakers across all sessions",
		}),
		SpeakerSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_speaker_sessions_total",
			Help: "Total number of speaker sessions created",
		}),
		UtterancesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_utterances_flushed_total",
			Help: "Utterances drained and handed to the uploader",
		}),
		UtterancesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_utterances_discarded_total",
			Help: "Utterances dropped for being shorter than the minimum duration",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_utterance_duration_seconds",
			Help:    "Duration of flushed utterances",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),
		UploadsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_succeeded_total",
			Help: "Utterance uploads acknowledged by the backend",
		}),
		UploadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_failed_total",
			Help: "Utterance uploads that failed (network or non-2xx)",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_upload_duration_seconds",
			Help:    "Wall time of upload requests",
			Buckets: prometheus.DefBuckets,
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Decoded frames dropped on receive-path backpressure",
		}),
	}
}

func (m *Metrics) VoiceSessionUp() {
	if m == nil {
		return
	}
	m.ActiveVoiceSessions.Inc()
	m.VoiceSessionsTotal.Inc()
}

func (m *Metrics) VoiceSessionDown() {
	if m == nil {
		return
	}
	m.ActiveVoiceSessions.Dec()
}

func (m *Metrics) RecordReconnect(recovered bool) {
	if m == nil {
		return
	}
	if recovered {
		m.ReconnectsRecovered.Inc()
	} else {
		m.ReconnectsFailed.Inc()
	}
}

func (m *Metrics) SpeakerSessionUp() {
	if m == nil {
		return
	}
	m.ActiveSpeakerSessions.Inc()
	m.SpeakerSessionsTotal.Inc()
}

func (m *Metrics) SpeakerSessionDown() {
	if m == nil {
		return
	}
	m.ActiveSpeakerSessions.Dec()
}

func (m *Metrics) RecordFlush(durationMs float64) {
	if m == nil {
		return
	}
	m.UtterancesFlushed.Inc()
	m.UtteranceDuration.Observe(durationMs / 1000.0)
}

func (m *Metrics) RecordDiscard() {
	if m == nil {
		return
	}
	m.UtterancesDiscarded.Inc()
}

func (m *Metrics) RecordUpload(elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.UploadsSucceeded.Inc()
	} else {
		m.UploadsFailed.Inc()
	}
	m.UploadDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}
