package voice

import (
	"sync"
	"time"

	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
	"github.com/google/uuid"
)

// SpeakerSession buffers one speaker's decoded audio and decides when an
// utterance is complete. Samples, timer expiry, stream closure and teardown
// may arrive on different goroutines; every transition runs under s.mu, and
// the buffer is drained by swap so a racing timeout flush and stream-close
// flush can never both see the same bytes.
type SpeakerSession struct {
	guildID string
	userID  string
	cfg     Config
	sink    Sink
	mets    *metrics.Metrics

	mu            sync.Mutex
	buf           []byte
	speaking      bool
	destroyed     bool
	timer         *time.Timer
	timerGen      uint64 // bumped on every arm/stop; stale callbacks no-op
	correlationID string
	stream        SampleStream // owned; closed on destroy
}

func newSpeakerSession(guildID, userID string, stream SampleStream, cfg Config, sink Sink, m *metrics.Metrics) *SpeakerSession {
	return &SpeakerSession{
		guildID: guildID,
		userID:  userID,
		cfg:     cfg,
		sink:    sink,
		mets:    m,
		stream:  stream,
	}
}

// Speaking reports whether the speaker is currently considered talking.
func (s *SpeakerSession) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// OnSamples appends a decoded chunk to the buffer, marks the speaker active
// and re-arms the silence timer. Called for every ~20ms frame; at most one
// timer is live at any instant.
func (s *SpeakerSession) OnSamples(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) == 0 {
		s.correlationID = uuid.NewString()
	}
	s.buf = append(s.buf, chunk...)
	s.speaking = true
	s.armTimerLocked()
	s.mu.Unlock()
}

// Refresh marks the speaker active and re-arms the silence timer without new
// audio. Used when a start-talking signal arrives for an already-live
// session.
func (s *SpeakerSession) Refresh() {
	s.mu.Lock()
	if !s.destroyed {
		s.speaking = true
		s.armTimerLocked()
	}
	s.mu.Unlock()
}

// OnStreamClosed flushes whatever is buffered and releases the session.
// Fired by the pump when the upstream sample stream ends; a session cannot
// outlive its stream, so this is a full teardown.
func (s *SpeakerSession) OnStreamClosed() { s.Destroy() }

// Destroy cancels the timer, flushes any remaining audio and closes the
// stream. Safe to call multiple times.
func (s *SpeakerSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.speaking = false
	s.stopTimerLocked()
	u := s.flushLocked()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	s.dispatch(u)
}

// onSilenceTimeout runs when no samples arrived for the quiet period. gen
// identifies the timer that was armed; a callback from a replaced or stopped
// timer is a no-op.
func (s *SpeakerSession) onSilenceTimeout(gen uint64) {
	s.mu.Lock()
	if s.destroyed || gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	s.timer = nil
	u := s.flushLocked()
	s.mu.Unlock()

	s.dispatch(u)
}

// armTimerLocked replaces any pending timer with a fresh quiet-period timer.
// Caller holds s.mu.
func (s *SpeakerSession) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.cfg.QuietPeriod, func() { s.onSilenceTimeout(gen) })
}

// stopTimerLocked cancels the pending timer and invalidates callbacks already
// in flight. Caller holds s.mu.
func (s *SpeakerSession) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// flushLocked drains the buffer and returns the utterance to deliver, or nil
// when the buffer is empty or below the minimum duration. Caller holds s.mu.
func (s *SpeakerSession) flushLocked() *Utterance {
	if len(s.buf) == 0 {
		return nil
	}
	pcm := s.buf
	s.buf = nil
	cid := s.correlationID
	s.correlationID = ""

	u := &Utterance{
		GuildID:       s.guildID,
		UserID:        s.userID,
		PCM:           pcm,
		SampleRate:    s.cfg.SampleRate,
		Channels:      s.cfg.Channels,
		Timestamp:     time.Now(),
		CorrelationID: cid,
	}
	if dur := time.Duration(u.DurationMs()) * time.Millisecond; dur < s.cfg.MinUtterance {
		s.mets.RecordDiscard()
		logging.Debugw("discarding short utterance",
			"guild", s.guildID, "user", s.userID, "correlation_id", cid,
			"duration_ms", u.DurationMs(), "bytes", len(pcm))
		return nil
	}
	s.mets.RecordFlush(float64(u.DurationMs()))
	return u
}

// dispatch hands a drained utterance to the sink on a detached goroutine.
// Upload outcome never feeds back into segmentation state.
func (s *SpeakerSession) dispatch(u *Utterance) {
	if u == nil {
		return
	}
	logging.Debugw("utterance flushed",
		"guild", u.GuildID, "user", u.UserID, "correlation_id", u.CorrelationID,
		"duration_ms", u.DurationMs(), "bytes", len(u.PCM))
	go s.sink.Publish(*u)
}
