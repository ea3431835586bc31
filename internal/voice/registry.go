package voice

import (
	"sort"
	"sync"

	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
)

// Registry owns the set of active SpeakerSessions for one voice connection
// and routes start-talking events to the right one, creating it on first
// sight. A speaker has at most one live session; repeat start events refresh
// it instead of opening a second stream.
type Registry struct {
	guildID string
	recv    Receiver
	cfg     Config
	sink    Sink
	mets    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*SpeakerSession
	closed   bool
}

func newRegistry(guildID string, recv Receiver, cfg Config, sink Sink, m *metrics.Metrics) *Registry {
	return &Registry{
		guildID:  guildID,
		recv:     recv,
		cfg:      cfg,
		sink:     sink,
		mets:     m,
		sessions: make(map[string]*SpeakerSession),
	}
}

// OnSpeakerStarted handles a start-talking signal. An existing session is
// refreshed; otherwise a decoded stream is opened and a new session wired to
// it. Stream-open failures are logged and dropped, never fatal.
func (r *Registry) OnSpeakerStarted(userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if sess, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		sess.Refresh()
		return
	}
	r.mu.Unlock()

	// Open outside the lock; the transport may block briefly.
	stream, err := r.recv.OpenStream(userID)
	if err != nil {
		logging.Warnw("failed to open sample stream", "guild", r.guildID, "user", userID, "err", err)
		return
	}

	sess := newSpeakerSession(r.guildID, userID, stream, r.cfg, r.sink, r.mets)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.Destroy()
		return
	}
	if existing, ok := r.sessions[userID]; ok {
		// Lost a race with a concurrent start for the same speaker; keep the
		// incumbent and fold this signal into a refresh.
		r.mu.Unlock()
		sess.Destroy()
		existing.Refresh()
		return
	}
	r.sessions[userID] = sess
	r.mu.Unlock()

	r.mets.SpeakerSessionUp()
	logging.Infow("speaker session started", "guild", r.guildID, "user", userID)
	go r.pump(userID, sess, stream)
}

// pump feeds decoded chunks into the session until the stream ends, then
// removes the session and runs its stream-close flush.
func (r *Registry) pump(userID string, sess *SpeakerSession, stream SampleStream) {
	for chunk := range stream.Chunks() {
		sess.OnSamples(chunk)
	}
	if err := stream.Err(); err != nil {
		logging.Warnw("sample stream error", "guild", r.guildID, "user", userID, "err", err)
	}
	r.remove(userID, sess)
	sess.OnStreamClosed()
	logging.Infow("speaker session ended", "guild", r.guildID, "user", userID)
}

// remove deletes the session from the map if it is still the registered one.
func (r *Registry) remove(userID string, sess *SpeakerSession) {
	r.mu.Lock()
	cur, ok := r.sessions[userID]
	if ok && cur == sess {
		delete(r.sessions, userID)
		r.mu.Unlock()
		r.mets.SpeakerSessionDown()
		return
	}
	r.mu.Unlock()
}

// DestroyAll tears down every registered session and clears the registry.
// The map is cleared up front, so one speaker's cleanup cannot block or skip
// the others. Idempotent.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	taken := r.sessions
	r.sessions = make(map[string]*SpeakerSession)
	r.mu.Unlock()

	for _, sess := range taken {
		sess.Destroy()
		r.mets.SpeakerSessionDown()
	}
	if len(taken) > 0 {
		logging.Infow("speaker sessions destroyed", "guild", r.guildID, "count", len(taken))
	}
}

// Speakers returns the user IDs with a live session, sorted for stable
// output.
func (r *Registry) Speakers() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
