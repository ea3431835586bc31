package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
)

// VoiceSession pairs one established connection with the registry that owns
// its speaker sessions. Teardown cascades registry-first and runs at most
// once no matter how many paths reach it.
type VoiceSession struct {
	GuildID string

	conn     Conn
	registry *Registry
	once     sync.Once
}

func (vs *VoiceSession) teardown() {
	vs.once.Do(func() {
		vs.registry.DestroyAll()
		_ = vs.conn.Close()
	})
}

// Manager is the single source of truth for "is there an active voice
// connection for guild G". At most one VoiceSession is registered per guild;
// join replaces, leave removes, and unrecoverable disconnects clean up.
type Manager struct {
	dialer Dialer
	cfg    Config
	sink   Sink
	mets   *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*VoiceSession
}

func NewManager(dialer Dialer, cfg Config, sink Sink, m *metrics.Metrics) *Manager {
	return &Manager{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		sink:     sink,
		mets:     m,
		sessions: make(map[string]*VoiceSession),
	}
}

// Join connects to a guild voice channel. An existing session for the guild
// is torn down completely before the new connection is dialed; readiness is
// bounded by the configured timeout and a failed join leaves no partial
// state behind.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) error {
	if guildID == "" || channelID == "" {
		return fmt.Errorf("join: guild and channel IDs are required")
	}
	if old := m.pop(guildID); old != nil {
		logging.Infow("replacing existing voice session", "guild", guildID)
		old.teardown()
		m.mets.VoiceSessionDown()
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dialCtx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("join guild %s: %w", guildID, err)
	}

	vs := &VoiceSession{
		GuildID:  guildID,
		conn:     conn,
		registry: newRegistry(guildID, conn.Receiver(), m.cfg, m.sink, m.mets),
	}

	m.mu.Lock()
	for {
		cur, ok := m.sessions[guildID]
		if !ok {
			break
		}
		// A concurrent join for the same guild won the dial race. Join is a
		// replace, so the incumbent goes first; re-check after the teardown
		// in case another join landed while the lock was released.
		delete(m.sessions, guildID)
		m.mu.Unlock()
		cur.teardown()
		m.mets.VoiceSessionDown()
		m.mu.Lock()
	}
	m.sessions[guildID] = vs
	m.mu.Unlock()
	m.mets.VoiceSessionUp()

	go m.routeSpeaking(vs)
	go m.watch(vs)

	logging.Infow("voice session established", "guild", guildID, "channel", channelID)
	return nil
}

// Leave tears down the guild's session. Returns false when there is none.
func (m *Manager) Leave(guildID string) bool {
	vs := m.pop(guildID)
	if vs == nil {
		return false
	}
	vs.teardown()
	m.mets.VoiceSessionDown()
	logging.Infow("left voice channel", "guild", guildID)
	return true
}

// LeaveAll tears down every session. Used on shutdown so in-flight buffers
// flush before the process exits.
func (m *Manager) LeaveAll() {
	m.mu.Lock()
	guilds := make([]string, 0, len(m.sessions))
	for g := range m.sessions {
		guilds = append(guilds, g)
	}
	m.mu.Unlock()
	for _, g := range guilds {
		m.Leave(g)
	}
}

// SessionInfo is a point-in-time view of one session for monitoring.
type SessionInfo struct {
	GuildID  string   `json:"guild_id"`
	Speakers []string `json:"speakers"`
}

// Snapshot lists the active sessions and their tracked speakers.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for g, vs := range m.sessions {
		out = append(out, SessionInfo{GuildID: g, Speakers: vs.registry.Speakers()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// routeSpeaking forwards start-talking events into the session's registry
// until the receiver's event channel closes.
func (m *Manager) routeSpeaking(vs *VoiceSession) {
	for ev := range vs.conn.Receiver().Speaking() {
		vs.registry.OnSpeakerStarted(ev.UserID)
	}
}

// watch reacts to connection state transitions. A disconnect gets a bounded
// window to show a recovery signal; absent one, or on a destroyed signal,
// the session is cleaned up exactly once.
func (m *Manager) watch(vs *VoiceSession) {
	states := vs.conn.States()
	for st := range states {
		switch st {
		case StateDisconnected:
			logging.Warnw("voice connection disconnected", "guild", vs.GuildID)
			if got, ok := awaitState(states, m.cfg.RecoveryWait, StateReady, StateReconnecting, StateDestroyed); ok && got != StateDestroyed {
				m.mets.RecordReconnect(true)
				logging.Infow("voice connection recovering", "guild", vs.GuildID, "state", got.String())
				continue
			}
			m.mets.RecordReconnect(false)
			logging.Warnw("voice connection did not recover, tearing down", "guild", vs.GuildID)
			m.destroySession(vs)
			return
		case StateDestroyed:
			m.destroySession(vs)
			return
		}
	}
	// Channel closed without a terminal state; the connection is gone.
	m.destroySession(vs)
}

// destroySession removes vs from the map if it is still the registered entry
// for its guild, then releases its resources. The identity check keeps a
// stale session's cleanup from removing a newer one joined under the same
// guild.
func (m *Manager) destroySession(vs *VoiceSession) {
	m.mu.Lock()
	cur, ok := m.sessions[vs.GuildID]
	if ok && cur == vs {
		delete(m.sessions, vs.GuildID)
		m.mu.Unlock()
		m.mets.VoiceSessionDown()
		logging.Infow("voice session removed", "guild", vs.GuildID)
		vs.teardown()
		return
	}
	m.mu.Unlock()
	// Already replaced or removed; still release this session's resources.
	vs.teardown()
}

func (m *Manager) pop(guildID string) *VoiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.sessions[guildID]
	if !ok {
		return nil
	}
	delete(m.sessions, guildID)
	return vs
}
