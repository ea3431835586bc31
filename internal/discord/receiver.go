package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-relay/internal/codec"
	"github.com/discord-voice-relay/internal/logging"
	"github.com/discord-voice-relay/internal/metrics"
	"github.com/discord-voice-relay/internal/voice"
)

const (
	speakingEventBuffer = 32
	// streamChunkBuffer absorbs consumer hiccups; ~20ms frames make this a
	// bit over five seconds of audio before frames drop.
	streamChunkBuffer = 256
)

// receiver demultiplexes the connection's single packet feed into per-user
// decoded sample streams, keyed through the SSRC/user table maintained from
// speaking updates. Streams are only ever closed explicitly or when the
// connection goes away; a speaker pausing does not close their stream.
type receiver struct {
	guildID    string
	newDecoder codec.Factory
	sampleRate int
	channels   int
	mets       *metrics.Metrics

	speaking chan voice.SpeakerEvent

	mu         sync.Mutex
	userBySSRC map[uint32]string
	ssrcByUser map[string]uint32
	streams    map[string]*sampleStream
	closed     bool
}

var _ voice.Receiver = (*receiver)(nil)

func newReceiver(guildID string, factory codec.Factory, sampleRate, channels int, m *metrics.Metrics) *receiver {
	return &receiver{
		guildID:    guildID,
		newDecoder: factory,
		sampleRate: sampleRate,
		channels:   channels,
		mets:       m,
		speaking:   make(chan voice.SpeakerEvent, speakingEventBuffer),
		userBySSRC: make(map[uint32]string),
		ssrcByUser: make(map[string]uint32),
		streams:    make(map[string]*sampleStream),
	}
}

func (r *receiver) Speaking() <-chan voice.SpeakerEvent { return r.speaking }

// OpenStream creates the decoded sample stream for a user. The core opens at
// most one stream per speaker; a second open for the same user is a caller
// bug and fails.
func (r *receiver) OpenStream(userID string) (voice.SampleStream, error) {
	dec, err := r.newDecoder(r.sampleRate, r.channels)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	st := &sampleStream{
		userID: userID,
		recv:   r,
		dec:    dec,
		chunks: make(chan []byte, streamChunkBuffer),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("open stream for %s: connection closed", userID)
	}
	if _, ok := r.streams[userID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("open stream for %s: stream already open", userID)
	}
	r.streams[userID] = st
	r.mu.Unlock()
	return st, nil
}

// handleSpeaking maintains the SSRC/user table and surfaces start-talking
// events. Runs on the voice websocket goroutine.
func (r *receiver) handleSpeaking(su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	ssrc := uint32(su.SSRC)

	r.mu.Lock()
	if old, ok := r.ssrcByUser[su.UserID]; ok && old != ssrc {
		delete(r.userBySSRC, old)
	}
	r.ssrcByUser[su.UserID] = ssrc
	r.userBySSRC[ssrc] = su.UserID
	if !r.closed && su.Speaking {
		select {
		case r.speaking <- voice.SpeakerEvent{UserID: su.UserID}:
		default:
			logging.Warnw("speaking event dropped: consumer lagging",
				"guild", r.guildID, "user", su.UserID)
		}
	}
	r.mu.Unlock()

	logging.Debugw("speaking update",
		"guild", r.guildID, "user", su.UserID, "ssrc", su.SSRC, "speaking", su.Speaking)
}

// pumpPackets routes every received packet to the open stream for its
// speaker. Packets for speakers without an open stream are dropped; audio
// before the first start-talking signal has nowhere to go.
func (r *receiver) pumpPackets(packets <-chan *discordgo.Packet, closing <-chan struct{}) {
	for {
		select {
		case <-closing:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.route(pkt)
		}
	}
}

func (r *receiver) route(pkt *discordgo.Packet) {
	r.mu.Lock()
	var st *sampleStream
	if userID, ok := r.userBySSRC[pkt.SSRC]; ok {
		st = r.streams[userID]
	}
	r.mu.Unlock()
	if st == nil {
		return
	}
	st.deliver(pkt.Opus)
}

// dropStream removes a closed stream from the routing table if it is still
// the registered one for its user.
func (r *receiver) dropStream(userID string, st *sampleStream) {
	r.mu.Lock()
	if cur, ok := r.streams[userID]; ok && cur == st {
		delete(r.streams, userID)
	}
	r.mu.Unlock()
}

// closeAll tears down the receive side: no more speaking events, every open
// stream closed. Idempotent.
func (r *receiver) closeAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	taken := r.streams
	r.streams = make(map[string]*sampleStream)
	close(r.speaking)
	r.mu.Unlock()

	for _, st := range taken {
		_ = st.Close()
	}
}

// sampleStream is the per-user decoded feed. deliver runs on the
// connection's single packet pump; Chunks is consumed by the core's session
// pump. Delivery never blocks the shared pump: when the consumer lags past
// the buffer, frames drop and are counted.
type sampleStream struct {
	userID string
	recv   *receiver
	dec    codec.Decoder
	chunks chan []byte

	mu           sync.Mutex
	err          error
	closed       bool
	decodeLogged bool
}

var _ voice.SampleStream = (*sampleStream)(nil)

func (s *sampleStream) Chunks() <-chan []byte { return s.chunks }

func (s *sampleStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sampleStream) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pcm, err := s.dec.Decode(frame)
	if err != nil {
		// Keep the stream alive; one bad frame doesn't end the utterance.
		s.err = err
		if !s.decodeLogged {
			s.decodeLogged = true
			logging.Warnw("opus decode failed, dropping frames", "user", s.userID, "err", err)
		}
		return
	}
	if len(pcm) == 0 {
		return
	}
	select {
	case s.chunks <- pcm:
	default:
		s.recv.mets.RecordFrameDropped()
	}
}

func (s *sampleStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.chunks)
	s.mu.Unlock()

	s.recv.dropStream(s.userID, s)
	return nil
}
