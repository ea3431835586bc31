package discord

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-relay/internal/codec"
)

// fakeDecoder echoes each frame back with a marker prefix so tests can tell
// decoded output apart from raw input. Frames starting with 0xFF fail.
type fakeDecoder struct{}

func (d *fakeDecoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) > 0 && frame[0] == 0xFF {
		return nil, errors.New("corrupt frame")
	}
	return append([]byte{0xDE, 0xC0}, frame...), nil
}

func fakeFactory(sampleRate, channels int) (codec.Decoder, error) {
	return &fakeDecoder{}, nil
}

func testReceiver() *receiver {
	return newReceiver("g1", fakeFactory, 48000, 2, nil)
}

// TestHandleSpeakingMapsSSRC verifies a speaking update records the mapping
// from SSRC to user ID and surfaces a start-talking event.
func TestHandleSpeakingMapsSSRC(t *testing.T) {
	r := testReceiver()

	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 12345, Speaking: true})

	r.mu.Lock()
	got := r.userBySSRC[12345]
	r.mu.Unlock()
	if got != "u1" {
		t.Fatalf("ssrc mapping mismatch: want=u1 got=%s", got)
	}

	select {
	case ev := <-r.speaking:
		if ev.UserID != "u1" {
			t.Fatalf("speaking event user: want=u1 got=%s", ev.UserID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no speaking event surfaced")
	}
}

// TestHandleSpeakingStopIsSilent verifies a stop-talking update maintains
// the mapping but emits no event; silence is detected by timer, not by this
// signal.
func TestHandleSpeakingStopIsSilent(t *testing.T) {
	r := testReceiver()

	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7, Speaking: false})

	r.mu.Lock()
	got := r.userBySSRC[7]
	r.mu.Unlock()
	if got != "u1" {
		t.Fatalf("ssrc mapping mismatch: want=u1 got=%s", got)
	}
	if len(r.speaking) != 0 {
		t.Fatalf("stop update must not surface an event")
	}
}

// TestHandleSpeakingRemapEvictsOldSSRC verifies a user moving to a new SSRC
// drops the old reverse mapping so stale packets stop routing to them.
func TestHandleSpeakingRemapEvictsOldSSRC(t *testing.T) {
	r := testReceiver()

	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 42, Speaking: true})
	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 43, Speaking: true})

	r.mu.Lock()
	_, oldAlive := r.userBySSRC[42]
	got := r.userBySSRC[43]
	r.mu.Unlock()
	if oldAlive {
		t.Fatalf("old ssrc mapping should be evicted")
	}
	if got != "u1" {
		t.Fatalf("new ssrc mapping mismatch: want=u1 got=%s", got)
	}
}

// TestPacketsRouteToOpenStream verifies the pump decodes packets for a
// mapped speaker into their open stream.
func TestPacketsRouteToOpenStream(t *testing.T) {
	r := testReceiver()
	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 42, Speaking: true})

	st, err := r.OpenStream("u1")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	packets := make(chan *discordgo.Packet, 4)
	closing := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.pumpPackets(packets, closing)
		close(done)
	}()

	packets <- &discordgo.Packet{SSRC: 42, Opus: []byte{0x01, 0x02}}
	// nil packets are tolerated; unmapped SSRCs are dropped.
	packets <- nil
	packets <- &discordgo.Packet{SSRC: 99, Opus: []byte{0x03}}
	close(packets)

	select {
	case chunk := <-st.Chunks():
		want := []byte{0xDE, 0xC0, 0x01, 0x02}
		if len(chunk) != len(want) || chunk[0] != want[0] || chunk[2] != want[2] {
			t.Fatalf("decoded chunk mismatch: want=%v got=%v", want, chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("no chunk delivered")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pump did not stop on channel close")
	}
	if len(st.Chunks()) != 0 {
		t.Fatalf("unmapped packet should not have been delivered")
	}
}

// TestPumpStopsOnClosing verifies the closing signal ends the pump even
// while the packet channel stays open.
func TestPumpStopsOnClosing(t *testing.T) {
	r := testReceiver()
	packets := make(chan *discordgo.Packet)
	closing := make(chan struct{})
	done := make(chan struct{})
	go func() {
		r.pumpPackets(packets, closing)
		close(done)
	}()

	close(closing)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pump did not stop on closing signal")
	}
}

// TestOpenStreamTwiceFails verifies the one-stream-per-speaker rule.
func TestOpenStreamTwiceFails(t *testing.T) {
	r := testReceiver()

	if _, err := r.OpenStream("u1"); err != nil {
		t.Fatalf("first OpenStream: %v", err)
	}
	if _, err := r.OpenStream("u1"); err == nil {
		t.Fatalf("second OpenStream for the same user should fail")
	}
}

// TestStreamCloseReopens verifies closing a stream frees the slot for a
// fresh open.
func TestStreamCloseReopens(t *testing.T) {
	r := testReceiver()

	st, err := r.OpenStream("u1")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := r.OpenStream("u1"); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

// TestDecodeErrorKeepsStreamAlive verifies one corrupt frame records a
// sticky error but later frames still flow.
func TestDecodeErrorKeepsStreamAlive(t *testing.T) {
	r := testReceiver()
	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 5, Speaking: true})
	st, err := r.OpenStream("u1")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	r.route(&discordgo.Packet{SSRC: 5, Opus: []byte{0xFF, 0x00}})
	if len(st.Chunks()) != 0 {
		t.Fatalf("corrupt frame must not produce a chunk")
	}
	if st.Err() == nil {
		t.Fatalf("decode failure should be recorded on the stream")
	}

	r.route(&discordgo.Packet{SSRC: 5, Opus: []byte{0x0A}})
	select {
	case <-st.Chunks():
	case <-time.After(time.Second):
		t.Fatalf("stream should keep delivering after a corrupt frame")
	}
}

// TestBackpressureDropsInsteadOfBlocking verifies a lagging consumer costs
// frames, never the shared pump.
func TestBackpressureDropsInsteadOfBlocking(t *testing.T) {
	r := testReceiver()
	r.handleSpeaking(&discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 9, Speaking: true})
	st, err := r.OpenStream("u1")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// Nothing consumes the stream; this returns only if delivery never blocks.
	for i := 0; i < streamChunkBuffer+10; i++ {
		r.route(&discordgo.Packet{SSRC: 9, Opus: []byte{byte(i)}})
	}

	if got := len(st.Chunks()); got != streamChunkBuffer {
		t.Fatalf("buffered chunks: want=%d got=%d", streamChunkBuffer, got)
	}
}

// TestCloseAllShutsReceiveSide verifies closeAll closes the speaking feed
// and every stream, and further opens fail.
func TestCloseAllShutsReceiveSide(t *testing.T) {
	r := testReceiver()
	st1, _ := r.OpenStream("u1")
	st2, _ := r.OpenStream("u2")

	r.closeAll()
	r.closeAll()

	if _, ok := <-r.Speaking(); ok {
		t.Fatalf("speaking channel should be closed")
	}
	if _, ok := <-st1.Chunks(); ok {
		t.Fatalf("stream u1 should be closed")
	}
	if _, ok := <-st2.Chunks(); ok {
		t.Fatalf("stream u2 should be closed")
	}
	if _, err := r.OpenStream("u3"); err == nil {
		t.Fatalf("OpenStream after closeAll should fail")
	}
}
