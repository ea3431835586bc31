package voice

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// Test fixtures shared by the package tests. All audio math below assumes
// the 48kHz stereo PCM16 default: 192 bytes per millisecond.

// pcm returns ms milliseconds of audio filled with the given byte.
func pcm(ms int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, ms*192)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// capturingSink records every published utterance.
type capturingSink struct {
	mu   sync.Mutex
	utts []Utterance
}

func (c *capturingSink) Publish(u Utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utts = append(c.utts, u)
}

func (c *capturingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.utts)
}

func (c *capturingSink) all() []Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Utterance, len(c.utts))
	copy(out, c.utts)
	return out
}

// fakeStream is an in-memory SampleStream fed by tests.
type fakeStream struct {
	chunks chan []byte

	mu     sync.Mutex
	err    error
	closed int
}

func newFakeStream() *fakeStream {
	return &fakeStream{chunks: make(chan []byte, 64)}
}

func (f *fakeStream) Chunks() <-chan []byte { return f.chunks }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.closed == 1 {
		close(f.chunks)
	}
	return nil
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeReceiver hands out fakeStreams and tracks OpenStream calls.
type fakeReceiver struct {
	speaking chan SpeakerEvent

	mu          sync.Mutex
	streams     map[string]*fakeStream
	opens       []string
	openErr     error
	speakingCls bool
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		speaking: make(chan SpeakerEvent, 16),
		streams:  make(map[string]*fakeStream),
	}
}

func (f *fakeReceiver) Speaking() <-chan SpeakerEvent { return f.speaking }

func (f *fakeReceiver) OpenStream(userID string) (SampleStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	st := newFakeStream()
	f.streams[userID] = st
	f.opens = append(f.opens, userID)
	return st, nil
}

func (f *fakeReceiver) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeReceiver) stream(userID string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[userID]
}

func (f *fakeReceiver) closeSpeaking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.speakingCls {
		f.speakingCls = true
		close(f.speaking)
	}
}

// fakeConn is an established connection whose states channel the test
// drives. Close mirrors the real transport: terminal, closes the state and
// speaking channels.
type fakeConn struct {
	recv   *fakeReceiver
	states chan State

	mu      sync.Mutex
	closes  int
	stateCl bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		recv:   newFakeReceiver(),
		states: make(chan State, 16),
	}
}

func (c *fakeConn) Receiver() Receiver { return c.recv }
func (c *fakeConn) States() <-chan State { return c.states }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.stateCl {
		c.stateCl = true
		close(c.states)
	}
	c.recv.closeSpeaking()
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) emit(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stateCl {
		c.states <- st
	}
}

// fakeDialer returns a fresh fakeConn per Dial, or a canned error. With
// block set it waits out the context instead, to exercise timeouts.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, guildID, channelID string) (Conn, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}
