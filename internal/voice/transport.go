package voice

import (
	"context"
	"time"
)

// State is a coarse voice connection state reported by the transport.
type State int

const (
	StateReady State = iota
	StateReconnecting
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// SpeakerEvent signals that a speaker started talking on the connection.
type SpeakerEvent struct {
	UserID string
}

// Dialer establishes voice connections. Dial blocks until the connection is
// ready or ctx expires; on failure nothing is left half-open.
type Dialer interface {
	Dial(ctx context.Context, guildID, channelID string) (Conn, error)
}

// Conn is one established voice connection. Close is idempotent and causes a
// terminal StateDestroyed on the state channel, after which the channel and
// every open stream are closed.
type Conn interface {
	Receiver() Receiver
	States() <-chan State
	Close() error
}

// Receiver exposes the receive side of a connection: who started talking,
// and a decoded sample stream per speaker. Streams are not auto-closed when a
// speaker pauses; they stay open across talk/pause cycles until explicitly
// closed.
type Receiver interface {
	Speaking() <-chan SpeakerEvent
	OpenStream(userID string) (SampleStream, error)
}

// SampleStream delivers decoded little-endian PCM16 chunks for one speaker.
// Chunks is closed on stream end; Err reports a sticky stream error, if any,
// once Chunks is closed. Close is idempotent.
type SampleStream interface {
	Chunks() <-chan []byte
	Err() error
	Close() error
}

// awaitState consumes connection states until one of accepted arrives or the
// timeout elapses. A closed channel counts as a timeout: the caller learns
// nothing more from a dead connection.
func awaitState(states <-chan State, timeout time.Duration, accepted ...State) (State, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return StateDestroyed, false
			}
			for _, want := range accepted {
				if st == want {
					return st, true
				}
			}
		case <-timer.C:
			return StateDestroyed, false
		}
	}
}
