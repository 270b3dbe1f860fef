// Package session owns the single state object of one voice chat context:
// connection, recording and playback status plus the transcript.
//
// Every mutation goes through a transition function on [Store]. Status
// changes are checked against explicit transition tables so that, for
// example, a connection can never jump from idle to connected without passing
// through connecting.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrIllegalTransition is returned when a status change is not permitted by
// the transition table.
var ErrIllegalTransition = errors.New("session: illegal state transition")

// ─── Connection status ────────────────────────────────────────────────────────

// ConnectionStatus is the lifecycle of one duplex connection attempt.
type ConnectionStatus int

const (
	ConnIdle ConnectionStatus = iota
	ConnConnecting
	ConnConnected
	ConnError
	ConnClosed
)

// String returns the wire name of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnError:
		return "error"
	case ConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// connTransitions lists the statuses reachable from each status. A closed
// connection may start a new attempt.
var connTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnIdle:       {ConnConnecting},
	ConnConnecting: {ConnConnected, ConnError, ConnClosed},
	ConnConnected:  {ConnError, ConnClosed},
	ConnError:      {ConnClosed},
	ConnClosed:     {ConnConnecting, ConnIdle},
}

// ─── Recording status ─────────────────────────────────────────────────────────

// RecordingStatus tracks the local microphone cycle.
type RecordingStatus int

const (
	RecIdle RecordingStatus = iota
	RecRecording
	RecProcessing
)

// String returns the wire name of the status.
func (s RecordingStatus) String() string {
	switch s {
	case RecIdle:
		return "idle"
	case RecRecording:
		return "recording"
	case RecProcessing:
		return "processing"
	default:
		return fmt.Sprintf("RecordingStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RecordingStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var recTransitions = map[RecordingStatus][]RecordingStatus{
	RecIdle:       {RecRecording},
	RecRecording:  {RecProcessing, RecIdle},
	RecProcessing: {RecIdle},
}

// ─── Playback status ──────────────────────────────────────────────────────────

// PlaybackStatus reports whether response audio is audible.
type PlaybackStatus int

const (
	PlaybackIdle PlaybackStatus = iota
	PlaybackPlaying
)

// String returns the wire name of the status.
func (s PlaybackStatus) String() string {
	if s == PlaybackPlaying {
		return "playing"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler.
func (s PlaybackStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ─── State ────────────────────────────────────────────────────────────────────

// State is an immutable snapshot of the session.
type State struct {
	Connection     ConnectionStatus `json:"connection"`
	Recording      RecordingStatus  `json:"recording"`
	Playback       PlaybackStatus   `json:"playback"`
	UserSpeaking   bool             `json:"user_speaking"`
	ConversationID string           `json:"conversation_id,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// Store is the single owner of a session's [State] and transcript.
//
// All methods are safe for concurrent use. Subscribers are invoked
// synchronously, in registration order, after the state lock has been
// released. State deliveries are serialized, so every subscriber sees the
// states in the order they were applied. A state subscriber must not mutate
// the store.
type Store struct {
	// notifyMu is held across one update and its fan-out.
	notifyMu sync.Mutex

	mu    sync.Mutex
	state State

	transcript []Entry
	writer     *Writer

	nextSub   int
	subs      map[int]func(State)
	entrySubs map[int]func(Entry)
}

// NewStore returns a Store in the initial idle state.
func NewStore() *Store {
	return &Store{
		subs:      make(map[int]func(State)),
		entrySubs: make(map[int]func(Entry)),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive every new state. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// TransitionConnection moves the connection status to "to". Moving to the
// current status is a no-op.
func (s *Store) TransitionConnection(to ConnectionStatus) error {
	return s.update(func(st *State) error {
		if st.Connection == to {
			return errNoChange
		}
		if !slices.Contains(connTransitions[st.Connection], to) {
			return fmt.Errorf("%w: connection %s -> %s", ErrIllegalTransition, st.Connection, to)
		}
		st.Connection = to
		return nil
	})
}

// SetRecording moves the recording status to "to". Moving to the current
// status is a no-op.
func (s *Store) SetRecording(to RecordingStatus) error {
	return s.update(func(st *State) error {
		if st.Recording == to {
			return errNoChange
		}
		if !slices.Contains(recTransitions[st.Recording], to) {
			return fmt.Errorf("%w: recording %s -> %s", ErrIllegalTransition, st.Recording, to)
		}
		st.Recording = to
		return nil
	})
}

// SetPlayback updates the playback flag.
func (s *Store) SetPlayback(playing bool) {
	to := PlaybackIdle
	if playing {
		to = PlaybackPlaying
	}
	_ = s.update(func(st *State) error {
		if st.Playback == to {
			return errNoChange
		}
		st.Playback = to
		return nil
	})
}

// SetUserSpeaking updates the server-side voice activity flag.
func (s *Store) SetUserSpeaking(v bool) {
	_ = s.update(func(st *State) error {
		if st.UserSpeaking == v {
			return errNoChange
		}
		st.UserSpeaking = v
		return nil
	})
}

// SetConversationID records the conversation id assigned by the backend.
func (s *Store) SetConversationID(id string) {
	_ = s.update(func(st *State) error {
		if st.ConversationID == id {
			return errNoChange
		}
		st.ConversationID = id
		return nil
	})
}

// SetLastError records err as the most recent failure. A nil err clears it.
func (s *Store) SetLastError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = s.update(func(st *State) error {
		if st.LastError == msg {
			return errNoChange
		}
		st.LastError = msg
		return nil
	})
}

// Reset returns connection, recording and playback state to idle. The
// conversation id and the transcript survive so a reconnect continues the
// same conversation.
func (s *Store) Reset() {
	_ = s.update(func(st *State) error {
		next := State{ConversationID: st.ConversationID}
		if *st == next {
			return errNoChange
		}
		*st = next
		return nil
	})
}

// errNoChange signals update that nothing changed and subscribers must not
// be notified.
var errNoChange = errors.New("no change")

func (s *Store) update(fn func(*State) error) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if err := fn(&s.state); err != nil {
		s.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	snap := s.state
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return nil
}

func (s *Store) subscribersLocked() []func(State) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(State), len(ids))
	for i, id := range ids {
		out[i] = s.subs[id]
	}
	return out
}
