// Package converse defines the Provider interface for conversational agent
// backends: a user message goes in, a reply comes back as a stream of events.
//
// A buffered backend answers with a single [EventComplete]. A streaming
// backend emits any mix of [EventText], [EventTextDelta] and [EventAudio]
// before the final [EventComplete], or an [EventError]. [Reply] folds such a
// stream into one result; [Collect] drains a channel into a Reply.
//
// Implementations must be safe for concurrent use.
package converse

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoReply is returned by [Collect] when the stream ends without any reply
// text, audio or completion.
var ErrNoReply = errors.New("converse: stream ended without a reply")

// Request is one user message addressed to an agent.
type Request struct {
	// Message is the user's utterance.
	Message string

	// ConversationID continues an existing conversation. Empty starts a new one.
	ConversationID string

	// SessionID identifies the local chat session.
	SessionID string

	// AgentID selects the agent that answers.
	AgentID string

	// Stream asks the backend for an event stream instead of one buffered reply.
	Stream bool
}

// EventType names the kind of a reply [Event].
type EventType string

const (
	// EventText carries the full reply text so far; it replaces earlier text.
	EventText EventType = "text"

	// EventTextDelta carries a fragment to append to the reply text.
	EventTextDelta EventType = "text_delta"

	// EventAudio carries one chunk of synthesized reply audio.
	EventAudio EventType = "audio"

	// EventComplete ends the reply. Its Text, when set, is authoritative.
	EventComplete EventType = "complete"

	// EventError ends the reply with a failure.
	EventError EventType = "error"
)

// Event is one element of a reply stream.
type Event struct {
	Type EventType

	// Text is set for text, text_delta and (optionally) complete events.
	Text string

	// Audio holds decoded bytes for audio events.
	Audio []byte

	// ContentType is the MIME type of Audio (e.g. "audio/mpeg").
	ContentType string

	// MessageID and ConversationID are reported by complete events.
	MessageID      string
	ConversationID string

	// Err is set for error events.
	Err error
}

// Provider is the abstraction over any conversational backend.
type Provider interface {
	// Converse sends req and returns the reply stream. The channel is closed
	// after the final event or when ctx is cancelled. A non-nil error means
	// the request could not be started at all.
	Converse(ctx context.Context, req Request) (<-chan Event, error)
}

// Reply is the accumulated result of a reply stream.
type Reply struct {
	MessageID      string
	ConversationID string
	Text           string

	// Audio is the concatenation of all audio chunks, in arrival order.
	Audio       []byte
	ContentType string

	// Complete reports whether a complete event was seen.
	Complete bool
}

// Apply folds ev into r. text_delta appends, text replaces, and a complete
// event replaces the text only when it carries some, so no fragment is ever
// counted twice. An error event returns its error and leaves r unchanged.
func (r *Reply) Apply(ev Event) error {
	switch ev.Type {
	case EventTextDelta:
		r.Text += ev.Text
	case EventText:
		r.Text = ev.Text
	case EventAudio:
		r.Audio = append(r.Audio, ev.Audio...)
		if ev.ContentType != "" {
			r.ContentType = ev.ContentType
		}
	case EventComplete:
		if ev.Text != "" {
			r.Text = ev.Text
		}
		if ev.MessageID != "" {
			r.MessageID = ev.MessageID
		}
		if ev.ConversationID != "" {
			r.ConversationID = ev.ConversationID
		}
		r.Complete = true
	case EventError:
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Text != "" {
			return fmt.Errorf("converse: %s", ev.Text)
		}
		return errors.New("converse: backend reported an error")
	}
	return nil
}

// Collect drains events into a Reply. It stops at the first error event, on
// context cancellation, or when the channel closes. A stream that closes
// without a complete event is accepted when it produced text or audio.
func Collect(ctx context.Context, events <-chan Event) (Reply, error) {
	var r Reply
	for {
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if !r.Complete && r.Text == "" && len(r.Audio) == 0 {
					return r, ErrNoReply
				}
				return r, nil
			}
			if err := r.Apply(ev); err != nil {
				return r, err
			}
		}
	}
}
