package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/MrWong99/agentvoice/internal/observe"
	"github.com/MrWong99/agentvoice/internal/recording"
	"github.com/MrWong99/agentvoice/internal/session"
)

const (
	// eventBuffer is the number of events queued per stream before the
	// stream is closed as too slow.
	eventBuffer = 64

	writeTimeout = 5 * time.Second
)

// Event types pushed on /v1/events.
const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventError      = "error"
)

// Event is one message on the event stream.
type Event struct {
	Type  string         `json:"type"`
	State *session.State `json:"state,omitempty"`
	Entry *session.Entry `json:"entry,omitempty"`
	Error string         `json:"error,omitempty"`
}

// inbound is a message sent by the presentation layer on the event stream.
// Only "key" messages are understood.
type inbound struct {
	Type string              `json:"type"`
	Key  *recording.KeyEvent `json:"key,omitempty"`
}

func stateEvent(st session.State) Event { return Event{Type: EventState, State: &st} }
func entryEvent(e session.Entry) Event  { return Event{Type: EventTranscript, Entry: &e} }
func errorEvent(err error) Event        { return Event{Type: EventError, Error: err.Error()} }

// client is one open event stream.
type client struct {
	send chan Event
	conn *websocket.Conn
	once sync.Once
}

// push queues ev without blocking. A stream that cannot keep up is closed.
func (c *client) push(ev Event) {
	select {
	case c.send <- ev:
	default:
		c.once.Do(func() {
			go c.conn.Close(websocket.StatusPolicyViolation, "event stream too slow")
		})
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	})
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.push(ev)
	}
}

func (s *Server) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// handleEvents upgrades to a websocket, sends the current state and then
// forwards every state change and transcript entry. Key events sent by the
// client are applied to the recording controller.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("control: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan Event, eventBuffer), conn: conn}
	if !s.addClient(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.removeClient(c)

	log := observe.Logger(r.Context())
	log.Debug("control: event stream opened", "remote", r.RemoteAddr)

	c.push(stateEvent(s.store.Snapshot()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		s.readLoop(ctx, conn, c)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug("control: event stream closed", "remote", r.RemoteAddr)
			return
		case ev := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				log.Debug("control: event write", "err", err)
				return
			}
		}
	}
}

// readLoop applies inbound key events until the connection fails.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	limiter := rate.NewLimiter(s.keyRate, s.keyBurst)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "key" || msg.Key == nil {
			c.push(errorEvent(errors.New("unsupported message")))
			continue
		}
		if !limiter.Allow() {
			c.push(errorEvent(errors.New("rate limit exceeded")))
			continue
		}
		// Recording outlives the stream that started it.
		if err := s.rec.HandleKey(context.WithoutCancel(ctx), *msg.Key); err != nil {
			c.push(errorEvent(err))
		}
	}
}
