// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled connections. Use
// Conn to push server events and inspect the audio frames the session sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	conn.Push(realtime.Event{Type: realtime.EventSessionCreated})
//	conn.End(nil) // simulate a clean server close
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
)

// Ensure the mocks implement the realtime interfaces at compile time.
var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*Conn)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	Params realtime.Params
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh [Conn] per call.
	Conn *Conn

	// DialErr, if non-nil, is returned by Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	// Conns holds every connection returned by Dial.
	Conns []*Conn
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(_ context.Context, p realtime.Params) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Params: p})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := d.Conn
	if c == nil {
		c = NewConn()
	}
	d.Conns = append(d.Conns, c)
	return c, nil
}

// DialCount returns the number of Dial calls.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// LastConn returns the most recently dialled connection, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// SetDialErr changes DialErr under the lock.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErr = err
}

// Conn is a mock implementation of realtime.Conn.
type Conn struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent holds a copy of every frame passed to SendAudio.
	Sent [][]byte

	// CloseCalls counts Close invocations.
	CloseCalls int

	events  chan realtime.Event
	errVal  error
	endOnce sync.Once
	ended   bool
}

// NewConn returns a Conn with a buffered events channel.
func NewConn() *Conn {
	return &Conn{events: make(chan realtime.Event, 64)}
}

// Push delivers evt on the events channel. It is a no-op after End.
func (c *Conn) Push(evt realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- evt
}

// End simulates the socket ending with err (nil for a clean close) and
// closes the events channel.
func (c *Conn) End(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errVal = err
		c.ended = true
		close(c.events)
	})
}

// SendAudio records a copy of pcm.
func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return realtime.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, append([]byte(nil), pcm...))
	return nil
}

// Events returns the events channel.
func (c *Conn) Events() <-chan realtime.Event { return c.events }

// Err returns the error passed to End.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close records the call and ends the connection cleanly.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCalls++
	c.mu.Unlock()
	c.End(nil)
	return nil
}

// SentFrames returns a copy of all frames sent so far.
func (c *Conn) SentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Sent))
	copy(out, c.Sent)
	return out
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCalls > 0
}

// ErrSocket is a convenience error for simulating transport failures.
var ErrSocket = errors.New("mock: socket reset")
