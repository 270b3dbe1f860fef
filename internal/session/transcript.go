package session

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWriterBusy is returned by [Store.AcquireWriter] while another owner
	// holds the transcript.
	ErrWriterBusy = errors.New("session: transcript writer already held")

	// ErrWriterReleased is returned by operations on a released [Writer].
	ErrWriterReleased = errors.New("session: transcript writer released")
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of the transcript. Entries are append-only; only the most
// recent open entry of a role is ever extended.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Open      bool      `json:"open"`
}

// Writer is the exclusive right to append to a transcript. It is obtained
// from [Store.AcquireWriter] and must be released when its owner tears down.
type Writer struct {
	store *Store
	owner string
}

// AcquireWriter grants owner the transcript. While a writer is held, further
// calls return [ErrWriterBusy].
func (s *Store) AcquireWriter(owner string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil, fmt.Errorf("%w by %q", ErrWriterBusy, s.writer.owner)
	}
	w := &Writer{store: s, owner: owner}
	s.writer = w
	return w, nil
}

// Entries returns a copy of the transcript in append order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// SubscribeEntries registers fn to receive every appended or extended entry.
// The returned function removes the subscription.
func (s *Store) SubscribeEntries(fn func(Entry)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.entrySubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entrySubs, id)
	}
}

// ClearTranscript drops every entry. The duplex session calls it when the
// server replaces the conversation it was resuming.
func (s *Store) ClearTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
}

// Append adds a closed entry.
func (w *Writer) Append(role Role, content string) (Entry, error) {
	return w.mutate(func(s *Store) (Entry, error) {
		e := Entry{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   content,
			Timestamp: time.Now(),
		}
		s.transcript = append(s.transcript, e)
		return e, nil
	})
}

// Extend appends delta to the most recent entry of role if that entry is
// still open. Otherwise it opens a new entry holding delta.
func (w *Writer) Extend(role Role, delta string) (Entry, error) {
	return w.mutate(func(s *Store) (Entry, error) {
		for i := len(s.transcript) - 1; i >= 0; i-- {
			e := &s.transcript[i]
			if e.Role != role {
				continue
			}
			if e.Open {
				e.Content += delta
				return *e, nil
			}
			break
		}
		e := Entry{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   delta,
			Timestamp: time.Now(),
			Open:      true,
		}
		s.transcript = append(s.transcript, e)
		return e, nil
	})
}

// CloseOpen closes every open entry. It returns the number of entries closed.
func (w *Writer) CloseOpen() (int, error) {
	s := w.store
	s.mu.Lock()
	if s.writer != w {
		s.mu.Unlock()
		return 0, ErrWriterReleased
	}
	var closed []Entry
	for i := range s.transcript {
		if s.transcript[i].Open {
			s.transcript[i].Open = false
			closed = append(closed, s.transcript[i])
		}
	}
	subs := s.entrySubscribersLocked()
	s.mu.Unlock()

	for _, e := range closed {
		for _, fn := range subs {
			fn(e)
		}
	}
	return len(closed), nil
}

// Release gives up the transcript. Open entries are closed first. Release is
// idempotent.
func (w *Writer) Release() {
	if _, err := w.CloseOpen(); err != nil {
		return
	}
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == w {
		s.writer = nil
	}
}

func (w *Writer) mutate(fn func(*Store) (Entry, error)) (Entry, error) {
	s := w.store
	s.mu.Lock()
	if s.writer != w {
		s.mu.Unlock()
		return Entry{}, ErrWriterReleased
	}
	e, err := fn(s)
	subs := s.entrySubscribersLocked()
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	for _, fn := range subs {
		fn(e)
	}
	return e, nil
}

func (s *Store) entrySubscribersLocked() []func(Entry) {
	ids := make([]int, 0, len(s.entrySubs))
	for id := range s.entrySubs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Entry), len(ids))
	for i, id := range ids {
		out[i] = s.entrySubs[id]
	}
	return out
}
