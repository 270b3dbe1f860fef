package session_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/agentvoice/internal/session"
)

func TestAcquireWriter_SingleOwner(t *testing.T) {
	s := session.NewStore()
	w, err := s.AcquireWriter("duplex")
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	if _, err := s.AcquireWriter("turn"); !errors.Is(err, session.ErrWriterBusy) {
		t.Fatalf("second acquire err = %v, want ErrWriterBusy", err)
	}

	w.Release()
	w.Release()

	if _, err := w.Append(session.RoleUser, "late"); !errors.Is(err, session.ErrWriterReleased) {
		t.Errorf("Append after Release err = %v", err)
	}
	if _, err := s.AcquireWriter("turn"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestWriter_ExtendAssemblesDeltas(t *testing.T) {
	s := session.NewStore()
	w, _ := s.AcquireWriter("test")

	if _, err := w.Extend(session.RoleAssistant, "Hel"); err != nil {
		t.Fatal(err)
	}
	// A user entry in between must not split the open assistant entry.
	if _, err := w.Append(session.RoleUser, "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Extend(session.RoleAssistant, "lo"); err != nil {
		t.Fatal(err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Content != "Hello" || !entries[0].Open {
		t.Errorf("assistant entry = %+v", entries[0])
	}
	if entries[1].Role != session.RoleUser || entries[1].Open {
		t.Errorf("user entry = %+v", entries[1])
	}

	n, err := w.CloseOpen()
	if err != nil || n != 1 {
		t.Fatalf("CloseOpen = %d, %v", n, err)
	}
	if _, err := w.Extend(session.RoleAssistant, "Next"); err != nil {
		t.Fatal(err)
	}
	entries = s.Entries()
	if len(entries) != 3 || entries[2].Content != "Next" {
		t.Errorf("closed entry was extended: %+v", entries)
	}
}

func TestEntries_ReturnsCopy(t *testing.T) {
	s := session.NewStore()
	w, _ := s.AcquireWriter("test")
	_, _ = w.Append(session.RoleUser, "one")

	got := s.Entries()
	got[0].Content = "mutated"
	if s.Entries()[0].Content != "one" {
		t.Error("Entries exposed internal storage")
	}
}

func TestSubscribeEntries(t *testing.T) {
	s := session.NewStore()
	var seen []session.Entry
	cancel := s.SubscribeEntries(func(e session.Entry) { seen = append(seen, e) })
	w, _ := s.AcquireWriter("test")

	_, _ = w.Extend(session.RoleAssistant, "a")
	_, _ = w.Extend(session.RoleAssistant, "b")
	_, _ = w.CloseOpen()
	cancel()
	_, _ = w.Append(session.RoleUser, "ignored")

	if len(seen) != 3 {
		t.Fatalf("notifications = %d, want 3", len(seen))
	}
	if seen[1].Content != "ab" || seen[2].Open {
		t.Errorf("seen = %+v", seen)
	}
}

func TestRelease_ClosesOpenEntries(t *testing.T) {
	s := session.NewStore()
	w, _ := s.AcquireWriter("test")
	_, _ = w.Extend(session.RoleAssistant, "partial")
	w.Release()

	if s.Entries()[0].Open {
		t.Error("Release left an open entry")
	}
	s.ClearTranscript()
	if len(s.Entries()) != 0 {
		t.Error("ClearTranscript kept entries")
	}
}
