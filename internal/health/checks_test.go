package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/agentvoice/internal/resilience"
	"github.com/MrWong99/agentvoice/internal/session"
)

func TestProviders(t *testing.T) {
	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr string
	}{
		{name: "none", states: nil, wantErr: "no backend"},
		{name: "primary closed", states: map[string]resilience.State{"a": resilience.StateClosed, "b": resilience.StateOpen}},
		{name: "half-open counts", states: map[string]resilience.State{"a": resilience.StateOpen, "b": resilience.StateHalfOpen}},
		{name: "all open", states: map[string]resilience.State{"b": resilience.StateOpen, "a": resilience.StateOpen}, wantErr: "a, b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Providers("stt", func() map[string]resilience.State { return tc.states })
			if c.Name != "providers/stt" {
				t.Errorf("Name = %q", c.Name)
			}
			err := c.Check(context.Background())
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("Check = %v, want nil", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Errorf("Check = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestConnection(t *testing.T) {
	store := session.NewStore()
	c := Connection(store)

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("idle connection: %v", err)
	}

	if err := store.TransitionConnection(session.ConnConnecting); err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionConnection(session.ConnError); err != nil {
		t.Fatal(err)
	}
	store.SetLastError(errors.New("dial refused"))

	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "dial refused") {
		t.Errorf("Check = %v, want connection failure", err)
	}
}
