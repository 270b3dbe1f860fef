package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/agentvoice/internal/resilience"
	"github.com/MrWong99/agentvoice/internal/session"
)

// Providers returns a [Checker] that fails when every backend of one
// capability has an open circuit breaker. A half-open breaker counts as
// available because the next call will probe it.
func Providers(kind string, states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "providers/" + kind,
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return errors.New("no backend configured")
			}
			var open []string
			for name, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
				open = append(open, name)
			}
			sort.Strings(open)
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}

// Connection returns a [Checker] that fails while the duplex connection
// tracked by store is in the error state.
func Connection(store *session.Store) Checker {
	return Checker{
		Name: "realtime",
		Check: func(context.Context) error {
			snap := store.Snapshot()
			if snap.Connection != session.ConnError {
				return nil
			}
			if snap.LastError != "" {
				return fmt.Errorf("connection failed: %s", snap.LastError)
			}
			return errors.New("connection failed")
		},
	}
}
