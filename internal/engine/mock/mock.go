// Package mock provides an in-memory mock implementation of [engine.Pipeline]
// for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. It is safe for concurrent use.
//
// Example:
//
//	p := &mock.Pipeline{PipelineMode: engine.ModeTurnBased}
//	ctrl, _ := recording.New(p)
//	_ = ctrl.Start(ctx)
//	// p.BeginCaptureCalls == 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentvoice/internal/engine"
)

// Compile-time interface assertion.
var _ engine.Pipeline = (*Pipeline)(nil)

// Pipeline is a mock implementation of [engine.Pipeline].
type Pipeline struct {
	mu sync.Mutex

	// PipelineMode is returned by Mode.
	PipelineMode engine.Mode

	// BeginErr, if non-nil, is returned by BeginCapture.
	BeginErr error

	// EndErr, if non-nil, is returned by EndCapture.
	EndErr error

	// IsBusy is returned by Busy.
	IsBusy bool

	// capturing is set by a successful BeginCapture and cleared by
	// EndCapture, Close and EndCaptureExternally.
	capturing bool

	// BeginCaptureCalls counts BeginCapture invocations.
	BeginCaptureCalls int

	// EndCaptureCalls counts EndCapture invocations.
	EndCaptureCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Mode implements [engine.Pipeline].
func (p *Pipeline) Mode() engine.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PipelineMode
}

// BeginCapture implements [engine.Pipeline].
func (p *Pipeline) BeginCapture(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BeginCaptureCalls++
	if p.BeginErr == nil {
		p.capturing = true
	}
	return p.BeginErr
}

// EndCapture implements [engine.Pipeline].
func (p *Pipeline) EndCapture(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EndCaptureCalls++
	p.capturing = false
	return p.EndErr
}

// Busy implements [engine.Pipeline].
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IsBusy
}

// Close implements [engine.Pipeline].
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	p.capturing = false
	return nil
}

// Capturing implements [engine.Pipeline].
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// EndCaptureExternally ends the capture cycle the way a socket drop or
// device loss would, without an EndCapture call.
func (p *Pipeline) EndCaptureExternally() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capturing = false
}

// SetBusy changes IsBusy under the lock.
func (p *Pipeline) SetBusy(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IsBusy = v
}

// Calls returns the BeginCapture and EndCapture counts.
func (p *Pipeline) Calls() (begin, end int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BeginCaptureCalls, p.EndCaptureCalls
}
