// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: tts.Result{Audio: []byte("mp3"), ContentType: "audio/mpeg"}}
//	res, _ := p.Synthesize(ctx, tts.Request{Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/lumi-journal/lumi/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider. All methods are safe
// for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when no error is queued.
	Result tts.Result

	// Errors is a queue of errors returned by successive Synthesize calls
	// before Result or Err take over.
	Errors []error

	// Err is returned by every Synthesize call once Errors is drained.
	Err error

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every Synthesize invocation in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCount counts ListVoices invocations.
	ListVoicesCount int
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Req: req})
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}
	if len(p.Errors) > 0 {
		err := p.Errors[0]
		p.Errors = p.Errors[1:]
		if err != nil {
			return tts.Result{}, err
		}
	}
	if p.Err != nil {
		return tts.Result{}, p.Err
	}
	return p.Result, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCount++
	return p.Voices, p.ListVoicesErr
}

// CallCount returns the number of Synthesize invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCount = 0
}
