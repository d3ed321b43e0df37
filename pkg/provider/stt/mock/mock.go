// Package mock provides a test double for the stt.Provider interface.
//
// Script responses with Results and Errors; each Transcribe call consumes the
// next entry. When the scripts run out the last Result is repeated.
//
//	p := &mock.Provider{
//	    Errors:  []error{stt.NewError(stt.CodeRateLimit, nil)},
//	    Results: []stt.Result{{Text: "hello there"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/lumi-journal/lumi/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Errors are returned in order, one per call, before any Result.
	Errors []error

	// Results are returned in order once Errors are exhausted.
	Results []stt.Result

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted response.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{Req: req})
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	if len(p.Errors) > 0 {
		err := p.Errors[0]
		p.Errors = p.Errors[1:]
		if err != nil {
			return stt.Result{}, err
		}
	}
	switch len(p.Results) {
	case 0:
		return stt.Result{}, nil
	case 1:
		return p.Results[0], nil
	default:
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r, nil
	}
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ stt.Provider = (*Provider)(nil)
