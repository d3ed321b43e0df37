// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts, and it exposes fields that control return values.
//
// Typical usage:
//
//	src := &mock.Source{Frames: make(chan types.AudioFrame, 16)}
//	capture := audio.NewCapture(engine, src, cfg)
//	_ = capture.Start(ctx)
//	src.Frames <- types.AudioFrame{Data: pcm}
package mock

import (
	"context"
	"sync"

	"github.com/lumi-journal/lumi/pkg/audio"
	"github.com/lumi-journal/lumi/pkg/types"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Frames is returned by Open. The test owns it and may close it to end
	// the stream.
	Frames chan types.AudioFrame

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenCalls records how many times Open was called.
	OpenCalls int

	// CloseCalls records how many times Close was called.
	CloseCalls int
}

// Open implements [audio.Source].
func (s *Source) Open(context.Context) (<-chan types.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Frames == nil {
		s.Frames = make(chan types.AudioFrame)
	}
	return s.Frames, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}

// Calls returns the Open and Close counts.
func (s *Source) Calls() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OpenCalls, s.CloseCalls
}

var _ audio.Source = (*Source)(nil)
