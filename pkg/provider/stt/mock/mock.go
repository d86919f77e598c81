// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to return a controlled Transcript (or error) and inspect the
// requests the caller submitted.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello there"}}
//	tr, _ := p.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context

	// Req is the request passed to Transcribe. Audio is a copy.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every successful Transcribe call.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Fn, if non-nil, computes the result instead of Result and Err.
	Fn func(ctx context.Context, req stt.Request) (stt.Transcript, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Result, Err (or the outcome of Fn).
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	cp := req
	cp.Audio = make([]byte, len(req.Audio))
	copy(cp.Audio, req.Audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: cp})
	fn, res, err := p.Fn, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
