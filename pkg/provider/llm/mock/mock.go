// Package mock provides a test double for the llm.Provider interface.
//
// The call pipeline streams spoken replies through StreamCompletion while the
// extractor uses Complete in JSON mode, so the mock lets tests script both
// paths independently and inspect the requests afterwards.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks:     []llm.Chunk{{Text: "Zaroor! "}, {Text: "Kitne log?", FinishReason: "stop"}},
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"MAKE_RESERVATION"}`},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/types"
)

// Call records a single invocation of StreamCompletion or Complete.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the CompletionRequest passed to the method.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted on the channel returned by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// StreamHold keeps the stream channel open after StreamChunks were sent
	// until the request context is cancelled. Use it to simulate a model that
	// is still generating when the caller barges in.
	StreamHold bool

	// CompleteResponse is returned by Complete when CompleteFunc is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned from Complete when CompleteFunc is
	// nil.
	CompleteErr error

	// CompleteFunc, if set, computes the result of every Complete call.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount is returned by CountTokens. Zero means estimate with
	// llm.EstimateTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []Call

	// CompleteCalls records every Complete invocation in order.
	CompleteCalls []Call
}

// StreamCompletion records the call and returns a channel that emits
// StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	hold := p.StreamHold
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Complete records the call and returns CompleteFunc's result, or
// CompleteResponse and CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CountTokens returns TokenCount, or an estimate when TokenCount is zero.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += llm.EstimateTokens(m.Content) + 4
	}
	return total, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// StreamCallCount returns the number of StreamCompletion calls. Thread-safe.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// CompleteCallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastStreamRequest returns the request of the most recent StreamCompletion
// call. Thread-safe.
func (p *Provider) LastStreamRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StreamCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.StreamCalls[len(p.StreamCalls)-1].Req, true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
