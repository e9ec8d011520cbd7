// Package llm provides a provider-neutral text-completion interface used by
// the memory extraction pipeline. The memory engine only needs prompt-in /
// text-out; streaming and tool calling are deliberately not part of this
// contract.
package llm

import (
	"context"
)

// Client is the provider-neutral completion interface.
// Implementations handle provider-specific details internally.
type Client interface {
	// Complete sends a request and returns the complete response text.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request represents a single completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64 // Optional temperature override
}

// Response represents a completion response.
type Response struct {
	Text  string
	Usage *Usage
}

// Usage represents token usage information from a completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}
