// Package llm defines the chat-completion contract the Query Orchestrator
// (spec C11) invokes for its answer step, narrowed from the teacher's
// internal/llm.Provider (which also carries tool calls, streaming and
// image generation for its agent runtime) to the single request/response
// shape a grounded-document answer needs.
package llm

import "context"

// Role mirrors the provider-agnostic roles every backend maps onto its own
// wire format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest carries everything the Query Orchestrator assembles
// (spec §4.9 step 4-5): the prompt messages, sampling parameters, and the
// tenant id passed through as a per-request identifier for upstream
// auditing (spec §4.9 step 5).
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	TenantID    string
}

// CompletionResponse is a single non-streamed completion result.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensUsed int
}

// Provider completes one request. Implementations classify failures with
// docerr; the Anthropic, OpenAI and fake providers in this package report
// every backend failure as TransientUpstream (spec §4.9 Error policy).
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// DefaultTemperature and DefaultMaxTokens are the spec's documented
// defaults for an unspecified request (spec §4.9 step 5).
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)
