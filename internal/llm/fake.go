package llm

import (
	"context"
	"strings"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// fakeProvider is a deterministic stand-in used for tests and for running
// the orchestrator without a configured upstream, grounded on the same
// no-network-call idiom as ocr.fakeEngine and embedding.fakeAdapter.
type fakeProvider struct {
	failNext int
}

// NewFakeProvider returns a Provider that echoes the last user message
// prefixed with a fixed marker, useful for asserting prompt assembly in
// orchestrator tests without depending on real model output.
func NewFakeProvider() Provider {
	return &fakeProvider{}
}

// NewFlakyFakeProvider fails the next failCount calls with
// docerr.TransientUpstream, then behaves like NewFakeProvider.
func NewFlakyFakeProvider(failCount int) Provider {
	return &fakeProvider{failNext: failCount}
}

func (p *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if p.failNext > 0 {
		p.failNext--
		return CompletionResponse{}, docerr.New(docerr.TransientUpstream, "llm.fake.Complete", nil)
	}
	var lastUser string
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			lastUser = m.Content
		}
	}
	model := req.Model
	if model == "" {
		model = "fake-1"
	}
	content := "answer: " + strings.TrimSpace(lastUser)
	return CompletionResponse{
		Content:    content,
		Model:      model,
		TokensUsed: len(strings.Fields(content)),
	}, nil
}
