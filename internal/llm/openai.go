package llm

import (
	"context"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// OpenAIConfig configures the OpenAI-backed Provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type openaiProvider struct {
	sdk          openaisdk.Client
	defaultModel string
}

// NewOpenAIProvider builds a Provider over the Chat Completions API,
// grounded on the teacher's internal/llm.CallLLM (the same SDK generalized
// here to v2 and adapted to the Provider interface).
func NewOpenAIProvider(cfg OpenAIConfig) Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openaiProvider{sdk: openaisdk.NewClient(opts...), defaultModel: model}
}

func (p *openaiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var msgs []openaisdk.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openaisdk.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openaisdk.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaisdk.UserMessage(m.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    msgs,
		Temperature: param.NewOpt(req.Temperature),
		MaxTokens:   param.NewOpt(int64(maxTokens)),
	}
	if req.TenantID != "" {
		params.SetExtraFields(map[string]any{"user": req.TenantID})
	}

	resp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, docerr.New(docerr.TransientUpstream, "llm.openai.Complete", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, docerr.New(docerr.TransientUpstream, "llm.openai.Complete", fmt.Errorf("no choices returned"))
	}

	return CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		Model:      string(resp.Model),
		TokensUsed: int(resp.Usage.TotalTokens),
	}, nil
}
