package llm

import (
	"context"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// AnthropicConfig configures the Anthropic-backed Provider, grounded on the
// teacher's internal/llm/anthropic.Client constructor (config.AnthropicConfig).
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type anthropicProvider struct {
	sdk          anthropicsdk.Client
	defaultModel string
}

// NewAnthropicProvider builds a Provider over the Anthropic Messages API,
// mirroring the teacher's option.WithAPIKey/WithHTTPClient/WithBaseURL
// construction and model-fallback idiom.
func NewAnthropicProvider(cfg AnthropicConfig, httpClient *http.Client) Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropicsdk.ModelClaude3_7SonnetLatest)
	}
	return &anthropicProvider{sdk: anthropicsdk.NewClient(opts...), defaultModel: model}
}

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	var system string
	var converted []anthropicsdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleAssistant:
			converted = append(converted, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
		Temperature: anthropicsdk.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	// the tenant id rides as a request-level metadata field for upstream
	// auditing (spec §4.9 step 5), the same ExtraFields escape hatch the
	// teacher's client uses for provider-specific params it doesn't model.
	if req.TenantID != "" {
		params.SetExtraFields(map[string]any{"metadata": map[string]string{"user_id": req.TenantID}})
	}

	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, docerr.New(docerr.TransientUpstream, "llm.anthropic.Complete", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}

	return CompletionResponse{
		Content:    content.String(),
		Model:      string(resp.Model),
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}
