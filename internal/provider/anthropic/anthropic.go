// Package anthropic adapts the Anthropic Messages API to the provider
// contract using the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/provider"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
)

// Provider implements provider.Provider against the Anthropic API
type Provider struct{}

// New creates an Anthropic provider
func New() *Provider {
	return &Provider{}
}

// Name returns the registry name
func (p *Provider) Name() string {
	return "anthropic"
}

// Preflight checks that an API key is configured
func (p *Provider) Preflight(persona domain.Persona, s provider.ResolvedSettings) []provider.Issue {
	if s.APIKey == "" {
		return []provider.Issue{{
			Level:   "ERROR",
			Message: "Missing Anthropic API key.",
			Fix:     `export ANTHROPIC_API_KEY="..."`,
		}}
	}
	return nil
}

// Execute sends one message with the persona prompt as the system prompt
// and the assembled context as the user message.
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	s := req.Settings
	if s.APIKey == "" {
		return nil, domain.Errorf(domain.KindProviderFailure, "missing Anthropic API key")
	}

	opts := []option.RequestOption{option.WithAPIKey(s.APIKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	client := sdk.NewClient(opts...)

	model := s.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(s.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := req.Persona.Prompt
	if req.Persona.OutputSchema != "" {
		system += "\n\nAfter your markdown report, append a fenced ```json block matching this schema:\n" + req.Persona.OutputSchema
	}

	resp, err := client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Context.Text())),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.WrapErr(domain.KindProviderFailure, err, "anthropic API error")
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.AsText().Text)
		}
	}

	result := &provider.Result{
		Content: content.String(),
		RawMeta: map[string]string{
			"model":       model,
			"stop_reason": string(resp.StopReason),
		},
	}
	if req.Persona.OutputSchema != "" {
		result.Structured = extractJSON(result.Content)
	}
	return result, nil
}

// extractJSON pulls the last fenced json block out of a markdown report,
// returning nil when none parses.
func extractJSON(markdown string) json.RawMessage {
	const fence = "```json"
	start := strings.LastIndex(markdown, fence)
	if start < 0 {
		return nil
	}
	rest := markdown[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return nil
	}
	candidate := strings.TrimSpace(rest[:end])
	if !json.Valid([]byte(candidate)) {
		return nil
	}
	return json.RawMessage(candidate)
}
