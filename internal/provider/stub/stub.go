// Package stub is a deterministic offline provider. It echoes the persona
// prompt and context back as markdown, which makes it useful for wiring
// checks and tests without any backend credentials.
package stub

import (
	"context"
	"fmt"

	"github.com/openpersona/agent-runner/internal/provider"
)

// Provider implements provider.Provider without any backend
type Provider struct{}

// New creates a stub provider
func New() *Provider {
	return &Provider{}
}

// Name returns the registry name
func (p *Provider) Name() string {
	return "stub"
}

// Execute renders a fixed markdown report from the request
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := req.Persona.Prompt
	if len(prompt) > 800 {
		prompt = prompt[:800]
	}

	content := fmt.Sprintf(
		"# %s\n\n## NOTE\nThis is the stub provider output. Configure a real provider to produce actual findings.\n\n## Prompt (truncated)\n%s\n\n## Context\n%s\n",
		req.Persona.Title(), prompt, req.Context.Text())

	return &provider.Result{Content: content}, nil
}
