package engine

import (
	"strings"

	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/provider"
)

// preflight validates each persona's provider configuration before any run
// directory exists. Providers opt in by implementing provider.Preflighter;
// others pass by default. In strict mode any ERROR aborts the whole run,
// in lenient mode the broken personas are dropped and the rest proceed.
func (e *Engine) preflight(personas []domain.Persona, settings map[string]provider.ResolvedSettings, mode string) ([]domain.Persona, error) {
	if mode == "" {
		mode = "strict"
	}

	runnable := make([]domain.Persona, 0, len(personas))
	var failures []string
	for _, p := range personas {
		issues := e.check(p, settings[p.Name])
		blocked := false
		for _, is := range issues {
			if is.Level == "ERROR" {
				blocked = true
				e.log.Error("preflight", "persona", p.Name, "issue", is.Message, "fix", is.Fix)
			} else {
				e.log.Warn("preflight", "persona", p.Name, "issue", is.Message, "fix", is.Fix)
			}
		}
		if blocked {
			failures = append(failures, p.Name)
			continue
		}
		runnable = append(runnable, p)
	}

	if len(failures) > 0 && mode == "strict" {
		return nil, domain.Errorf(domain.KindPolicyInvalid, "preflight failed for %s", strings.Join(failures, ", "))
	}
	if len(runnable) == 0 {
		return nil, domain.Errorf(domain.KindPolicyInvalid, "no runnable personas after preflight")
	}
	return runnable, nil
}

func (e *Engine) check(p domain.Persona, settings provider.ResolvedSettings) []provider.Issue {
	prov, err := e.registry.Get(p.Provider)
	if err != nil {
		return []provider.Issue{{Level: "ERROR", Message: err.Error(), Fix: "register the provider or fix the persona's provider field"}}
	}
	pf, ok := prov.(provider.Preflighter)
	if !ok {
		return nil
	}
	return pf.Preflight(p, settings)
}
