package sink

import (
	"strings"
	"testing"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
)

func TestPrint(t *testing.T) {
	var b strings.Builder
	now := time.Now().Add(-time.Hour)
	run := &domain.Run{
		ID:        "20260829-120000-abcd1234",
		CreatedAt: now,
		Task:      domain.Task{Name: "review"},
		Personas:  []string{"architect", "skeptic"},
		Status:    domain.RunSealed,
	}
	results := []domain.PersonaResult{
		domain.Success("architect", "# Findings\nall good", nil, now, now),
		domain.Failed("skeptic", domain.KindProviderTimeout, "deadline exceeded", "half done", now, now),
	}

	if err := NewStdout(&b).Print(run, results); err != nil {
		t.Fatalf("Print: %v", err)
	}
	out := b.String()
	for _, want := range []string{"20260829-120000-abcd1234", "architect", "all good", "skeptic", "provider_timeout", "partial output preserved"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestPrint_AbortReason(t *testing.T) {
	var b strings.Builder
	run := &domain.Run{
		ID:        "20260829-120000-abcd1234",
		CreatedAt: time.Now(),
		Task:      domain.Task{Name: "review"},
		Status:    domain.RunAborted,
		Reason:    "run store unwritable",
	}
	if err := NewStdout(&b).Print(run, nil); err != nil {
		t.Fatalf("Print: %v", err)
	}
	if !strings.Contains(b.String(), "run store unwritable") {
		t.Error("abort reason not rendered")
	}
}

func TestSummary(t *testing.T) {
	var b strings.Builder
	runs := []*domain.Run{
		{ID: "20260829-120000-aaaa0001", CreatedAt: time.Now(), Task: domain.Task{Name: "review"}, Status: domain.RunSealed},
		{ID: "20260828-090000-bbbb0002", CreatedAt: time.Now().Add(-24 * time.Hour), Task: domain.Task{Name: "audit"}, Status: domain.RunAborted},
	}
	if err := NewStdout(&b).Summary(runs); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "review") || !strings.Contains(out, "audit") {
		t.Errorf("summary output = %q", out)
	}
	if len(strings.Split(strings.TrimSpace(out), "\n")) != 2 {
		t.Error("want one line per run")
	}
}
