package domain

import (
	"sort"
	"testing"
	"time"
)

func TestNewRunID_Sortable(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	t3 := t1.Add(time.Minute)

	ids := []string{NewRunID(t3), NewRunID(t1), NewRunID(t2)}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	if sorted[0] != ids[1] || sorted[1] != ids[2] || sorted[2] != ids[0] {
		t.Errorf("run IDs do not sort in creation order: %v", ids)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID(now)
		if seen[id] {
			t.Fatalf("duplicate run ID: %s", id)
		}
		seen[id] = true
	}
}

func TestRunIDTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 30, 45, 0, time.UTC)
	id := NewRunID(created)

	got, err := RunIDTime(id)
	if err != nil {
		t.Fatalf("RunIDTime(%q): %v", id, err)
	}
	if !got.Equal(created) {
		t.Errorf("RunIDTime = %v, want %v", got, created)
	}

	if _, err := RunIDTime("short"); err == nil {
		t.Error("expected error for malformed run ID")
	}
}

func TestRun_Settled(t *testing.T) {
	run := &Run{
		Personas: []string{"security", "performance"},
		Results:  map[string]PersonaResult{},
	}
	if run.Settled() {
		t.Error("empty run reported settled")
	}

	run.Results["security"] = Success("security", "ok", nil, time.Now(), time.Now())
	if run.Settled() {
		t.Error("half-recorded run reported settled")
	}

	run.Results["performance"] = Failed("performance", KindProviderTimeout, "deadline", "", time.Now(), time.Now())
	if !run.Settled() {
		t.Error("fully recorded run not settled")
	}
}

func TestRetentionPolicy_Validate(t *testing.T) {
	if err := (RetentionPolicy{Enabled: true, MaxAge: -time.Hour}).Validate(); !IsKind(err, KindPolicyInvalid) {
		t.Errorf("negative age: got %v, want policy_invalid", err)
	}
	if err := (RetentionPolicy{Enabled: false}).Validate(); err != nil {
		t.Errorf("disabled policy should validate, got %v", err)
	}
}
