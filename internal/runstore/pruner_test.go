package runstore

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
)

func testPruner(t *testing.T) (*Store, *Pruner) {
	t.Helper()
	s := openTestStore(t)
	return s, NewPruner(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sealAt(t *testing.T, s *Store, run *domain.Run, created time.Time) {
	t.Helper()
	run.CreatedAt = created
	if err := s.CreateRun(run, testContext()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.Seal(run, domain.RunSealed, "", created.Add(time.Minute)); err != nil {
		t.Fatalf("Seal: %v", err)
	}
}

func TestPrune_RemovesOnlyExpiredTerminalRuns(t *testing.T) {
	s, p := testPruner(t)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	old := testRun("20260601-100000-aaaa0001", "architect")
	sealAt(t, s, old, now.AddDate(0, 0, -40))

	fresh := testRun("20260828-100000-aaaa0002", "architect")
	sealAt(t, s, fresh, now.AddDate(0, 0, -1))

	inflight := testRun("20260501-100000-aaaa0003", "architect")
	inflight.CreatedAt = now.AddDate(0, 0, -60)
	inflight.Status = domain.RunDispatching
	if err := s.CreateRun(inflight, testContext()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	pruned, err := p.Prune(domain.RetentionPolicy{Enabled: true, MaxAge: 30 * 24 * time.Hour}, now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != old.ID {
		t.Errorf("pruned = %v, want only %s", pruned, old.ID)
	}
	if _, err := os.Stat(s.RunDir(old.ID)); !os.IsNotExist(err) {
		t.Error("expired run directory still present")
	}
	if _, err := os.Stat(s.RunDir(fresh.ID)); err != nil {
		t.Error("fresh run must survive")
	}
	if _, err := os.Stat(s.RunDir(inflight.ID)); err != nil {
		t.Error("in-flight run must never be pruned, whatever its age")
	}
}

func TestPrune_Disabled(t *testing.T) {
	s, p := testPruner(t)
	run := testRun("20250101-100000-aaaa0001", "architect")
	sealAt(t, s, run, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))

	pruned, err := p.Prune(domain.RetentionPolicy{Enabled: false}, time.Now())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("pruned = %v with retention disabled", pruned)
	}
}

func TestPrune_InvalidPolicy(t *testing.T) {
	_, p := testPruner(t)
	if _, err := p.Prune(domain.RetentionPolicy{Enabled: true, MaxAge: -time.Hour}, time.Now()); !domain.IsKind(err, domain.KindPolicyInvalid) {
		t.Errorf("Prune = %v, want policy_invalid", err)
	}
}

func TestPrune_CorruptRunFallsBackToIDTimestamp(t *testing.T) {
	s, p := testPruner(t)
	run := testRun("20250101-100000-bbbb0001", "architect")
	sealAt(t, s, run, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
	if err := os.WriteFile(s.RunDir(run.ID)+"/run.json", []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt run.json: %v", err)
	}

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	pruned, err := p.Prune(domain.RetentionPolicy{Enabled: true, MaxAge: 30 * 24 * time.Hour}, now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != run.ID {
		t.Errorf("pruned = %v, want corrupt run removed by ID age", pruned)
	}
}

func TestPrune_IndexRowsFollowDirectories(t *testing.T) {
	s, p := testPruner(t)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	run := testRun("20260601-100000-cccc0001", "architect")
	sealAt(t, s, run, now.AddDate(0, 0, -40))

	if _, err := p.Prune(domain.RetentionPolicy{Enabled: true, MaxAge: 30 * 24 * time.Hour}, now); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	runs, err := s.List(ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range runs {
		if r.ID == run.ID {
			t.Error("pruned run still listed")
		}
	}
}
