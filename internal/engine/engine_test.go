package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/openpersona/agent-runner/internal/config"
	"github.com/openpersona/agent-runner/internal/contextsnap"
	"github.com/openpersona/agent-runner/internal/dispatch"
	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/provider"
	"github.com/openpersona/agent-runner/internal/runstore"
)

// sabotageProvider runs a hook before answering, letting a test damage the
// run store between CreateRun and the first RecordResult.
type sabotageProvider struct {
	arm func()
}

func (s *sabotageProvider) Name() string { return "sabotage" }

func (s *sabotageProvider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if s.arm != nil {
		s.arm()
	}
	return &provider.Result{Content: "report by " + req.Persona.Name}, nil
}

type echoProvider struct {
	fail   error
	issues []provider.Issue
}

func (e *echoProvider) Name() string { return "echo" }

func (e *echoProvider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	return &provider.Result{Content: "report by " + req.Persona.Name}, nil
}

func (e *echoProvider) Preflight(p domain.Persona, settings provider.ResolvedSettings) []provider.Issue {
	return e.issues
}

type harness struct {
	engine   *Engine
	store    *runstore.Store
	stateDir string
	repo     string
}

func newHarness(t *testing.T, providers map[string]provider.Provider) *harness {
	t.Helper()
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	stateDir := filepath.Join(base, ".agent-runner")
	store, err := runstore.Open(stateDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := provider.NewRegistry()
	for name, p := range providers {
		p := p
		reg.Register(name, func() (provider.Provider, error) { return p, nil })
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	asm := contextsnap.New(config.ContextConfig{MaxBytes: 1 << 20, ContextLines: 3})
	eng := New(asm, dispatch.New(reg, log), store, reg, log)
	eng.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	eng.backoff = time.Millisecond
	return &harness{engine: eng, store: store, stateDir: stateDir, repo: repo}
}

func (h *harness) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.repo, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) runDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.stateDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func filesTask(h *harness, files ...string) domain.Task {
	return domain.Task{Name: "review", Mode: domain.ContextFiles, Root: h.repo, Files: files}
}

func personas(names ...string) []domain.Persona {
	out := make([]domain.Persona, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Persona{Name: n, Provider: "echo", Prompt: "review this", Enabled: true})
	}
	return out
}

func TestStartRun_SealsWithAllResults(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{"echo": &echoProvider{}})
	h.writeFile(t, "a.go", "package a\n")

	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: personas("architect", "skeptic"),
		Policy:   dispatch.Policy{Parallelism: 2},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != domain.RunSealed {
		t.Fatalf("status = %s, want sealed (reason: %s)", run.Status, run.Reason)
	}
	if run.SealedAt == nil {
		t.Error("sealed run missing SealedAt")
	}

	// Seal observes exactly the requested persona set.
	got := append([]string(nil), run.Personas...)
	sort.Strings(got)
	want := []string{"architect", "skeptic"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("personas = %v, want %v", got, want)
		}
	}

	out, err := h.store.PersonaOutput(run.ID, "architect")
	if err != nil {
		t.Fatalf("PersonaOutput: %v", err)
	}
	if out != "report by architect" {
		t.Errorf("output = %q", out)
	}

	reloaded, err := h.store.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != domain.RunSealed {
		t.Errorf("persisted status = %s", reloaded.Status)
	}
}

func TestStartRun_MissingFileCreatesNoRunDir(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{"echo": &echoProvider{}})
	h.writeFile(t, "a.go", "package a\n")

	_, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go", "missing.go"),
		Personas: personas("architect"),
		Policy:   dispatch.Policy{Parallelism: 1},
	})
	if !domain.IsKind(err, domain.KindFileNotFound) {
		t.Fatalf("StartRun = %v, want file_not_found", err)
	}
	if dirs := h.runDirs(t); len(dirs) != 0 {
		t.Errorf("run directories created despite assembly failure: %v", dirs)
	}
}

func TestStartRun_ProviderFailureIsPersonaLocal(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{
		"echo": &echoProvider{},
		"bad":  &echoProvider{fail: domain.Errorf(domain.KindProviderFailure, "backend down")},
	})
	h.writeFile(t, "a.go", "package a\n")

	ps := personas("architect", "skeptic")
	ps[1].Provider = "bad"
	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: ps,
		Policy:   dispatch.Policy{Parallelism: 1},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != domain.RunSealed {
		t.Fatalf("status = %s, a persona failure must not abort the run", run.Status)
	}

	results, err := h.store.Results(run.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byName := map[string]domain.PersonaResult{}
	for _, r := range results {
		byName[r.Persona] = r
	}
	if !byName["architect"].OK {
		t.Error("architect should succeed")
	}
	if byName["skeptic"].OK || byName["skeptic"].Kind != domain.KindProviderFailure {
		t.Errorf("skeptic = %+v, want recorded provider_failure", byName["skeptic"])
	}
}

func TestStartRun_PreflightStrictAborts(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{
		"echo": &echoProvider{issues: []provider.Issue{{Level: "ERROR", Message: "api key missing", Fix: "set ECHO_API_KEY"}}},
	})
	h.writeFile(t, "a.go", "package a\n")

	_, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:          filesTask(h, "a.go"),
		Personas:      personas("architect"),
		Policy:        dispatch.Policy{Parallelism: 1},
		PreflightMode: "strict",
	})
	if !domain.IsKind(err, domain.KindPolicyInvalid) {
		t.Fatalf("StartRun = %v, want policy_invalid", err)
	}
	if dirs := h.runDirs(t); len(dirs) != 0 {
		t.Errorf("run directories created despite preflight failure: %v", dirs)
	}
}

func TestStartRun_PreflightLenientSkipsBrokenPersona(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{
		"echo": &echoProvider{},
		"bad":  &echoProvider{issues: []provider.Issue{{Level: "ERROR", Message: "no source configured"}}},
	})
	h.writeFile(t, "a.go", "package a\n")

	ps := personas("architect", "skeptic")
	ps[1].Provider = "bad"
	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:          filesTask(h, "a.go"),
		Personas:      ps,
		Policy:        dispatch.Policy{Parallelism: 1},
		PreflightMode: "lenient",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != domain.RunSealed {
		t.Fatalf("status = %s, want sealed", run.Status)
	}
	if len(run.Personas) != 1 || run.Personas[0] != "architect" {
		t.Errorf("personas = %v, want only architect after lenient preflight", run.Personas)
	}
}

func TestStartRun_WarnIssuesDoNotBlock(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{
		"echo": &echoProvider{issues: []provider.Issue{{Level: "WARN", Message: "branch auto-detected"}}},
	})
	h.writeFile(t, "a.go", "package a\n")

	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:          filesTask(h, "a.go"),
		Personas:      personas("architect"),
		Policy:        dispatch.Policy{Parallelism: 1},
		PreflightMode: "strict",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != domain.RunSealed {
		t.Errorf("status = %s, warnings must not block", run.Status)
	}
}

func TestStartRun_InvalidPolicy(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{"echo": &echoProvider{}})
	_, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: personas("architect"),
		Policy:   dispatch.Policy{Parallelism: 0},
	})
	if !domain.IsKind(err, domain.KindPolicyInvalid) {
		t.Errorf("StartRun = %v, want policy_invalid", err)
	}
}

// onlyRunDir finds the single run directory without touching testing.T, so
// it is safe to call from a provider goroutine.
func onlyRunDir(stateDir string) string {
	entries, _ := os.ReadDir(filepath.Join(stateDir, "runs"))
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(stateDir, "runs", e.Name())
		}
	}
	return ""
}

func TestStartRun_RecordRetryRecoversStore(t *testing.T) {
	sab := &sabotageProvider{}
	h := newHarness(t, map[string]provider.Provider{"echo": sab})
	h.writeFile(t, "a.go", "package a\n")

	var runDir string
	sab.arm = func() {
		runDir = onlyRunDir(h.stateDir)
		os.Rename(filepath.Join(runDir, "personas"), filepath.Join(runDir, "personas.gone"))
	}
	retries := 0
	h.engine.sleep = func(time.Duration) {
		retries++
		os.Rename(filepath.Join(runDir, "personas.gone"), filepath.Join(runDir, "personas"))
	}

	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: personas("architect"),
		Policy:   dispatch.Policy{Parallelism: 1},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if retries != 1 {
		t.Fatalf("retries = %d, want exactly one retry", retries)
	}
	if run.Status != domain.RunSealed {
		t.Fatalf("status = %s, want sealed after the retry succeeds (reason: %s)", run.Status, run.Reason)
	}
	out, err := h.store.PersonaOutput(run.ID, "architect")
	if err != nil || out != "report by architect" {
		t.Errorf("PersonaOutput = %q, %v", out, err)
	}
}

func TestStartRun_UnrecordableResultAborts(t *testing.T) {
	sab := &sabotageProvider{}
	h := newHarness(t, map[string]provider.Provider{"echo": sab})
	h.writeFile(t, "a.go", "package a\n")

	sab.arm = func() {
		os.RemoveAll(filepath.Join(onlyRunDir(h.stateDir), "personas"))
	}
	retries := 0
	h.engine.sleep = func(time.Duration) { retries++ }

	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: personas("architect"),
		Policy:   dispatch.Policy{Parallelism: 1},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if retries != 1 {
		t.Fatalf("retries = %d, want exactly one retry before giving up", retries)
	}
	if run.Status != domain.RunAborted {
		t.Fatalf("status = %s, want aborted when a result cannot be recorded", run.Status)
	}
	if !strings.Contains(run.Reason, "could not be recorded") {
		t.Errorf("reason = %q", run.Reason)
	}

	reloaded, err := h.store.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Status != domain.RunAborted || !strings.Contains(reloaded.Reason, "could not be recorded") {
		t.Errorf("persisted run = %s %q, want the abort record written best effort", reloaded.Status, reloaded.Reason)
	}
}

func TestStartRun_RunLogWritten(t *testing.T) {
	h := newHarness(t, map[string]provider.Provider{"echo": &echoProvider{}})
	h.writeFile(t, "a.go", "package a\n")

	run, err := h.engine.StartRun(context.Background(), RunRequest{
		Task:     filesTask(h, "a.go"),
		Personas: personas("architect"),
		Policy:   dispatch.Policy{Parallelism: 1},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	raw, err := h.store.ReadRunLog(run.ID)
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	if len(raw) == 0 {
		t.Error("run log is empty")
	}
}
