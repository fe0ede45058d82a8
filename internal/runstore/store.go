// Package runstore persists run records under the state directory.
//
// Every run lives in its own directory named by run ID:
//
//	.agent-runner/runs/<run_id>/
//	    run.json                    run metadata and status
//	    inputs/manifest.json        context snapshot manifest (paths, hashes, sizes)
//	    personas/<name>/output.md   rendered report
//	    personas/<name>/output.json structured payload, only when present
//	    personas/<name>/error.json  failure record, only on failure
//	    logs/run.log                structured run log
//
// Directories are the source of truth. The sqlite index in index.db is a
// cache over them and can always be rebuilt by scanning.
package runstore

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
)

const (
	runsDir      = "runs"
	runFile      = "run.json"
	inputsDir    = "inputs"
	manifestFile = "manifest.json"
	personasDir  = "personas"
	outputFile   = "output.md"
	structFile   = "output.json"
	errorFile    = "error.json"
	logsDir      = "logs"
	runLogFile   = "run.log"
)

// Store writes and reads run records. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	root string // state directory, e.g. .agent-runner
	idx  *Index // may be nil when the index is unavailable
}

// Open prepares the store under stateDir, creating the runs directory and
// opening the sqlite index. An unusable index degrades to directory scans
// rather than failing the store.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, runsDir), 0o755); err != nil {
		return nil, domain.WrapErr(domain.KindStoreIO, err, "create runs directory")
	}
	s := &Store{root: stateDir}
	idx, err := OpenIndex(filepath.Join(stateDir, "index.db"))
	if err == nil {
		s.idx = idx
	}
	return s, nil
}

// Close releases the index handle.
func (s *Store) Close() error {
	if s.idx != nil {
		return s.idx.Close()
	}
	return nil
}

// RunDir returns the directory of a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runsDir, runID)
}

// manifestEntry is one context file as recorded in inputs/manifest.json.
// Content is never persisted, only its identity.
type manifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type manifest struct {
	Mode     string          `json:"mode"`
	Total    int64           `json:"total_bytes"`
	Repo     string          `json:"repo,omitempty"`
	Branch   string          `json:"branch,omitempty"`
	PRNumber int             `json:"pr_number,omitempty"`
	Files    []manifestEntry `json:"files"`
}

// CreateRun materializes the directory skeleton for a new run and writes
// the initial run.json plus the context manifest. The run directory must
// not already exist.
func (s *Store) CreateRun(run *domain.Run, rc *domain.RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(run.ID)
	if _, err := os.Stat(dir); err == nil {
		return domain.Errorf(domain.KindStoreIO, "run %s already exists", run.ID)
	}
	for _, sub := range []string{inputsDir, personasDir, logsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return domain.WrapErr(domain.KindStoreIO, err, "create run %s", run.ID)
		}
	}
	if err := s.writeJSON(filepath.Join(dir, runFile), run); err != nil {
		return err
	}
	m := manifest{
		Mode:     string(rc.Mode),
		Total:    rc.Total,
		Repo:     rc.Repo,
		Branch:   rc.Branch,
		PRNumber: rc.PRNumber,
		Files:    make([]manifestEntry, 0, len(rc.Files)),
	}
	for _, f := range rc.Files {
		m.Files = append(m.Files, manifestEntry{Path: f.Path, SHA256: f.SHA256, Size: f.Size})
	}
	if err := s.writeJSON(filepath.Join(dir, inputsDir, manifestFile), &m); err != nil {
		return err
	}
	if s.idx != nil {
		_ = s.idx.Upsert(run)
	}
	return nil
}

// RecordResult persists a persona outcome. The files are staged into a
// temporary directory and published with a single rename so readers never
// observe a half-written result. A second record for the same persona in
// the same run fails with a DuplicateResult error.
func (s *Store) RecordResult(runID string, res *domain.PersonaResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := filepath.Join(s.RunDir(runID), personasDir)
	final := filepath.Join(base, res.Persona)
	if _, err := os.Stat(final); err == nil {
		return domain.Errorf(domain.KindDuplicateResult, "result for persona %s already recorded in run %s", res.Persona, runID)
	}

	stage, err := os.MkdirTemp(base, "."+res.Persona+"-")
	if err != nil {
		return domain.WrapErr(domain.KindStoreIO, err, "stage result for %s", res.Persona)
	}
	defer os.RemoveAll(stage)

	if res.OK {
		if err := os.WriteFile(filepath.Join(stage, outputFile), []byte(res.Output), 0o644); err != nil {
			return domain.WrapErr(domain.KindStoreIO, err, "write output for %s", res.Persona)
		}
		if len(res.Structured) > 0 {
			if err := os.WriteFile(filepath.Join(stage, structFile), res.Structured, 0o644); err != nil {
				return domain.WrapErr(domain.KindStoreIO, err, "write structured output for %s", res.Persona)
			}
		}
	} else {
		rec := struct {
			Kind    domain.ErrorKind `json:"kind"`
			Message string           `json:"message"`
			Partial string           `json:"partial,omitempty"`
		}{res.Kind, res.Message, res.Partial}
		if err := s.writeJSON(filepath.Join(stage, errorFile), &rec); err != nil {
			return err
		}
		if res.Partial != "" {
			if err := os.WriteFile(filepath.Join(stage, outputFile), []byte(res.Partial), 0o644); err != nil {
				return domain.WrapErr(domain.KindStoreIO, err, "write partial output for %s", res.Persona)
			}
		}
	}

	if err := os.Rename(stage, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return domain.Errorf(domain.KindDuplicateResult, "result for persona %s already recorded in run %s", res.Persona, runID)
		}
		return domain.WrapErr(domain.KindStoreIO, err, "publish result for %s", res.Persona)
	}
	return nil
}

// UpdateRun rewrites run.json for an in-flight run.
func (s *Store) UpdateRun(run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeJSON(filepath.Join(s.RunDir(run.ID), runFile), run); err != nil {
		return err
	}
	if s.idx != nil {
		_ = s.idx.Upsert(run)
	}
	return nil
}

// Seal marks the run terminal and writes the final run.json. Sealing an
// already terminal run is an error.
func (s *Store) Seal(run *domain.Run, status domain.RunStatus, reason string, at time.Time) error {
	if run.Status.Terminal() {
		return domain.Errorf(domain.KindStoreIO, "run %s is already %s", run.ID, run.Status)
	}
	run.Status = status
	run.Reason = reason
	t := at.UTC()
	run.SealedAt = &t
	return s.UpdateRun(run)
}

// Get loads a run record from its directory.
func (s *Store) Get(runID string) (*domain.Run, error) {
	raw, err := os.ReadFile(filepath.Join(s.RunDir(runID), runFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindFileNotFound, "run %s not found", runID)
		}
		return nil, domain.WrapErr(domain.KindStoreIO, err, "read run %s", runID)
	}
	var run domain.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, domain.WrapErr(domain.KindStoreIO, err, "decode run %s", runID)
	}
	return &run, nil
}

// ListFilter narrows List output. Zero values match everything.
type ListFilter struct {
	Status domain.RunStatus
	Task   string
	Limit  int
}

func (f ListFilter) matches(run *domain.Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.Task != "" && run.Task.Name != f.Task {
		return false
	}
	return true
}

// List returns matching runs, newest first. The sqlite index answers when
// it is healthy; otherwise the runs directory is scanned.
func (s *Store) List(f ListFilter) ([]*domain.Run, error) {
	var runs []*domain.Run
	var err error
	if s.idx != nil {
		runs, err = s.idx.List()
	}
	if s.idx == nil || err != nil {
		runs, err = s.scan()
		if err != nil {
			return nil, err
		}
	}

	out := runs[:0]
	for _, run := range runs {
		if f.matches(run) {
			out = append(out, run)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) scan() ([]*domain.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, runsDir))
	if err != nil {
		return nil, domain.WrapErr(domain.KindStoreIO, err, "scan runs directory")
	}
	var runs []*domain.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	return runs, nil
}

// RebuildIndex repopulates the sqlite index from the run directories.
func (s *Store) RebuildIndex() error {
	if s.idx == nil {
		return nil
	}
	runs, err := s.scan()
	if err != nil {
		return err
	}
	return s.idx.Rebuild(runs)
}

// Results reconstructs persona outcomes from a run's personas directory,
// sorted by persona name. Timing information is not recoverable from disk
// and is left zero.
func (s *Store) Results(runID string) ([]domain.PersonaResult, error) {
	base := filepath.Join(s.RunDir(runID), personasDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindFileNotFound, "run %s not found", runID)
		}
		return nil, domain.WrapErr(domain.KindStoreIO, err, "scan results for run %s", runID)
	}
	var out []domain.PersonaResult
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		res := domain.PersonaResult{Persona: e.Name()}
		if raw, err := os.ReadFile(filepath.Join(base, e.Name(), errorFile)); err == nil {
			var rec struct {
				Kind    domain.ErrorKind `json:"kind"`
				Message string           `json:"message"`
				Partial string           `json:"partial"`
			}
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, domain.WrapErr(domain.KindStoreIO, err, "decode error record for %s", e.Name())
			}
			res.Kind = rec.Kind
			res.Message = rec.Message
			res.Partial = rec.Partial
		} else {
			res.OK = true
			if raw, err := os.ReadFile(filepath.Join(base, e.Name(), outputFile)); err == nil {
				res.Output = string(raw)
			}
			if raw, err := os.ReadFile(filepath.Join(base, e.Name(), structFile)); err == nil {
				res.Structured = raw
			}
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Persona < out[j].Persona })
	return out, nil
}

// PersonaOutput reads the rendered report of one persona in a run.
func (s *Store) PersonaOutput(runID, persona string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.RunDir(runID), personasDir, persona, outputFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.Errorf(domain.KindFileNotFound, "no output for persona %s in run %s", persona, runID)
		}
		return "", domain.WrapErr(domain.KindStoreIO, err, "read output for %s", persona)
	}
	return string(raw), nil
}

// OpenRunLog opens the append-only run log for writing.
func (s *Store) OpenRunLog(runID string) (io.WriteCloser, error) {
	path := filepath.Join(s.RunDir(runID), logsDir, runLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStoreIO, err, "open run log for %s", runID)
	}
	return f, nil
}

// ReadRunLog returns the raw run log contents.
func (s *Store) ReadRunLog(runID string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.RunDir(runID), logsDir, runLogFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindFileNotFound, "no log for run %s", runID)
		}
		return nil, domain.WrapErr(domain.KindStoreIO, err, "read log for run %s", runID)
	}
	return raw, nil
}

// writeJSON writes v to path via a temp file and rename so a crash never
// leaves a torn file behind.
func (s *Store) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapErr(domain.KindStoreIO, err, "encode %s", filepath.Base(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return domain.WrapErr(domain.KindStoreIO, err, "stage %s", filepath.Base(path))
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(append(raw, '\n'))
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return domain.WrapErr(domain.KindStoreIO, werr, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return domain.WrapErr(domain.KindStoreIO, err, "publish %s", filepath.Base(path))
	}
	return nil
}
