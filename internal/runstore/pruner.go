package runstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpersona/agent-runner/internal/domain"
)

// Pruner removes expired run directories according to a retention policy.
// Only terminal runs are ever touched. A run whose run.json cannot be read
// falls back to the timestamp encoded in its directory name; a directory
// with neither is left alone.
type Pruner struct {
	store *Store
	log   *slog.Logger
}

// NewPruner returns a pruner over the given store.
func NewPruner(store *Store, log *slog.Logger) *Pruner {
	return &Pruner{store: store, log: log}
}

// Prune deletes runs older than the policy allows and returns the IDs it
// removed. Each directory is renamed aside first so a crash mid-delete
// never leaves a live-looking but gutted run behind.
func (p *Pruner) Prune(policy domain.RetentionPolicy, now time.Time) ([]string, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return nil, nil
	}
	cutoff := now.Add(-policy.MaxAge)

	entries, err := os.ReadDir(filepath.Join(p.store.root, runsDir))
	if err != nil {
		return nil, domain.WrapErr(domain.KindStoreIO, err, "scan runs directory")
	}

	var pruned []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if strings.HasPrefix(id, ".prune-") {
			// Leftover from an interrupted prune.
			os.RemoveAll(filepath.Join(p.store.root, runsDir, id))
			continue
		}
		age, terminal := p.ageOf(id)
		if !terminal {
			continue
		}
		if age.IsZero() || !age.Before(cutoff) {
			continue
		}
		if err := p.remove(id); err != nil {
			p.log.Warn("prune failed", "run_id", id, "error", err)
			continue
		}
		pruned = append(pruned, id)
		p.log.Info("pruned run", "run_id", id)
	}
	return pruned, nil
}

// ageOf determines the reference time for a run and whether it is safe to
// prune. In-flight runs are never safe.
func (p *Pruner) ageOf(id string) (time.Time, bool) {
	run, err := p.store.Get(id)
	if err == nil {
		return run.CreatedAt, run.Status.Terminal()
	}
	// A corrupt or missing run.json means the run can never seal; treat it
	// as terminal and fall back to the ID timestamp for its age.
	if t, perr := domain.RunIDTime(id); perr == nil {
		return t, true
	}
	return time.Time{}, false
}

func (p *Pruner) remove(id string) error {
	dir := p.store.RunDir(id)
	doomed := filepath.Join(p.store.root, runsDir, ".prune-"+id)
	if err := os.Rename(dir, doomed); err != nil {
		return domain.WrapErr(domain.KindStoreIO, err, "stage prune of %s", id)
	}
	if err := os.RemoveAll(doomed); err != nil {
		return domain.WrapErr(domain.KindStoreIO, err, "remove %s", id)
	}
	if p.store.idx != nil {
		_ = p.store.idx.Delete(id)
	}
	return nil
}
