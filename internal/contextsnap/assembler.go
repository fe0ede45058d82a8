// Package contextsnap assembles the deterministic, bounded input snapshot
// every persona in a run receives. Given an identical repository state and
// task, the produced file ordering and content are byte-identical across
// invocations.
package contextsnap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openpersona/agent-runner/internal/config"
	"github.com/openpersona/agent-runner/internal/domain"
)

// Assembler builds RunContext snapshots. It never mutates the source tree.
type Assembler struct {
	maxBytes     int64
	contextLines int
	diffBase     string
	exclude      []string
	include      []string
}

// New creates an Assembler from the context config section
func New(cfg config.ContextConfig) *Assembler {
	return &Assembler{
		maxBytes:     cfg.MaxBytes,
		contextLines: cfg.ContextLines,
		diffBase:     cfg.DiffBase,
		exclude:      cfg.Exclude,
		include:      cfg.Include,
	}
}

// Assemble materializes the snapshot for a task
func (a *Assembler) Assemble(task domain.Task) (*domain.RunContext, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	root := task.Root
	if root == "" {
		root = "."
	}

	var files []domain.ContextFile
	var err error
	switch task.Mode {
	case domain.ContextFullRepo:
		files, err = a.walk(root, root, task)
	case domain.ContextDirectory:
		files, err = a.walk(root, filepath.Join(root, task.Dir), task)
	case domain.ContextFiles:
		files, err = a.literal(root, task.Files)
	case domain.ContextDiff:
		files, err = a.diff(root, task)
	}
	if err != nil {
		return nil, err
	}

	// Stable order regardless of how the mode produced its entries.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var total int64
	for _, f := range files {
		total += f.Size
	}
	if max := a.effectiveMax(task); total > max {
		return nil, domain.Errorf(domain.KindContextTooLarge,
			"snapshot is %d bytes, ceiling is %d", total, max)
	}

	rc := &domain.RunContext{
		Mode:  task.Mode,
		Files: files,
		Total: total,
	}
	rc.Repo, rc.Branch = repoIdentity(root)
	return rc, nil
}

func (a *Assembler) effectiveMax(task domain.Task) int64 {
	if task.MaxBytes > 0 {
		return task.MaxBytes
	}
	return a.maxBytes
}

// walk collects files under start, honoring deny patterns first, then
// allow patterns. Paths are recorded relative to root with / separators.
func (a *Assembler) walk(root, start string, task domain.Task) ([]domain.ContextFile, error) {
	if _, err := os.Stat(start); err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Errorf(domain.KindFileNotFound, "directory not found: %s", start)
		}
		return nil, err
	}

	exclude := append(append([]string{}, a.exclude...), task.Exclude...)
	include := append(append([]string{}, a.include...), task.Include...)

	var files []domain.ContextFile
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && matchesAny(exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(exclude, rel) {
			return nil
		}
		if len(include) > 0 && !matchesAny(include, rel) {
			return nil
		}

		cf, ok, rerr := readEntry(root, rel)
		if rerr != nil {
			return rerr
		}
		if ok {
			files = append(files, cf)
		}
		return nil
	})
	return files, err
}

// literal includes an explicit file list verbatim; any missing entry fails
// the whole assembly. The binary heuristic only filters walked trees, a
// file named outright goes in as-is.
func (a *Assembler) literal(root string, names []string) ([]domain.ContextFile, error) {
	files := make([]domain.ContextFile, 0, len(names))
	for _, name := range names {
		rel := filepath.ToSlash(filepath.Clean(name))
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, domain.Errorf(domain.KindFileNotFound, "file not found: %s", name)
			}
			return nil, err
		}
		files = append(files, entryFor(rel, data))
	}
	return files, nil
}

func readEntry(root, rel string) (domain.ContextFile, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return domain.ContextFile{}, false, err
	}
	if isBinary(data) {
		return domain.ContextFile{}, false, nil
	}
	return entryFor(rel, data), true, nil
}

func entryFor(rel string, data []byte) domain.ContextFile {
	sum := sha256.Sum256(data)
	return domain.ContextFile{
		Path:    rel,
		Content: string(data),
		SHA256:  hex.EncodeToString(sum[:]),
		Size:    int64(len(data)),
	}
}

// isBinary uses the git heuristic of a NUL byte in the leading chunk
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// matchesAny checks a slash-relative path against glob patterns. A pattern
// matches the full path, the base name, or any leading directory, so
// "vendor" excludes the whole vendor tree and "*.md" matches by extension.
func matchesAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(rel)); ok {
			return true
		}
		if rel == pat || strings.HasPrefix(rel, pat+"/") {
			return true
		}
	}
	return false
}

// repoIdentity returns the origin URL and current branch, best effort
func repoIdentity(root string) (repo, branch string) {
	repo, _ = gitOutput(root, "config", "--get", "remote.origin.url")
	branch, _ = gitOutput(root, "rev-parse", "--abbrev-ref", "HEAD")
	if branch == "HEAD" {
		branch = ""
	}
	return repo, branch
}

