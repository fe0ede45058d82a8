package domain

import "fmt"

// ContextMode selects what input context is assembled for a run
type ContextMode string

const (
	ContextFullRepo  ContextMode = "full-repo"
	ContextDiff      ContextMode = "diff"
	ContextDirectory ContextMode = "directory"
	ContextFiles     ContextMode = "files"
)

// ParseContextMode validates a mode string from config or CLI
func ParseContextMode(s string) (ContextMode, error) {
	switch ContextMode(s) {
	case ContextFullRepo, ContextDiff, ContextDirectory, ContextFiles:
		return ContextMode(s), nil
	}
	return "", Errorf(KindPolicyInvalid, "unknown context mode %q", s)
}

// Task is a scope descriptor: what input context to assemble for a run.
// Tasks are immutable and re-evaluated fresh per run.
type Task struct {
	Name     string      `json:"name"`
	Mode     ContextMode `json:"mode"`
	Root     string      `json:"root,omitempty"`
	Dir      string      `json:"dir,omitempty"`
	Files    []string    `json:"files,omitempty"`
	Include  []string    `json:"include,omitempty"`
	Exclude  []string    `json:"exclude,omitempty"`
	DiffBase string      `json:"diff_base,omitempty"`
	MaxBytes int64       `json:"max_bytes,omitempty"`
}

// Validate checks the task's mode-specific requirements
func (t *Task) Validate() error {
	if t.Name == "" {
		return Errorf(KindPolicyInvalid, "task name is required")
	}
	if _, err := ParseContextMode(string(t.Mode)); err != nil {
		return err
	}
	if t.Mode == ContextDirectory && t.Dir == "" {
		return Errorf(KindPolicyInvalid, "directory mode requires dir")
	}
	if t.Mode == ContextFiles && len(t.Files) == 0 {
		return Errorf(KindPolicyInvalid, "files mode requires at least one file")
	}
	return nil
}

// ContextFile is one entry of an assembled snapshot
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"-"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// RunContext is the materialized, deterministic snapshot a run executes
// against. It is built once per run, never mutated afterwards, and shared
// read-only across all personas in that run.
type RunContext struct {
	Mode     ContextMode   `json:"mode"`
	Files    []ContextFile `json:"files"`
	Total    int64         `json:"total_bytes"`
	Repo     string        `json:"repo,omitempty"`
	Branch   string        `json:"branch,omitempty"`
	PRNumber int           `json:"pr_number,omitempty"`
}

// Text renders the snapshot as the context block handed to providers.
// Output is a pure function of the snapshot, so identical snapshots
// produce identical prompts.
func (rc *RunContext) Text() string {
	var b []byte
	b = append(b, fmt.Sprintf("Context mode: %s\n", rc.Mode)...)
	if rc.Repo != "" {
		b = append(b, fmt.Sprintf("Repository: %s\n", rc.Repo)...)
	}
	if rc.Branch != "" {
		b = append(b, fmt.Sprintf("Branch: %s\n", rc.Branch)...)
	}
	for _, f := range rc.Files {
		b = append(b, fmt.Sprintf("\n--- %s (%d bytes)\n", f.Path, f.Size)...)
		b = append(b, f.Content...)
		if len(f.Content) > 0 && f.Content[len(f.Content)-1] != '\n' {
			b = append(b, '\n')
		}
	}
	return string(b)
}
