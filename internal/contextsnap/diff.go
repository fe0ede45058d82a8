package contextsnap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openpersona/agent-runner/internal/domain"
)

// diff resolves an against-base diff and includes only changed file hunks
// plus surrounding context lines. The base is the merge-base with the
// configured branch unless the task names an explicit range.
func (a *Assembler) diff(root string, task domain.Task) ([]domain.ContextFile, error) {
	base := task.DiffBase
	if base == "" {
		base = a.diffBase
	}

	var diffRange string
	if strings.Contains(base, "..") {
		diffRange = base
	} else {
		mergeBase, err := gitOutput(root, "merge-base", base, "HEAD")
		if err != nil {
			return nil, fmt.Errorf("resolving merge-base with %s: %w", base, err)
		}
		diffRange = mergeBase + "..HEAD"
	}

	lines := a.contextLines
	if lines <= 0 {
		lines = 3
	}
	out, err := gitOutput(root, "diff", fmt.Sprintf("-U%d", lines), diffRange, "--")
	if err != nil {
		return nil, fmt.Errorf("diffing %s: %w", diffRange, err)
	}

	return splitDiff(out), nil
}

// splitDiff breaks unified diff output into one entry per changed file
func splitDiff(out string) []domain.ContextFile {
	var files []domain.ContextFile
	var cur *domain.ContextFile
	var body strings.Builder

	flush := func() {
		if cur == nil {
			return
		}
		content := body.String()
		sum := sha256.Sum256([]byte(content))
		cur.Content = content
		cur.SHA256 = hex.EncodeToString(sum[:])
		cur.Size = int64(len(content))
		files = append(files, *cur)
		cur = nil
		body.Reset()
	}

	for _, line := range strings.SplitAfter(out, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			cur = &domain.ContextFile{Path: diffPath(line)}
		}
		if cur != nil {
			body.WriteString(line)
		}
	}
	flush()
	return files
}

// diffPath extracts the post-image path from a "diff --git a/x b/x" line.
// Git quotes a path containing spaces or specials, so the post-image side
// is found by its ` b/` or ` "b/` separator rather than by field splitting.
func diffPath(line string) string {
	rest := strings.TrimPrefix(strings.TrimSpace(line), "diff --git ")
	if i := strings.Index(rest, ` "b/`); i >= 0 {
		p := rest[i+len(` "b/`):]
		return strings.TrimSuffix(p, `"`)
	}
	if i := strings.LastIndex(rest, " b/"); i >= 0 {
		return rest[i+len(" b/"):]
	}
	return strings.TrimPrefix(rest, "b/")
}

func gitOutput(root string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(string(out)), nil
}
