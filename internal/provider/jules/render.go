package jules

import (
	"fmt"
	"strings"
)

const maxPatchBytes = 20000

// RenderMarkdown turns a terminal session and its ordered activities into
// the persona's markdown output. Rendering is a pure function of its
// inputs, so identical sessions produce identical reports.
func RenderMarkdown(session *Session, activities []Activity) string {
	var b strings.Builder
	b.WriteString("# Jules session result\n\n")
	fmt.Fprintf(&b, "- **Session:** `%s`\n", session.Name)
	fmt.Fprintf(&b, "- **State:** `%s`\n", session.State)
	if session.URL != "" {
		fmt.Fprintf(&b, "- **URL:** %s\n", session.URL)
	}
	b.WriteString("\n")

	var prURLs []string
	for _, o := range session.Outputs {
		if o.PullRequest.URL != "" {
			prURLs = append(prURLs, o.PullRequest.URL)
		}
	}
	if len(prURLs) > 0 {
		b.WriteString("## Outputs\n")
		for _, u := range prURLs {
			fmt.Fprintf(&b, "- Pull Request: %s\n", u)
		}
		b.WriteString("\n")
	}

	var messages []string
	var progress [][2]string
	var failures []string
	var patches []string
	for _, a := range activities {
		if a.AgentMessaged != nil && a.AgentMessaged.AgentMessage != "" {
			messages = append(messages, a.AgentMessaged.AgentMessage)
		}
		if a.ProgressUpdated != nil && (a.ProgressUpdated.Title != "" || a.ProgressUpdated.Description != "") {
			progress = append(progress, [2]string{a.ProgressUpdated.Title, a.ProgressUpdated.Description})
		}
		if a.SessionFailed != nil && a.SessionFailed.Reason != "" {
			failures = append(failures, a.SessionFailed.Reason)
		}
		for _, art := range a.Artifacts {
			if p := art.ChangeSet.GitPatch.UnidiffPatch; p != "" {
				patches = append(patches, p)
			}
		}
	}

	if len(progress) > 0 {
		b.WriteString("## Progress\n")
		for _, p := range progress {
			if p[0] != "" {
				fmt.Fprintf(&b, "- **%s**\n", p[0])
			}
			if p[1] != "" {
				fmt.Fprintf(&b, "  - %s\n", p[1])
			}
		}
		b.WriteString("\n")
	}

	if len(messages) > 0 {
		b.WriteString("## Agent messages\n")
		keep := messages
		if len(keep) > 10 {
			keep = keep[len(keep)-10:]
		}
		for _, m := range keep {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(m))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(patches) > 0 {
		b.WriteString("## Suggested patch (unidiff)\n")
		patch := patches[0]
		if len(patch) > maxPatchBytes {
			patch = patch[:maxPatchBytes] + "\n... (truncated)\n"
		}
		b.WriteString("```diff\n")
		b.WriteString(strings.TrimRight(patch, "\n"))
		b.WriteString("\n```\n\n")
	}

	if len(failures) > 0 {
		b.WriteString("## Failure reason\n")
		for _, r := range failures {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if len(messages) == 0 && len(patches) == 0 && len(prURLs) == 0 && len(progress) == 0 {
		b.WriteString("_No messages or artifacts were returned by the API._\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
