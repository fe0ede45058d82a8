// Package sink renders finished runs for human consumption.
package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/openpersona/agent-runner/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	personaStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
)

// Stdout prints a sealed or aborted run with its persona outputs.
type Stdout struct {
	w io.Writer
}

// NewStdout returns a sink writing to w.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

// Print renders the run header followed by one section per persona result.
func (s *Stdout) Print(run *domain.Run, results []domain.PersonaResult) error {
	var b strings.Builder

	header := fmt.Sprintf("Run %s │ %s │ %s │ %d personas",
		run.ID, run.Task.Name, run.Status, len(run.Personas))
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(dimmedStyle.Render("created " + humanize.Time(run.CreatedAt)))
	b.WriteString("\n")
	if run.Status == domain.RunAborted && run.Reason != "" {
		b.WriteString(failStyle.Render("aborted: " + run.Reason))
		b.WriteString("\n")
	}

	for _, res := range results {
		b.WriteString("\n")
		b.WriteString(personaStyle.Render(res.Persona))
		b.WriteString(" ")
		if res.OK {
			b.WriteString(okStyle.Render("ok"))
			b.WriteString("\n")
			b.WriteString(sectionStyle.Render(strings.TrimRight(res.Output, "\n")))
		} else {
			b.WriteString(failStyle.Render(string(res.Kind)))
			b.WriteString("\n")
			b.WriteString(sectionStyle.Render(res.Message))
			if res.Partial != "" {
				b.WriteString("\n")
				b.WriteString(dimmedStyle.Render("partial output preserved"))
			}
		}
		b.WriteString("\n")
	}

	_, err := fmt.Fprintln(s.w, b.String())
	return err
}

// Summary renders one line per run for list output.
func (s *Stdout) Summary(runs []*domain.Run) error {
	for _, run := range runs {
		status := string(run.Status)
		switch run.Status {
		case domain.RunSealed:
			status = okStyle.Render(status)
		case domain.RunAborted:
			status = failStyle.Render(status)
		}
		_, err := fmt.Fprintf(s.w, "%s  %-20s %s  %s\n",
			run.ID, run.Task.Name, status, dimmedStyle.Render(humanize.Time(run.CreatedAt)))
		if err != nil {
			return err
		}
	}
	return nil
}
