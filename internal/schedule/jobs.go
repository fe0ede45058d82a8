// Package schedule runs recurring persona runs from a TOML schedule file,
// reloading it when it changes on disk.
package schedule

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/openpersona/agent-runner/internal/domain"
)

// Job is one scheduled run definition from the schedule file:
//
//	[[job]]
//	name = "nightly-review"
//	cron = "0 22 * * *"
//	personas = ["architect", "skeptic"]
//	[job.task]
//	mode = "diff"
//	diff_base = "main"
type Job struct {
	Name     string   `toml:"name"`
	Cron     string   `toml:"cron"`
	Personas []string `toml:"personas"`
	Task     JobTask  `toml:"task"`
}

// JobTask mirrors the task section of a job entry.
type JobTask struct {
	Mode     string   `toml:"mode"`
	Root     string   `toml:"root"`
	Dir      string   `toml:"dir"`
	Files    []string `toml:"files"`
	Include  []string `toml:"include"`
	Exclude  []string `toml:"exclude"`
	DiffBase string   `toml:"diff_base"`
	MaxBytes int64    `toml:"max_bytes"`
}

// Schedule holds all job configurations.
type Schedule struct {
	Jobs []Job `toml:"job"`
}

// Validate checks one job entry.
func (j *Job) Validate() error {
	if j.Name == "" {
		return domain.Errorf(domain.KindPolicyInvalid, "job name is required")
	}
	if j.Cron == "" {
		return domain.Errorf(domain.KindPolicyInvalid, "job %s: cron expression is required", j.Name)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return domain.Errorf(domain.KindPolicyInvalid, "job %s: invalid cron expression: %v", j.Name, err)
	}
	if len(j.Personas) == 0 {
		return domain.Errorf(domain.KindPolicyInvalid, "job %s: at least one persona is required", j.Name)
	}
	if j.Task.Mode != "" {
		if _, err := domain.ParseContextMode(j.Task.Mode); err != nil {
			return domain.Errorf(domain.KindPolicyInvalid, "job %s: %v", j.Name, err)
		}
	}
	return nil
}

// DomainTask converts the job's task section into a domain task. An empty
// mode defaults to a full repository snapshot.
func (j *Job) DomainTask() domain.Task {
	mode := domain.ContextFullRepo
	if j.Task.Mode != "" {
		mode, _ = domain.ParseContextMode(j.Task.Mode)
	}
	return domain.Task{
		Name:     j.Name,
		Mode:     mode,
		Root:     j.Task.Root,
		Dir:      j.Task.Dir,
		Files:    j.Task.Files,
		Include:  j.Task.Include,
		Exclude:  j.Task.Exclude,
		DiffBase: j.Task.DiffBase,
		MaxBytes: j.Task.MaxBytes,
	}
}

// ParseCron parses a standard five field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Load reads the schedule from a TOML file. A missing file is an empty
// schedule, not an error; a daemon can start before the first job exists.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Schedule{}, nil
		}
		return nil, err
	}

	var s Schedule
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}
	for i := range s.Jobs {
		if err := s.Jobs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
