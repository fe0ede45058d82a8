package schedule

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/openpersona/agent-runner/internal/domain"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},
		{"0 12 * * 1-5", false},
		{"*/5 * * * *", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestJob_Validate(t *testing.T) {
	valid := Job{
		Name:     "nightly",
		Cron:     "0 22 * * *",
		Personas: []string{"architect"},
		Task:     JobTask{Mode: "diff", DiffBase: "main"},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid job: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"empty name", func(j *Job) { j.Name = "" }},
		{"empty cron", func(j *Job) { j.Cron = "" }},
		{"bad cron", func(j *Job) { j.Cron = "whenever" }},
		{"no personas", func(j *Job) { j.Personas = nil }},
		{"bad mode", func(j *Job) { j.Task.Mode = "everything" }},
	}
	for _, tt := range tests {
		j := valid
		tt.mutate(&j)
		if err := j.Validate(); !domain.IsKind(err, domain.KindPolicyInvalid) {
			t.Errorf("%s: Validate = %v, want policy_invalid", tt.name, err)
		}
	}
}

func TestJob_DomainTask(t *testing.T) {
	j := Job{
		Name:     "nightly",
		Cron:     "0 22 * * *",
		Personas: []string{"architect"},
		Task:     JobTask{Mode: "directory", Dir: "internal", Exclude: []string{"vendor"}},
	}
	task := j.DomainTask()
	if task.Name != "nightly" || task.Mode != domain.ContextDirectory || task.Dir != "internal" {
		t.Errorf("DomainTask = %+v", task)
	}

	j.Task.Mode = ""
	if j.DomainTask().Mode != domain.ContextFullRepo {
		t.Error("empty mode must default to full-repo")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	content := `
[[job]]
name = "nightly-review"
cron = "0 22 * * *"
personas = ["architect", "skeptic"]

[job.task]
mode = "diff"
diff_base = "main"

[[job]]
name = "weekly-audit"
cron = "0 9 * * 1"
personas = ["auditor"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sched, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sched.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(sched.Jobs))
	}
	if sched.Jobs[0].Name != "nightly-review" || sched.Jobs[0].Task.DiffBase != "main" {
		t.Errorf("job[0] = %+v", sched.Jobs[0])
	}
	if len(sched.Jobs[0].Personas) != 2 {
		t.Errorf("personas = %v", sched.Jobs[0].Personas)
	}
}

func TestLoad_MissingFileIsEmptySchedule(t *testing.T) {
	sched, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sched.Jobs) != 0 {
		t.Errorf("jobs = %d, want 0", len(sched.Jobs))
	}
}

func TestLoad_InvalidJobRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	if err := os.WriteFile(path, []byte("[[job]]\nname = \"broken\"\ncron = \"nope\"\npersonas = [\"a\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !domain.IsKind(err, domain.KindPolicyInvalid) {
		t.Errorf("Load = %v, want policy_invalid", err)
	}
}

func TestDaemon_ReloadSwapsJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("[[job]]\nname = \"a\"\ncron = \"0 22 * * *\"\npersonas = [\"x\"]\n")

	d := NewDaemon(path, func(ctx context.Context, job Job) error { return nil },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer d.stop()
	if jobs := d.Jobs(); len(jobs) != 1 || jobs[0] != "a" {
		t.Fatalf("jobs = %v", jobs)
	}

	write("[[job]]\nname = \"a\"\ncron = \"0 22 * * *\"\npersonas = [\"x\"]\n\n[[job]]\nname = \"b\"\ncron = \"0 9 * * *\"\npersonas = [\"y\"]\n")
	if err := d.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if jobs := d.Jobs(); len(jobs) != 2 {
		t.Errorf("jobs after reload = %v", jobs)
	}
}

func TestDaemon_BadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")
	if err := os.WriteFile(path, []byte("[[job]]\nname = \"a\"\ncron = \"0 22 * * *\"\npersonas = [\"x\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDaemon(path, func(ctx context.Context, job Job) error { return nil },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer d.stop()

	if err := os.WriteFile(path, []byte("not toml at all ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.reload(context.Background()); err == nil {
		t.Fatal("reload of a broken file must fail")
	}
	if jobs := d.Jobs(); len(jobs) != 1 || jobs[0] != "a" {
		t.Errorf("jobs = %v, want previous schedule intact", jobs)
	}
}

func TestDaemon_SkipsOverlappingFirings(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	done := make(chan struct{}, 2)

	d := NewDaemon("unused", func(ctx context.Context, job Job) error {
		runs++
		close(started)
		<-release
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job := Job{Name: "a", Cron: "* * * * *", Personas: []string{"x"}}
	go func() { d.fire(context.Background(), job); done <- struct{}{} }()
	<-started
	// Second firing while the first is in flight must be dropped.
	d.fire(context.Background(), job)
	close(release)
	<-done

	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}
