package schedule

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// debounce window for editors that fire several events per save
const reloadDebounce = 500 * time.Millisecond

// RunFunc executes one scheduled job.
type RunFunc func(ctx context.Context, job Job) error

// Daemon runs the schedule until its context is cancelled. The schedule
// file is watched and a changed file swaps the cron entries in place; a
// file that fails to parse keeps the previous schedule running.
type Daemon struct {
	path string
	run  RunFunc
	log  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries []string
	running map[string]bool
}

// NewDaemon builds a daemon over the schedule file at path.
func NewDaemon(path string, run RunFunc, log *slog.Logger) *Daemon {
	return &Daemon{
		path:    path,
		run:     run,
		log:     log,
		running: make(map[string]bool),
	}
}

// Start loads the schedule, begins the cron loop and the file watcher,
// and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory, not the file: editors and atomic writers
	// replace the file and break a direct watch.
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return err
	}

	var timer *time.Timer
	reloadCh := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			d.stop()
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				d.stop()
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(d.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
		case <-reloadCh:
			if err := d.reload(ctx); err != nil {
				d.log.Error("schedule reload failed, keeping previous schedule", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				d.stop()
				return nil
			}
			d.log.Warn("schedule watcher error", "error", err)
		}
	}
}

// Jobs returns the names of the currently scheduled jobs, for status
// output.
func (d *Daemon) Jobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron == nil {
		return nil
	}
	names := make([]string, 0, len(d.entries))
	for _, name := range d.entries {
		names = append(names, name)
	}
	return names
}

// reload parses the schedule file and swaps the cron instance. The old
// entries keep firing until the new schedule parses cleanly.
func (d *Daemon) reload(ctx context.Context) error {
	sched, err := Load(d.path)
	if err != nil {
		return err
	}

	c := cron.New()
	var names []string
	for _, job := range sched.Jobs {
		job := job
		if _, err := c.AddFunc(job.Cron, func() { d.fire(ctx, job) }); err != nil {
			return err
		}
		names = append(names, job.Name)
	}

	d.mu.Lock()
	old := d.cron
	d.cron = c
	d.entries = names
	d.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	c.Start()
	d.log.Info("schedule loaded", "path", d.path, "jobs", len(names))
	return nil
}

// fire runs one job, skipping it while a previous firing is still in
// flight.
func (d *Daemon) fire(ctx context.Context, job Job) {
	d.mu.Lock()
	if d.running[job.Name] {
		d.mu.Unlock()
		d.log.Warn("job still running, skipping this firing", "job", job.Name)
		return
	}
	d.running[job.Name] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running[job.Name] = false
		d.mu.Unlock()
	}()

	d.log.Info("job fired", "job", job.Name)
	if err := d.run(ctx, job); err != nil {
		d.log.Error("job failed", "job", job.Name, "error", err)
	}
}

func (d *Daemon) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		d.cron.Stop()
	}
}
