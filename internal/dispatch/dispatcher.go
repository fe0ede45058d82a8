// Package dispatch fans one run's personas out to provider adapters under a
// bounded concurrency policy, isolating every per-persona failure. A panic,
// backend error, or expired deadline in one persona's execution path never
// prevents sibling personas from completing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/provider"
)

// Policy bounds one run's dispatch
type Policy struct {
	// Parallelism is the worker bound. 1 means strictly sequential
	// execution in input order.
	Parallelism int
	// RunTimeout caps the whole run; the smaller of it and a persona's
	// own timeout governs each execution.
	RunTimeout time.Duration
	// DefectGrace is how long past cancellation an adapter may take to
	// return before it is declared defective.
	DefectGrace time.Duration
}

// Validate rejects unusable policies
func (p Policy) Validate() error {
	if p.Parallelism < 1 {
		return domain.Errorf(domain.KindPolicyInvalid, "parallelism must be >= 1, got %d", p.Parallelism)
	}
	return nil
}

const defaultDefectGrace = 2 * time.Second

// Dispatcher executes personas against registered providers
type Dispatcher struct {
	registry *provider.Registry
	log      *slog.Logger
}

// New creates a Dispatcher
func New(registry *provider.Registry, log *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, log: log}
}

// Dispatch launches all persona executions and streams results as they
// settle. The returned channel is closed once every persona has exactly one
// result. The RunContext is shared read-only; no persona observes another's
// in-flight state.
func (d *Dispatcher) Dispatch(ctx context.Context, personas []domain.Persona, rc *domain.RunContext, settings map[string]provider.ResolvedSettings, policy Policy) (<-chan domain.PersonaResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	runCtx := ctx
	cancelRun := func() {}
	if policy.RunTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, policy.RunTimeout)
	}

	results := make(chan domain.PersonaResult, len(personas))

	g := new(errgroup.Group)
	g.SetLimit(policy.Parallelism)

	go func() {
		for _, p := range personas {
			p := p
			// With a limit of 1 this blocks until the previous persona
			// settles, which preserves input order exactly.
			g.Go(func() error {
				results <- d.runOne(runCtx, p, rc, settings[p.Name], policy)
				return nil
			})
		}
		g.Wait()
		cancelRun()
		close(results)
	}()

	return results, nil
}

// runOne executes a single persona inside its own cancellation scope and
// always returns exactly one result, whatever the adapter does.
func (d *Dispatcher) runOne(ctx context.Context, p domain.Persona, rc *domain.RunContext, settings provider.ResolvedSettings, policy Policy) domain.PersonaResult {
	started := time.Now()

	deadline := settings.Timeout
	if deadline <= 0 {
		deadline = policy.RunTimeout
	}
	pctx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		pctx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		res *provider.Result
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: domain.Errorf(domain.KindProviderDefect, "adapter panic: %v", r)}
			}
		}()
		prov, err := d.registry.Get(p.Provider)
		if err != nil {
			ch <- outcome{err: domain.WrapErr(domain.KindProviderFailure, err, "resolving provider for %s", p.Name)}
			return
		}
		res, err := prov.Execute(pctx, provider.Request{Persona: p, Context: rc, Settings: settings})
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		finished := time.Now()
		if o.err != nil {
			kind, msg := classify(o.err)
			d.log.Warn("persona failed", "persona", p.Name, "kind", string(kind), "error", msg)
			return domain.Failed(p.Name, kind, msg, partialOf(o.res), started, finished)
		}
		d.log.Info("persona completed", "persona", p.Name, "duration", finished.Sub(started))
		return domain.Success(p.Name, o.res.Content, o.res.Structured, started, finished)

	case <-pctx.Done():
		// The adapter call is cancelled, not merely ignored. Give it a
		// short grace to unwind; an adapter that keeps running past the
		// hard kill boundary is a defect, not a timeout. An operator
		// cancellation is recorded as such, not as a deadline expiry.
		canceled := errors.Is(pctx.Err(), context.Canceled)
		grace := policy.DefectGrace
		if grace <= 0 {
			grace = defaultDefectGrace
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case o := <-ch:
			finished := time.Now()
			if canceled {
				d.log.Warn("persona canceled", "persona", p.Name)
				return domain.Failed(p.Name, domain.KindRunCanceled, "run canceled before persona completed", partialOf(o.res), started, finished)
			}
			d.log.Warn("persona timed out", "persona", p.Name, "deadline", deadline)
			msg := fmt.Sprintf("deadline %s exceeded", deadline)
			return domain.Failed(p.Name, domain.KindProviderTimeout, msg, partialOf(o.res), started, finished)
		case <-timer.C:
			finished := time.Now()
			d.log.Error("adapter did not honor cancellation", "persona", p.Name, "provider", p.Provider)
			msg := fmt.Sprintf("adapter ignored cancellation for %s past the %s deadline", grace, deadline)
			if canceled {
				msg = fmt.Sprintf("adapter ignored run cancellation for %s", grace)
			}
			return domain.Failed(p.Name, domain.KindProviderDefect, msg, "", started, finished)
		}
	}
}

// classify maps an adapter error to a persona-local failure kind
func classify(err error) (domain.ErrorKind, string) {
	if kind := domain.KindOf(err); kind != "" {
		return kind, err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return domain.KindRunCanceled, "run canceled before persona completed"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindProviderTimeout, err.Error()
	}
	return domain.KindProviderFailure, err.Error()
}

// partialOf salvages whatever output accompanied a failure, as optional
// metadata only.
func partialOf(res *provider.Result) string {
	if res == nil {
		return ""
	}
	return res.Content
}
