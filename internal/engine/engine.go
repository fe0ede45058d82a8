// Package engine drives a run through its lifecycle: assemble the context
// snapshot, persist the run record, dispatch personas, record each outcome
// as it settles, and seal. Configuration and input errors abort before any
// run directory exists; provider errors stay local to their persona.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpersona/agent-runner/internal/contextsnap"
	"github.com/openpersona/agent-runner/internal/dispatch"
	"github.com/openpersona/agent-runner/internal/domain"
	"github.com/openpersona/agent-runner/internal/logging"
	"github.com/openpersona/agent-runner/internal/provider"
	"github.com/openpersona/agent-runner/internal/runstore"
)

const recordRetryBackoff = 250 * time.Millisecond

// Engine composes the assembler, dispatcher and store into one run
// lifecycle. It does no blocking work itself outside store writes and the
// dispatcher's provider calls.
type Engine struct {
	assembler  *contextsnap.Assembler
	dispatcher *dispatch.Dispatcher
	store      *runstore.Store
	registry   *provider.Registry
	log        *slog.Logger

	now     func() time.Time
	backoff time.Duration
	sleep   func(time.Duration)
}

// New builds an engine over the given components.
func New(assembler *contextsnap.Assembler, dispatcher *dispatch.Dispatcher, store *runstore.Store, registry *provider.Registry, log *slog.Logger) *Engine {
	return &Engine{
		assembler:  assembler,
		dispatcher: dispatcher,
		store:      store,
		registry:   registry,
		log:        log,
		now:        time.Now,
		backoff:    recordRetryBackoff,
		sleep:      time.Sleep,
	}
}

// RunRequest is one run's worth of input, fully resolved before StartRun.
type RunRequest struct {
	Task          domain.Task
	Personas      []domain.Persona
	Settings      map[string]provider.ResolvedSettings
	Policy        dispatch.Policy
	PreflightMode string // strict or lenient, empty means strict
}

// StartRun executes a run to completion and returns the sealed (or
// aborted) run record. Errors are returned only for failures that prevent
// a run record from existing at all; once the run directory is created,
// failures are reflected in the returned run's status instead.
func (e *Engine) StartRun(ctx context.Context, req RunRequest) (*domain.Run, error) {
	if err := req.Policy.Validate(); err != nil {
		return nil, err
	}
	personas, err := e.preflight(req.Personas, req.Settings, req.PreflightMode)
	if err != nil {
		return nil, err
	}

	// The snapshot is built, and can fail, before any run directory
	// exists. No persona ever observes a partial context.
	rc, err := e.assembler.Assemble(req.Task)
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:          domain.NewRunID(e.now()),
		CreatedAt:   e.now().UTC(),
		Task:        req.Task,
		Parallelism: req.Policy.Parallelism,
		Status:      domain.RunContextAssembled,
		Results:     make(map[string]domain.PersonaResult),
	}
	for _, p := range personas {
		run.Personas = append(run.Personas, p.Name)
	}

	if err := e.store.CreateRun(run, rc); err != nil {
		return nil, err
	}

	log := e.log
	if w, err := e.store.OpenRunLog(run.ID); err == nil {
		defer w.Close()
		log = logging.Tee(e.log, logging.NewRunLog(w))
	}
	log = log.With("run_id", run.ID)
	log.Info("run created",
		"task", req.Task.Name,
		"mode", string(rc.Mode),
		"personas", len(personas),
		"parallelism", req.Policy.Parallelism,
		"context_bytes", rc.Total,
	)

	run.Status = domain.RunDispatching
	if err := e.store.UpdateRun(run); err != nil {
		e.abort(run, "run store unwritable: "+err.Error(), log)
		return run, nil
	}

	results, err := e.dispatcher.Dispatch(ctx, personas, rc, req.Settings, req.Policy)
	if err != nil {
		e.abort(run, "dispatch failed: "+err.Error(), log)
		return run, nil
	}

	for res := range results {
		res := res
		if res.OK {
			log.Info("persona settled", "persona", res.Persona, "ok", true)
		} else {
			log.Warn("persona settled", "persona", res.Persona, "ok", false, "kind", string(res.Kind), "message", res.Message)
		}
		if err := e.record(run.ID, &res); err != nil {
			if domain.IsKind(err, domain.KindDuplicateResult) {
				log.Warn("duplicate result dropped", "persona", res.Persona)
				continue
			}
			// Durability is non-negotiable. A result that cannot be
			// recorded aborts the run; draining keeps the dispatcher
			// from blocking on the channel.
			e.abort(run, "result for "+res.Persona+" could not be recorded: "+err.Error(), log)
			for range results {
			}
			return run, nil
		}
		run.Results[res.Persona] = res
	}

	if !run.Settled() {
		e.abort(run, "dispatcher ended with unsettled personas", log)
		return run, nil
	}
	if err := e.store.Seal(run, domain.RunSealed, "", e.now()); err != nil {
		e.abort(run, "seal failed: "+err.Error(), log)
		return run, nil
	}
	log.Info("run sealed", "personas", len(run.Personas))
	return run, nil
}

// record persists one persona result, retrying a single time on store I/O
// failure before giving up.
func (e *Engine) record(runID string, res *domain.PersonaResult) error {
	err := e.store.RecordResult(runID, res)
	if err == nil || !domain.IsKind(err, domain.KindStoreIO) {
		return err
	}
	e.sleep(e.backoff)
	return e.store.RecordResult(runID, res)
}

// abort moves the run to its terminal aborted state. The write is best
// effort; if the store is the thing that failed there is nothing left to
// do but log.
func (e *Engine) abort(run *domain.Run, reason string, log *slog.Logger) {
	log.Error("run aborted", "reason", reason)
	if err := e.store.Seal(run, domain.RunAborted, reason, e.now()); err != nil {
		run.Status = domain.RunAborted
		run.Reason = reason
		log.Error("abort record not persisted", "error", err)
	}
}
