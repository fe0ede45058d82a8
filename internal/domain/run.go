package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunCreated          RunStatus = "created"
	RunContextAssembled RunStatus = "context_assembled"
	RunDispatching      RunStatus = "dispatching"
	RunSealed           RunStatus = "sealed"
	RunAborted          RunStatus = "aborted"
)

// Terminal reports whether a run in this status will never change again
func (s RunStatus) Terminal() bool {
	return s == RunSealed || s == RunAborted
}

// NewRunID returns a fresh run identifier: a UTC timestamp plus a short
// random suffix. IDs sort lexicographically in creation order.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// RunIDTime extracts the creation timestamp encoded in a run ID
func RunIDTime(id string) (time.Time, error) {
	if len(id) < 15 {
		return time.Time{}, fmt.Errorf("run id too short: %q", id)
	}
	return time.Parse("20060102-150405", id[:15])
}

// Run is one timestamped execution of a set of personas against an
// assembled context. A run is append-only until every persona has a
// recorded result, then sealed and immutable.
type Run struct {
	ID          string                   `json:"run_id"`
	CreatedAt   time.Time                `json:"created_at"`
	Task        Task                     `json:"task"`
	Personas    []string                 `json:"personas"`
	Parallelism int                      `json:"parallelism"`
	Status      RunStatus                `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	SealedAt    *time.Time               `json:"sealed_at,omitempty"`
	Results     map[string]PersonaResult `json:"-"`
}

// Settled reports whether every requested persona has a recorded result
func (r *Run) Settled() bool {
	for _, name := range r.Personas {
		if _, ok := r.Results[name]; !ok {
			return false
		}
	}
	return true
}

// PersonaResult is the single, write-once outcome of one persona within a
// run: either a success carrying output, or a classified failure.
type PersonaResult struct {
	Persona    string          `json:"persona"`
	OK         bool            `json:"ok"`
	Output     string          `json:"-"`
	Structured json.RawMessage `json:"-"`
	Kind       ErrorKind       `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Partial    string          `json:"-"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Success builds a successful result
func Success(persona, output string, structured json.RawMessage, started, finished time.Time) PersonaResult {
	return PersonaResult{
		Persona:    persona,
		OK:         true,
		Output:     output,
		Structured: structured,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// Failed builds a failure result. Partial output, if the backend produced
// any before the failure, is optional metadata and never a guarantee.
func Failed(persona string, kind ErrorKind, message, partial string, started, finished time.Time) PersonaResult {
	return PersonaResult{
		Persona:    persona,
		Kind:       kind,
		Message:    message,
		Partial:    partial,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

// RetentionPolicy controls age-based deletion of sealed runs
type RetentionPolicy struct {
	Enabled bool
	MaxAge  time.Duration
}

// Validate rejects nonsensical retention settings
func (p RetentionPolicy) Validate() error {
	if p.Enabled && p.MaxAge <= 0 {
		return Errorf(KindPolicyInvalid, "retention max age must be positive, got %s", p.MaxAge)
	}
	return nil
}
