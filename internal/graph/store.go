package graph

import (
	"context"
	"errors"
	"time"
)

// Errors shared by all store backends and the session manager.
var (
	// ErrNotFound indicates no graph exists for the requested patient key.
	ErrNotFound = errors.New("patient graph not found")

	// ErrPhaseOrderingConflict indicates a mutation batch or phase advance
	// was attempted against the wrong pipeline state. Fatal to the phase,
	// not the process.
	ErrPhaseOrderingConflict = errors.New("phase ordering conflict")

	// ErrWriteFailure indicates the underlying store rejected a well-formed
	// mutation. The manager retries once with backoff before surfacing it.
	ErrWriteFailure = errors.New("graph write failure")
)

// Handle identifies the one persistent graph for a patient. Exactly one
// handle exists per patient key; creation is idempotent.
type Handle struct {
	PatientKey string    `json:"patient_key"`
	CreatedAt  time.Time `json:"created_at"`
	LastPhase  Phase     `json:"last_phase"`
}

// Store is the port to the underlying graph database. Implementations must
// provide atomic single-mutation semantics; idempotency across a batch is
// built on top by the session manager, not inside the store.
type Store interface {
	// CreateHandle creates the handle if absent and returns it. The bool
	// reports whether this call performed the creation.
	CreateHandle(ctx context.Context, patientKey string) (*Handle, bool, error)

	// GetHandle returns the handle, or ErrNotFound.
	GetHandle(ctx context.Context, patientKey string) (*Handle, error)

	// AdvancePhase moves LastPhase from expected to next atomically.
	// A stored phase other than expected returns ErrPhaseOrderingConflict.
	AdvancePhase(ctx context.Context, patientKey string, expected, next Phase) error

	// MergeNode applies create-if-absent, update-if-present semantics per
	// (kind, natural key).
	MergeNode(ctx context.Context, patientKey string, m MergeNode) error

	// MergeEdge upserts a relationship keyed by (src, rel, dst), creating
	// bare endpoint nodes when absent.
	MergeEdge(ctx context.Context, patientKey string, m MergeEdge) error

	// Annotate stores a named audit document on the graph.
	Annotate(ctx context.Context, patientKey string, m Annotate) error

	// Overview returns node/edge counts for prompt context and display.
	Overview(ctx context.Context, patientKey string) (*Overview, error)

	// GetAnnotation returns a previously stored annotation document, or
	// ErrNotFound.
	GetAnnotation(ctx context.Context, patientKey, key string) (string, error)

	// DeletePatient removes the handle and all graph data for a patient.
	DeletePatient(ctx context.Context, patientKey string) error

	// ListPatients returns every patient key with a graph, sorted.
	ListPatients(ctx context.Context) ([]string, error)
}
