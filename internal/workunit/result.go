package workunit

import (
	"context"
	"errors"

	"github.com/patientmap/patientmapd/internal/budget"
	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/provider"
)

// Status is the terminal state of one work-unit run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// Usable reports whether the run produced evidence a phase can build on.
func (s Status) Usable() bool {
	return s == StatusSuccess || s == StatusPartialSuccess
}

// Error codes recorded on a result.
const (
	ErrCodeCapabilityDenied  = "capability_denied"
	ErrCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrCodeDeadlineExceeded  = "deadline_exceeded"
	ErrCodeRecordNotFound    = "record_not_found"
	ErrCodeProviderError     = "provider_error"
	ErrCodeReasonerError     = "reasoner_error"
	ErrCodeRoundsExhausted   = "rounds_exhausted"
)

// ErrorRecord is one typed error absorbed during a run. Errors never
// unwind past the work-unit boundary; they land here and downgrade status.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an error onto its taxonomy code.
func classify(err error) ErrorRecord {
	rec := ErrorRecord{Code: ErrCodeProviderError, Message: err.Error()}
	switch {
	case errors.Is(err, capability.ErrDenied):
		rec.Code = ErrCodeCapabilityDenied
	case errors.Is(err, budget.ErrRateLimitExceeded):
		rec.Code = ErrCodeRateLimitExceeded
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		rec.Code = ErrCodeDeadlineExceeded
	case errors.Is(err, provider.ErrNotFound):
		rec.Code = ErrCodeRecordNotFound
	}
	return rec
}

// Result is the outcome of one run. Created fresh per invocation and
// immutable once returned.
type Result struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Status        Status           `json:"status"`
	ProducedFacts []graph.Mutation `json:"-"`
	Errors        []ErrorRecord    `json:"errors,omitempty"`

	// Verdict and Feedback are set by verifier and reviewer roles.
	Verdict  string `json:"verdict,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	// Summary is the reasoner's final prose output, fed forward as context
	// for downstream units.
	Summary string `json:"summary,omitempty"`

	CallsAttempted int `json:"calls_attempted"`
	CallsSucceeded int `json:"calls_succeeded"`
}
