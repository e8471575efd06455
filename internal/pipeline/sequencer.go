// Package pipeline sequences the clinical-research phases over a patient
// knowledge graph: intake, research, clinical analysis, reporting. Each
// phase fans work units out against the graph and must leave at least one
// usable result behind before the next phase may start.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/telemetry"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PhaseResult records one phase's execution.
type PhaseResult struct {
	Phase    graph.Phase
	Units    []*workunit.Result
	Errors   []workunit.ErrorRecord
	Duration time.Duration
	Skipped  bool
}

// Usable reports whether at least one unit produced usable output.
func (r *PhaseResult) Usable() bool {
	for _, u := range r.Units {
		if u != nil && u.Status.Usable() {
			return true
		}
	}
	return false
}

// Outcome is the terminal record of one pipeline run.
type Outcome struct {
	PatientKey string
	Status     Status
	Phases     []*PhaseResult
	// Errors accumulates the typed errors of every failed unit in the
	// phase that stopped the run.
	Errors []workunit.ErrorRecord
}

// Progress reports phase transitions to an observer.
type Progress struct {
	Phase      graph.Phase
	Message    string
	Percentage int
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(Progress)

// PhaseHandler executes one phase against a patient graph.
type PhaseHandler interface {
	Phase() graph.Phase
	Execute(ctx context.Context, handle *graph.Handle) (*PhaseResult, error)
}

// Sequencer drives a patient through the phases in order. A graph that
// already completed some phases resumes after the last one recorded on
// its handle; re-running a completed pipeline is a no-op.
type Sequencer struct {
	graphs   *graph.Manager
	handlers map[graph.Phase]PhaseHandler
	progress ProgressCallback
	logger   *logging.Logger
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithLogger sets the sequencer logger.
func WithLogger(logger *logging.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = logger }
}

// WithProgress sets a progress callback.
func WithProgress(cb ProgressCallback) SequencerOption {
	return func(s *Sequencer) { s.progress = cb }
}

// NewSequencer builds a sequencer over a graph manager.
func NewSequencer(graphs *graph.Manager, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		graphs:   graphs,
		handlers: make(map[graph.Phase]PhaseHandler),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler registers the handler for its phase, replacing any
// previous registration.
func (s *Sequencer) RegisterHandler(handler PhaseHandler) {
	s.handlers[handler.Phase()] = handler
}

// OnProgress sets the progress callback.
func (s *Sequencer) OnProgress(cb ProgressCallback) {
	s.progress = cb
}

// Run drives the patient's graph through every remaining phase. The
// returned outcome is populated even when err is non-nil.
func (s *Sequencer) Run(ctx context.Context, patientKey string) (*Outcome, error) {
	handle, err := s.graphs.GetOrCreate(ctx, patientKey)
	if err != nil {
		return &Outcome{PatientKey: patientKey, Status: StatusFailed}, err
	}

	ctx = logging.WithFields(ctx, zap.String("patient", patientKey))
	out := &Outcome{PatientKey: patientKey, Status: StatusCompleted}
	phases := graph.Phases()

	for i, phase := range phases {
		if ctx.Err() != nil {
			out.Status = StatusFailed
			return out, ctx.Err()
		}

		if phaseDone(handle.LastPhase, phase) {
			s.logger.Debug(ctx, "phase already complete, skipping", zap.String("phase", string(phase)))
			out.Phases = append(out.Phases, &PhaseResult{Phase: phase, Skipped: true})
			continue
		}

		handler, ok := s.handlers[phase]
		if !ok {
			out.Status = StatusFailed
			return out, fmt.Errorf("no handler registered for phase %s", phase)
		}

		s.report(Progress{
			Phase:      phase,
			Message:    fmt.Sprintf("starting phase %s", phase),
			Percentage: (i * 100) / len(phases),
		})
		s.logger.Info(ctx, "phase starting", zap.String("phase", string(phase)))

		start := time.Now()
		result, err := handler.Execute(ctx, handle)
		if result == nil {
			result = &PhaseResult{Phase: phase}
		}
		result.Duration = time.Since(start)
		out.Phases = append(out.Phases, result)

		if err != nil {
			telemetry.PhaseDurationSeconds.WithLabelValues(string(phase), "error").Observe(result.Duration.Seconds())
			out.Status = StatusFailed
			out.Errors = collectErrors(result)
			return out, fmt.Errorf("phase %s: %w", phase, err)
		}
		if !result.Usable() {
			telemetry.PhaseDurationSeconds.WithLabelValues(string(phase), "failed").Observe(result.Duration.Seconds())
			out.Status = StatusFailed
			out.Errors = collectErrors(result)
			return out, fmt.Errorf("phase %s: no work unit produced usable output", phase)
		}

		if err := s.graphs.Advance(ctx, handle, phase); err != nil {
			telemetry.PhaseDurationSeconds.WithLabelValues(string(phase), "error").Observe(result.Duration.Seconds())
			out.Status = StatusFailed
			return out, fmt.Errorf("advance past phase %s: %w", phase, err)
		}
		telemetry.PhaseDurationSeconds.WithLabelValues(string(phase), "completed").Observe(result.Duration.Seconds())
		s.logger.Info(ctx, "phase completed",
			zap.String("phase", string(phase)),
			zap.Duration("duration", result.Duration),
			zap.Int("units", len(result.Units)))
	}

	s.report(Progress{Phase: graph.PhaseReporting, Message: "pipeline complete", Percentage: 100})
	return out, nil
}

func (s *Sequencer) report(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}

// phaseDone reports whether last already covers phase.
func phaseDone(last, phase graph.Phase) bool {
	return phaseIndex(last) >= phaseIndex(phase)
}

func phaseIndex(p graph.Phase) int {
	for i, candidate := range graph.Phases() {
		if candidate == p {
			return i
		}
	}
	return -1 // PhaseNone
}

func collectErrors(result *PhaseResult) []workunit.ErrorRecord {
	errs := append([]workunit.ErrorRecord(nil), result.Errors...)
	for _, u := range result.Units {
		if u != nil {
			errs = append(errs, u.Errors...)
		}
	}
	return errs
}
