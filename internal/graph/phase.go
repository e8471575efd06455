// Package graph owns the persistent per-patient knowledge graph: the
// session manager that serializes writers, the mutation vocabulary, and the
// store backends the graph lives in.
package graph

import "fmt"

// Phase is a pipeline stage recorded on the patient handle. The handle's
// LastPhase guards write ordering: a phase's mutations are only accepted
// when the handle sits at the expected predecessor.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseIntake    Phase = "intake"
	PhaseResearch  Phase = "research"
	PhaseClinical  Phase = "clinical"
	PhaseReporting Phase = "reporting"
)

// Phases returns the pipeline phases in execution order, excluding the
// PhaseNone sentinel.
func Phases() []Phase {
	return []Phase{PhaseIntake, PhaseResearch, PhaseClinical, PhaseReporting}
}

// Predecessor returns the phase that must be completed before p may run.
func Predecessor(p Phase) (Phase, error) {
	switch p {
	case PhaseIntake:
		return PhaseNone, nil
	case PhaseResearch:
		return PhaseIntake, nil
	case PhaseClinical:
		return PhaseResearch, nil
	case PhaseReporting:
		return PhaseClinical, nil
	default:
		return "", fmt.Errorf("phase %q has no predecessor", p)
	}
}

// Valid reports whether p is a known phase value, including PhaseNone.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNone, PhaseIntake, PhaseResearch, PhaseClinical, PhaseReporting:
		return true
	}
	return false
}
