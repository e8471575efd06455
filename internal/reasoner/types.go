// Package reasoner is the client for the external reasoning service that
// decides what a work unit should fetch and write. The orchestration engine
// treats it as an opaque decision function; only the capability and
// graph-mutation boundaries are enforced here.
package reasoner

import (
	"encoding/json"
	"fmt"

	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/graph"
)

// Request is one decision round for a work unit.
type Request struct {
	WorkUnitKind string `json:"work_unit_kind"`
	// PromptContext carries the unit's task framing plus the patient-graph
	// overview. Content is opaque to the orchestrator.
	PromptContext string `json:"prompt_context"`
	// AvailableCapabilities is the unit's granted set, so the service never
	// has to guess what it may call.
	AvailableCapabilities []capability.Name `json:"available_capabilities"`
	// Observations report the outcomes of the previous round's calls.
	Observations []Observation `json:"observations,omitempty"`
}

// CapabilityCall is one external operation the reasoner wants performed.
type CapabilityCall struct {
	Capability capability.Name   `json:"capability"`
	Args       map[string]string `json:"args,omitempty"`
}

// Observation is the outcome of an executed capability call, fed back into
// the next round.
type Observation struct {
	Call   CapabilityCall  `json:"call"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Verdicts a verifier or reviewer may return.
const (
	VerdictAccept = "accept"
	VerdictRevise = "revise"
	VerdictReject = "reject"
)

// Decision is the reasoner's answer for one round. Either Calls is
// non-empty (the unit should execute them and come back) or the decision is
// final: Facts carries the graph-mutation intents and, for verifier and
// reviewer roles, Verdict the judgment.
type Decision struct {
	Calls    []CapabilityCall `json:"capability_calls,omitempty"`
	Facts    []Fact           `json:"facts,omitempty"`
	Verdict  string           `json:"verdict,omitempty"`
	Feedback string           `json:"feedback,omitempty"`
	Summary  string           `json:"summary,omitempty"`
}

// Fact is the wire form of one graph-mutation intent.
type Fact struct {
	Op    string            `json:"op"` // merge_node, merge_edge, annotate
	Node  *graph.MergeNode  `json:"node,omitempty"`
	Edge  *graph.MergeEdge  `json:"edge,omitempty"`
	Key   string            `json:"key,omitempty"`
	Value string            `json:"value,omitempty"`
	Props map[string]string `json:"props,omitempty"`
}

// Mutation converts a wire fact into a graph mutation.
func (f Fact) Mutation() (graph.Mutation, error) {
	switch f.Op {
	case "merge_node":
		if f.Node == nil {
			return nil, fmt.Errorf("merge_node fact missing node")
		}
		return *f.Node, nil
	case "merge_edge":
		if f.Edge == nil {
			return nil, fmt.Errorf("merge_edge fact missing edge")
		}
		return *f.Edge, nil
	case "annotate":
		if f.Key == "" {
			return nil, fmt.Errorf("annotate fact missing key")
		}
		return graph.Annotate{Key: f.Key, Value: f.Value}, nil
	default:
		return nil, fmt.Errorf("unknown fact op %q", f.Op)
	}
}
