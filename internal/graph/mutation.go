package graph

import "fmt"

// NodeRef addresses a graph node by its natural identity. Two refs with
// the same Kind and NaturalKey always resolve to the same node.
type NodeRef struct {
	Kind       string `json:"kind"`
	NaturalKey string `json:"natural_key"`
}

func (r NodeRef) String() string {
	return r.Kind + ":" + r.NaturalKey
}

// Mutation is one graph write intent produced by a work unit. Work units
// never write to the store themselves; they return mutations and the
// session manager applies them, which is what lets phase ordering and merge
// discipline be enforced in one place.
type Mutation interface {
	// Describe returns a short human-readable form for logs and errors.
	Describe() string
}

// MergeNode upserts a node: created if absent, its properties merged if
// present. Never duplicated.
type MergeNode struct {
	Ref   NodeRef           `json:"ref"`
	Props map[string]string `json:"props,omitempty"`
}

func (m MergeNode) Describe() string {
	return fmt.Sprintf("merge node %s", m.Ref)
}

// MergeEdge upserts a relationship keyed by (source, relation, target).
// Endpoints are created as bare nodes when absent so an edge can never
// dangle.
type MergeEdge struct {
	Src   NodeRef           `json:"src"`
	Rel   string            `json:"rel"`
	Dst   NodeRef           `json:"dst"`
	Props map[string]string `json:"props,omitempty"`
}

func (m MergeEdge) Describe() string {
	return fmt.Sprintf("merge edge %s -[%s]-> %s", m.Src, m.Rel, m.Dst)
}

// Annotate attaches a named JSON document to the patient graph, used for
// audit records such as round-table consensus. Re-annotating the same key
// replaces the document.
type Annotate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (m Annotate) Describe() string {
	return fmt.Sprintf("annotate %s", m.Key)
}

// Overview summarizes a patient graph for prompt context and CLI display.
type Overview struct {
	PatientKey  string         `json:"patient_key"`
	LastPhase   Phase          `json:"last_phase"`
	NodesByKind map[string]int `json:"nodes_by_kind"`
	EdgeCount   int            `json:"edge_count"`
	Annotations []string       `json:"annotations,omitempty"`
}
