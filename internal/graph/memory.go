package graph

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and single-shot runs
// without external infrastructure.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[string]*memoryGraph
	now      func() time.Time
}

type memoryGraph struct {
	handle      Handle
	nodes       map[NodeRef]map[string]string
	edges       map[edgeKey]map[string]string
	annotations map[string]string
}

type edgeKey struct {
	src NodeRef
	rel string
	dst NodeRef
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients: make(map[string]*memoryGraph),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateHandle(_ context.Context, patientKey string) (*Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.patients[patientKey]; ok {
		h := g.handle
		return &h, false, nil
	}

	g := &memoryGraph{
		handle: Handle{
			PatientKey: patientKey,
			CreatedAt:  s.now(),
			LastPhase:  PhaseNone,
		},
		nodes:       make(map[NodeRef]map[string]string),
		edges:       make(map[edgeKey]map[string]string),
		annotations: make(map[string]string),
	}
	s.patients[patientKey] = g
	h := g.handle
	return &h, true, nil
}

func (s *MemoryStore) GetHandle(_ context.Context, patientKey string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return nil, ErrNotFound
	}
	h := g.handle
	return &h, nil
}

func (s *MemoryStore) AdvancePhase(_ context.Context, patientKey string, expected, next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return ErrNotFound
	}
	if g.handle.LastPhase != expected {
		return ErrPhaseOrderingConflict
	}
	g.handle.LastPhase = next
	return nil
}

func (s *MemoryStore) MergeNode(_ context.Context, patientKey string, m MergeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return ErrNotFound
	}
	g.mergeNode(m.Ref, m.Props)
	return nil
}

func (s *MemoryStore) MergeEdge(_ context.Context, patientKey string, m MergeEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return ErrNotFound
	}

	g.mergeNode(m.Src, nil)
	g.mergeNode(m.Dst, nil)

	k := edgeKey{src: m.Src, rel: m.Rel, dst: m.Dst}
	props, ok := g.edges[k]
	if !ok {
		props = make(map[string]string)
		g.edges[k] = props
	}
	for pk, pv := range m.Props {
		props[pk] = pv
	}
	return nil
}

func (s *MemoryStore) Annotate(_ context.Context, patientKey string, m Annotate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return ErrNotFound
	}
	g.annotations[m.Key] = m.Value
	return nil
}

func (s *MemoryStore) Overview(_ context.Context, patientKey string) (*Overview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return nil, ErrNotFound
	}

	byKind := make(map[string]int)
	for ref := range g.nodes {
		byKind[ref.Kind]++
	}
	keys := make([]string, 0, len(g.annotations))
	for k := range g.annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &Overview{
		PatientKey:  patientKey,
		LastPhase:   g.handle.LastPhase,
		NodesByKind: byKind,
		EdgeCount:   len(g.edges),
		Annotations: keys,
	}, nil
}

func (s *MemoryStore) GetAnnotation(_ context.Context, patientKey, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.patients[patientKey]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := g.annotations[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) DeletePatient(_ context.Context, patientKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patients, patientKey)
	return nil
}

func (s *MemoryStore) ListPatients(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.patients))
	for k := range s.patients {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// mergeNode requires s.mu held.
func (g *memoryGraph) mergeNode(ref NodeRef, props map[string]string) {
	existing, ok := g.nodes[ref]
	if !ok {
		existing = make(map[string]string)
		g.nodes[ref] = existing
	}
	for k, v := range props {
		existing[k] = v
	}
}
