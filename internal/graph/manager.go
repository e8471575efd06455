package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/telemetry"
)

// Manager is the graph session manager. It exclusively owns write access to
// patient graphs: every component holds only a Handle and requests
// mutations through the manager, which enforces phase ordering and merge
// discipline centrally.
//
// A per-patient lock serializes batch application, held per batch, never
// across a phase. Reference counting garbage-collects idle lock entries.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*lockEntry

	logger     *logging.Logger
	retryDelay time.Duration
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithRetryDelay sets the backoff before the single write-failure retry.
func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager creates a session manager over a store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		locks:      make(map[string]*lockEntry),
		logger:     logging.NewNop(),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the one handle for patientKey, creating the graph if
// absent. Concurrent callers for the same key converge on the same handle.
func (m *Manager) GetOrCreate(ctx context.Context, patientKey string) (*Handle, error) {
	var handle *Handle
	err := m.withLock(patientKey, func() error {
		h, created, err := m.store.CreateHandle(ctx, patientKey)
		if err != nil {
			return fmt.Errorf("failed to get or create graph for %s: %w", patientKey, err)
		}
		if created {
			m.logger.Info(ctx, "created patient graph", zap.String("patient_key", patientKey))
		}
		handle = h
		return nil
	})
	return handle, err
}

// Apply applies a mutation batch on behalf of a phase. The batch is
// accepted only while the handle sits at expectedPrior; otherwise
// ErrPhaseOrderingConflict. Each mutation is atomic and idempotent, so
// re-applying a batch cannot double-count entities. A store write failure
// is retried once after a short delay, then surfaced.
func (m *Manager) Apply(ctx context.Context, handle *Handle, mutations []Mutation, expectedPrior Phase) error {
	if handle == nil {
		return errors.New("nil graph handle")
	}

	return m.withLock(handle.PatientKey, func() error {
		current, err := m.store.GetHandle(ctx, handle.PatientKey)
		if err != nil {
			return err
		}
		if current.LastPhase != expectedPrior {
			telemetry.GraphMutationsTotal.WithLabelValues("batch", "conflict").Inc()
			return fmt.Errorf("%w: graph at %q, batch expects %q",
				ErrPhaseOrderingConflict, current.LastPhase, expectedPrior)
		}

		for _, mut := range mutations {
			if err := m.applyOne(ctx, handle.PatientKey, mut); err != nil {
				return err
			}
		}
		return nil
	})
}

// Advance marks completed as done on the handle, exactly once. The store
// CAS rejects a concurrent or repeated advance with
// ErrPhaseOrderingConflict.
func (m *Manager) Advance(ctx context.Context, handle *Handle, completed Phase) error {
	expected, err := Predecessor(completed)
	if err != nil {
		return err
	}
	if err := m.store.AdvancePhase(ctx, handle.PatientKey, expected, completed); err != nil {
		return err
	}
	handle.LastPhase = completed
	m.logger.Info(ctx, "phase recorded on patient graph",
		zap.String("patient_key", handle.PatientKey),
		zap.String("phase", string(completed)))
	return nil
}

// Overview reads a summary of the patient graph.
func (m *Manager) Overview(ctx context.Context, patientKey string) (*Overview, error) {
	return m.store.Overview(ctx, patientKey)
}

// GetAnnotation reads a stored audit document.
func (m *Manager) GetAnnotation(ctx context.Context, patientKey, key string) (string, error) {
	return m.store.GetAnnotation(ctx, patientKey, key)
}

// DeletePatient removes a patient graph entirely.
func (m *Manager) DeletePatient(ctx context.Context, patientKey string) error {
	return m.withLock(patientKey, func() error {
		return m.store.DeletePatient(ctx, patientKey)
	})
}

// ListPatients lists every patient with a graph.
func (m *Manager) ListPatients(ctx context.Context) ([]string, error) {
	return m.store.ListPatients(ctx)
}

func (m *Manager) applyOne(ctx context.Context, patientKey string, mut Mutation) error {
	apply := func() error {
		switch mu := mut.(type) {
		case MergeNode:
			return m.store.MergeNode(ctx, patientKey, mu)
		case MergeEdge:
			return m.store.MergeEdge(ctx, patientKey, mu)
		case Annotate:
			return m.store.Annotate(ctx, patientKey, mu)
		default:
			return fmt.Errorf("unsupported mutation type %T", mut)
		}
	}

	err := apply()
	if err != nil && errors.Is(err, ErrWriteFailure) {
		m.logger.Warn(ctx, "graph write failed, retrying once",
			zap.String("patient_key", patientKey),
			zap.String("mutation", mut.Describe()),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryDelay):
		}
		err = apply()
	}

	if err != nil {
		telemetry.GraphMutationsTotal.WithLabelValues(mutationLabel(mut), "error").Inc()
		return fmt.Errorf("%s: %w", mut.Describe(), err)
	}
	telemetry.GraphMutationsTotal.WithLabelValues(mutationLabel(mut), "applied").Inc()
	return nil
}

func mutationLabel(mut Mutation) string {
	switch mut.(type) {
	case MergeNode:
		return "merge_node"
	case MergeEdge:
		return "merge_edge"
	case Annotate:
		return "annotate"
	default:
		return "unknown"
	}
}

// withLock runs fn while holding the per-patient lock. Entries are
// reference counted and removed when idle.
func (m *Manager) withLock(patientKey string, fn func() error) error {
	entry := m.acquire(patientKey)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(patientKey)
	}()
	return fn()
}

func (m *Manager) acquire(patientKey string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[patientKey]
	if !ok {
		entry = &lockEntry{}
		m.locks[patientKey] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(patientKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[patientKey]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, patientKey)
	}
}
