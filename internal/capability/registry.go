package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors for registry operations.
var (
	// ErrUnknownCapability indicates a grant referenced a name outside the
	// legal set. Surfaced at configuration load, never at call time.
	ErrUnknownCapability = errors.New("unknown capability name")

	// ErrDenied indicates a work unit attempted an ungranted capability.
	ErrDenied = errors.New("capability denied")
)

// DeniedError reports which work-unit kind attempted which ungranted
// capability. It unwraps to ErrDenied.
type DeniedError struct {
	Kind       string
	Capability Name
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied: %s not granted to %s", e.Capability, e.Kind)
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// Registry maps work-unit kinds to their granted capability sets. It is
// populated once at configuration load and read-only afterwards; Authorize
// is a pure check with no side effects.
//
// A Registry is constructed per pipeline run and passed by reference into
// every work unit. There is no process-wide instance.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]map[Name]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{grants: make(map[string]map[Name]struct{})}
}

// FromConfig builds a registry from the declarative kind -> names mapping.
// Any unknown capability name fails the whole load.
func FromConfig(grants map[string][]string) (*Registry, error) {
	r := NewRegistry()
	for kind, names := range grants {
		caps := make([]Name, 0, len(names))
		for _, n := range names {
			caps = append(caps, Name(n))
		}
		if err := r.Grant(kind, caps); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Grant registers the allowed capability set for a work-unit kind.
// Granting twice for the same kind is additive.
func (r *Registry) Grant(kind string, caps []Name) error {
	for _, c := range caps {
		if !IsValid(c) {
			return fmt.Errorf("grant for %s: %w: %q", kind, ErrUnknownCapability, c)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.grants[kind]
	if !ok {
		set = make(map[Name]struct{}, len(caps))
		r.grants[kind] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return nil
}

// Authorize reports whether kind may invoke cap. It never errors; callers
// convert a false return into a DeniedError.
func (r *Registry) Authorize(kind string, cap Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[kind]
	if !ok {
		return false
	}
	_, granted := set[cap]
	return granted
}

// ListGranted returns the capabilities granted to kind, sorted by name.
// Work units use this for self-inspection so the reasoning collaborator
// never has to guess what it may call.
func (r *Registry) ListGranted(kind string) []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.grants[kind]
	if !ok {
		return nil
	}
	out := make([]Name, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
