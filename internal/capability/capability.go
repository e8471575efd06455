// Package capability defines the closed set of external operations a work
// unit may be granted, and the registry that enforces those grants.
package capability

// Name identifies one grantable external operation. The set is closed: a
// grant referencing a name outside this set is a fatal configuration error,
// caught at startup rather than at call time.
type Name string

const (
	// LiteratureSearch is a free-text search of the literature provider.
	LiteratureSearch Name = "literature.search"
	// LiteratureLookup fetches one article by its stable identifier.
	LiteratureLookup Name = "literature.lookup"
	// BiblioEnrich fetches citation metadata for an article identifier.
	BiblioEnrich Name = "biblio.enrich"
	// TrialsSearch is a structured-filter search of the trials registry.
	TrialsSearch Name = "trials.search"
	// TrialsLookup fetches one trial record by registry identifier.
	TrialsLookup Name = "trials.lookup"
	// SequenceAlign submits a sequence alignment job and returns matches.
	SequenceAlign Name = "sequence.align"
	// GraphOverview reads node/edge counts for the patient graph. Served by
	// the graph session manager, not an external provider.
	GraphOverview Name = "graph.overview"
)

// All returns every legal capability name.
func All() []Name {
	return []Name{
		LiteratureSearch,
		LiteratureLookup,
		BiblioEnrich,
		TrialsSearch,
		TrialsLookup,
		SequenceAlign,
		GraphOverview,
	}
}

// IsValid reports whether name is in the legal set.
func IsValid(name Name) bool {
	for _, n := range All() {
		if n == name {
			return true
		}
	}
	return false
}

// Provider returns the provider name a capability is billed against, or ""
// for capabilities served locally (graph reads).
func Provider(name Name) string {
	switch name {
	case LiteratureSearch, LiteratureLookup:
		return "literature"
	case BiblioEnrich:
		return "biblio"
	case TrialsSearch, TrialsLookup:
		return "trials"
	case SequenceAlign:
		return "sequence"
	default:
		return ""
	}
}

// Idempotent reports whether results for this capability may be cached.
// Only keyed-by-identifier lookups qualify; free-text searches do not,
// since ranking can shift between calls.
func Idempotent(name Name) bool {
	switch name {
	case LiteratureLookup, BiblioEnrich, TrialsLookup:
		return true
	default:
		return false
	}
}
