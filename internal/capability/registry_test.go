package capability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantAndAuthorize(t *testing.T) {
	r := NewRegistry()
	err := r.Grant("literature-searcher", []Name{LiteratureSearch, LiteratureLookup})
	require.NoError(t, err)

	assert.True(t, r.Authorize("literature-searcher", LiteratureSearch))
	assert.True(t, r.Authorize("literature-searcher", LiteratureLookup))
	assert.False(t, r.Authorize("literature-searcher", TrialsSearch))
	assert.False(t, r.Authorize("unknown-kind", LiteratureSearch))
}

func TestGrantUnknownCapabilityFails(t *testing.T) {
	r := NewRegistry()
	err := r.Grant("intake-gatherer", []Name{"literature.serach"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCapability)

	// Nothing is granted when any name is invalid.
	assert.False(t, r.Authorize("intake-gatherer", LiteratureSearch))
}

func TestGrantIsAdditive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Grant("graph-enricher", []Name{LiteratureLookup}))
	require.NoError(t, r.Grant("graph-enricher", []Name{TrialsLookup}))

	assert.True(t, r.Authorize("graph-enricher", LiteratureLookup))
	assert.True(t, r.Authorize("graph-enricher", TrialsLookup))
}

func TestListGrantedSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Grant("clinical-manager", []Name{TrialsSearch, BiblioEnrich, GraphOverview}))

	got := r.ListGranted("clinical-manager")
	assert.Equal(t, []Name{BiblioEnrich, GraphOverview, TrialsSearch}, got)

	assert.Nil(t, r.ListGranted("no-such-kind"))
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(map[string][]string{
		"topic-generator": {"graph.overview"},
		"trial-scout":     {"trials.search", "trials.lookup"},
	})
	require.NoError(t, err)
	assert.True(t, r.Authorize("trial-scout", TrialsLookup))
	assert.True(t, r.Authorize("topic-generator", GraphOverview))

	_, err = FromConfig(map[string][]string{"bad": {"not.a.capability"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestDeniedError(t *testing.T) {
	err := &DeniedError{Kind: "report-drafter", Capability: SequenceAlign}
	assert.True(t, errors.Is(err, ErrDenied))
	assert.Contains(t, err.Error(), "sequence.align")
	assert.Contains(t, err.Error(), "report-drafter")
}

func TestProviderMapping(t *testing.T) {
	assert.Equal(t, "literature", Provider(LiteratureSearch))
	assert.Equal(t, "trials", Provider(TrialsLookup))
	assert.Equal(t, "sequence", Provider(SequenceAlign))
	assert.Equal(t, "", Provider(GraphOverview))
}

func TestIdempotent(t *testing.T) {
	assert.True(t, Idempotent(LiteratureLookup))
	assert.True(t, Idempotent(TrialsLookup))
	assert.False(t, Idempotent(LiteratureSearch))
	assert.False(t, Idempotent(SequenceAlign))
}
