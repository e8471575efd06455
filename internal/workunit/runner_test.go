package workunit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/patientmap/patientmapd/internal/budget"
	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/config"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/provider"
	"github.com/patientmap/patientmapd/internal/reasoner"
)

// MockReasoner is a mock implementation of reasoner.Client.
type MockReasoner struct {
	mock.Mock
}

func (m *MockReasoner) Generate(ctx context.Context, req reasoner.Request) (*reasoner.Decision, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reasoner.Decision), args.Error(1)
}

func testFixture(t *testing.T, providerURL string) (*capability.Registry, provider.Set, *graph.Manager, *graph.Handle) {
	t.Helper()

	reg := capability.NewRegistry()
	require.NoError(t, reg.Grant(string(KindLiteratureSearcher), []capability.Name{
		capability.LiteratureSearch, capability.LiteratureLookup, capability.GraphOverview,
	}))
	require.NoError(t, reg.Grant(string(KindEnrichmentChecker), []capability.Name{capability.GraphOverview}))

	gov := budget.NewGovernor()
	cfg := config.ProviderConfig{
		BaseURL:           providerURL,
		Timeout:           config.Duration(5 * time.Second),
		WindowDuration:    config.Duration(time.Minute),
		MaxCallsPerWindow: 100,
		MaxRetries:        1,
		BackoffBase:       config.Duration(time.Millisecond),
		BackoffCap:        config.Duration(2 * time.Millisecond),
		CacheTTL:          config.Duration(time.Minute),
	}
	set := provider.NewSet(map[string]config.ProviderConfig{"literature": cfg}, reg, gov)

	graphs := graph.NewManager(graph.NewMemoryStore())
	handle, err := graphs.GetOrCreate(context.Background(), "P1")
	require.NoError(t, err)

	return reg, set, graphs, handle
}

func TestRunSuccessWithCallsAndFacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ids":["31452104"]}`))
	}))
	defer srv.Close()

	reg, set, graphs, handle := testFixture(t, srv.URL)

	rsn := new(MockReasoner)
	// First round asks for a search, second round returns facts.
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 0
	})).Return(&reasoner.Decision{
		Calls: []reasoner.CapabilityCall{
			{Capability: capability.LiteratureSearch, Args: map[string]string{"term": "ocrelizumab"}},
		},
	}, nil).Once()
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 1 && req.Observations[0].Error == ""
	})).Return(&reasoner.Decision{
		Facts: []reasoner.Fact{
			{Op: "merge_node", Node: &graph.MergeNode{Ref: graph.NodeRef{Kind: "Article", NaturalKey: "pmid:31452104"}}},
		},
		Summary: "one relevant article",
	}, nil).Once()

	runner := NewRunner(reg, set, rsn, graphs)
	res := runner.Run(context.Background(), Input{
		Kind:   KindLiteratureSearcher,
		Task:   "find evidence",
		Handle: handle,
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.ProducedFacts, 1)
	assert.Equal(t, 1, res.CallsAttempted)
	assert.Equal(t, 1, res.CallsSucceeded)
	assert.Equal(t, "one relevant article", res.Summary)
	assert.NotEmpty(t, res.ID)
	rsn.AssertExpectations(t)
}

func TestRunCapabilityDeniedDowngrades(t *testing.T) {
	reg, set, graphs, handle := testFixture(t, "http://unreachable.invalid")

	rsn := new(MockReasoner)
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 0
	})).Return(&reasoner.Decision{
		Calls: []reasoner.CapabilityCall{
			// Not granted to literature-searcher.
			{Capability: capability.TrialsSearch, Args: map[string]string{"query": "ms"}},
		},
	}, nil).Once()
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 1 && req.Observations[0].Error != ""
	})).Return(&reasoner.Decision{
		Facts: []reasoner.Fact{
			{Op: "merge_node", Node: &graph.MergeNode{Ref: graph.NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"}}},
		},
	}, nil).Once()

	runner := NewRunner(reg, set, rsn, graphs)
	res := runner.Run(context.Background(), Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Equal(t, StatusPartialSuccess, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrCodeCapabilityDenied, res.Errors[0].Code)
	assert.Len(t, res.ProducedFacts, 1)
	rsn.AssertExpectations(t)
}

func TestRunReasonerFailureIsFailure(t *testing.T) {
	reg, set, graphs, handle := testFixture(t, "http://unreachable.invalid")

	rsn := new(MockReasoner)
	rsn.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("model unavailable"))

	runner := NewRunner(reg, set, rsn, graphs)
	res := runner.Run(context.Background(), Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Equal(t, StatusFailure, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrCodeReasonerError, res.Errors[0].Code)
	assert.Empty(t, res.ProducedFacts)
}

func TestRunGraphOverviewServedLocally(t *testing.T) {
	reg, set, graphs, handle := testFixture(t, "http://unreachable.invalid")

	require.NoError(t, graphs.Apply(context.Background(), handle, []graph.Mutation{
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"}},
	}, graph.PhaseNone))

	rsn := new(MockReasoner)
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 0
	})).Return(&reasoner.Decision{
		Calls: []reasoner.CapabilityCall{{Capability: capability.GraphOverview}},
	}, nil).Once()
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		if len(req.Observations) != 1 {
			return false
		}
		var overview graph.Overview
		if err := json.Unmarshal(req.Observations[0].Result, &overview); err != nil {
			return false
		}
		return overview.NodesByKind["Condition"] == 1
	})).Return(&reasoner.Decision{Verdict: reasoner.VerdictAccept}, nil).Once()

	runner := NewRunner(reg, set, rsn, graphs)
	res := runner.Run(context.Background(), Input{Kind: KindEnrichmentChecker, Handle: handle})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, reasoner.VerdictAccept, res.Verdict)
	rsn.AssertExpectations(t)
}

func TestRunRoundsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ids":[]}`))
	}))
	defer srv.Close()

	reg, set, graphs, handle := testFixture(t, srv.URL)

	rsn := new(MockReasoner)
	// Never reaches a final decision.
	rsn.On("Generate", mock.Anything, mock.Anything).Return(&reasoner.Decision{
		Calls: []reasoner.CapabilityCall{
			{Capability: capability.LiteratureSearch, Args: map[string]string{"term": "more"}},
		},
	}, nil)

	runner := NewRunner(reg, set, rsn, graphs, WithMaxRounds(3))
	res := runner.Run(context.Background(), Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Equal(t, StatusFailure, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, ErrCodeRoundsExhausted, res.Errors[len(res.Errors)-1].Code)
	rsn.AssertNumberOfCalls(t, "Generate", 3)
}

func TestRunDeadlineDowngrades(t *testing.T) {
	reg, set, graphs, handle := testFixture(t, "http://unreachable.invalid")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rsn := new(MockReasoner)
	runner := NewRunner(reg, set, rsn, graphs)
	res := runner.Run(ctx, Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Equal(t, StatusFailure, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrCodeDeadlineExceeded, res.Errors[0].Code)
}

// hangingReasoner never answers until the run's context expires.
type hangingReasoner struct{}

func (hangingReasoner) Generate(ctx context.Context, _ reasoner.Request) (*reasoner.Decision, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunDeadlineBoundsHungReasoner(t *testing.T) {
	reg, set, graphs, handle := testFixture(t, "http://unreachable.invalid")

	runner := NewRunner(reg, set, hangingReasoner{}, graphs, WithDeadline(20*time.Millisecond))

	start := time.Now()
	res := runner.Run(context.Background(), Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusFailure, res.Status)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, ErrCodeDeadlineExceeded, res.Errors[0].Code)
}

func TestPolicyRatioGating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg, set, graphs, handle := testFixture(t, srv.URL)

	rsn := new(MockReasoner)
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 0
	})).Return(&reasoner.Decision{
		Calls: []reasoner.CapabilityCall{
			{Capability: capability.LiteratureLookup, Args: map[string]string{"id": "pmid:0"}},
		},
	}, nil).Once()
	rsn.On("Generate", mock.Anything, mock.MatchedBy(func(req reasoner.Request) bool {
		return len(req.Observations) == 1
	})).Return(&reasoner.Decision{
		Facts: []reasoner.Fact{
			{Op: "merge_node", Node: &graph.MergeNode{Ref: graph.NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"}}},
		},
	}, nil).Once()

	// All calls failed; a strict policy turns the run into a failure even
	// though facts were produced.
	runner := NewRunner(reg, set, rsn, graphs, WithPolicy(Policy{PartialSuccessMinRatio: 0.5}))
	res := runner.Run(context.Background(), Input{Kind: KindLiteratureSearcher, Handle: handle})

	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 1, res.CallsAttempted)
	assert.Equal(t, 0, res.CallsSucceeded)
	rsn.AssertExpectations(t)
}
