package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/patientmap/patientmapd/internal/config"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// queueRunner pops a canned result per kind. Safe for concurrent fan-out.
type queueRunner struct {
	mu      sync.Mutex
	results map[workunit.Kind][]*workunit.Result
	runs    []workunit.Input
}

func newQueueRunner() *queueRunner {
	return &queueRunner{results: make(map[workunit.Kind][]*workunit.Result)}
}

func (r *queueRunner) on(kind workunit.Kind, results ...*workunit.Result) {
	r.results[kind] = append(r.results[kind], results...)
}

func (r *queueRunner) Run(_ context.Context, input workunit.Input) *workunit.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, input)
	queue := r.results[input.Kind]
	if len(queue) == 0 {
		return &workunit.Result{Kind: input.Kind, Status: workunit.StatusFailure}
	}
	res := queue[0]
	r.results[input.Kind] = queue[1:]
	return res
}

func (r *queueRunner) runsOf(kind workunit.Kind) []workunit.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []workunit.Input
	for _, in := range r.runs {
		if in.Kind == kind {
			out = append(out, in)
		}
	}
	return out
}

func success(kind workunit.Kind, summary string, facts ...graph.Mutation) *workunit.Result {
	return &workunit.Result{Kind: kind, Status: workunit.StatusSuccess, Summary: summary, ProducedFacts: facts}
}

func accept(kind workunit.Kind) *workunit.Result {
	return &workunit.Result{Kind: kind, Status: workunit.StatusSuccess, Verdict: reasoner.VerdictAccept}
}

func phaseFixture(t *testing.T, lastPhase graph.Phase) (*graph.Manager, *graph.Handle, phaseDeps, *queueRunner) {
	t.Helper()
	graphs := graph.NewManager(graph.NewMemoryStore())
	handle, err := graphs.GetOrCreate(context.Background(), "P1")
	require.NoError(t, err)
	for _, phase := range graph.Phases() {
		if phaseDone(handle.LastPhase, lastPhase) {
			break
		}
		require.NoError(t, graphs.Advance(context.Background(), handle, phase))
	}
	runner := newQueueRunner()
	deps := phaseDeps{
		runner: runner,
		graphs: graphs,
		cfg:    config.PipelineConfig{FanOut: 2, MaxLoopIterations: 3},
		logger: logging.NewNop(),
	}
	return graphs, handle, deps, runner
}

func TestIntakePhaseBuildsGraph(t *testing.T) {
	graphs, handle, deps, runner := phaseFixture(t, graph.PhaseNone)

	runner.on(workunit.KindIntakeGatherer, success(workunit.KindIntakeGatherer, "65yo with relapsing MS on ocrelizumab",
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Patient", NaturalKey: "P1"}}))
	runner.on(workunit.KindGraphPlanner, success(workunit.KindGraphPlanner, "nodes: Patient, Condition, Medication"))
	runner.on(workunit.KindGraphBuilder, success(workunit.KindGraphBuilder, "graph built",
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"}},
		graph.MergeEdge{
			Src: graph.NodeRef{Kind: "Patient", NaturalKey: "P1"},
			Rel: "HAS_CONDITION",
			Dst: graph.NodeRef{Kind: "Condition", NaturalKey: "icd10:G35"},
		}))
	runner.on(workunit.KindBuildChecker, accept(workunit.KindBuildChecker))

	result, err := (&intakePhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	overview, err := graphs.Overview(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, overview.NodesByKind["Patient"])
	assert.Equal(t, 1, overview.NodesByKind["Condition"])
	assert.Equal(t, 1, overview.EdgeCount)

	// Planner saw the gatherer's summary.
	plannerRuns := runner.runsOf(workunit.KindGraphPlanner)
	require.Len(t, plannerRuns, 1)
	assert.Contains(t, plannerRuns[0].Context, "relapsing MS")
}

func TestIntakePhaseUnusableGathererShortCircuits(t *testing.T) {
	_, handle, deps, runner := phaseFixture(t, graph.PhaseNone)

	result, err := (&intakePhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.False(t, result.Usable())
	assert.Empty(t, runner.runsOf(workunit.KindGraphPlanner))
}

func TestResearchPhaseFansOutPerTopic(t *testing.T) {
	_, handle, deps, runner := phaseFixture(t, graph.PhaseIntake)

	runner.on(workunit.KindTopicGenerator, success(workunit.KindTopicGenerator,
		"- ocrelizumab efficacy in relapsing MS\n- B-cell depletion infection risk\n- MS progression biomarkers"))
	runner.on(workunit.KindLiteratureSearcher,
		success(workunit.KindLiteratureSearcher, "OPERA I/II trials, pmid:28002679"),
		success(workunit.KindLiteratureSearcher, "infection signal in pooled safety data"),
		success(workunit.KindLiteratureSearcher, "serum NfL tracks progression"))
	runner.on(workunit.KindGraphEnricher, success(workunit.KindGraphEnricher, "evidence merged",
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Article", NaturalKey: "pmid:28002679"}}))
	runner.on(workunit.KindEnrichmentChecker, accept(workunit.KindEnrichmentChecker))

	result, err := (&researchPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	searches := runner.runsOf(workunit.KindLiteratureSearcher)
	require.Len(t, searches, 3)

	enrichRuns := runner.runsOf(workunit.KindGraphEnricher)
	require.Len(t, enrichRuns, 1)
	assert.Contains(t, enrichRuns[0].Context, "OPERA I/II")
	assert.Contains(t, enrichRuns[0].Context, "serum NfL")
}

func TestResearchPhaseWarnsOnSearcherFacts(t *testing.T) {
	graphs, handle, deps, runner := phaseFixture(t, graph.PhaseIntake)
	tl := logging.NewTestLogger()
	deps.logger = tl.Logger

	runner.on(workunit.KindTopicGenerator, success(workunit.KindTopicGenerator, "ocrelizumab efficacy"))
	// Searchers report findings; any mutation intents they emit are not
	// theirs to write.
	runner.on(workunit.KindLiteratureSearcher,
		success(workunit.KindLiteratureSearcher, "OPERA I/II trials",
			graph.MergeNode{Ref: graph.NodeRef{Kind: "Article", NaturalKey: "pmid:999"}}))
	runner.on(workunit.KindGraphEnricher, success(workunit.KindGraphEnricher, "evidence merged",
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Article", NaturalKey: "pmid:28002679"}}))
	runner.on(workunit.KindEnrichmentChecker, accept(workunit.KindEnrichmentChecker))

	result, err := (&researchPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	tl.AssertLogged(t, zapcore.WarnLevel, "discarding facts")

	// Only the enricher's article landed on the graph.
	overview, err := graphs.Overview(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, overview.NodesByKind["Article"])
}

func TestClinicalPhaseConvenesNamedSpecialists(t *testing.T) {
	_, handle, deps, runner := phaseFixture(t, graph.PhaseResearch)

	runner.on(workunit.KindClinicalManager, success(workunit.KindClinicalManager,
		"This case needs neurology and infectious disease review."))
	runner.on(workunit.KindSpecialist,
		success(workunit.KindSpecialist, "neurology assessment"),
		success(workunit.KindSpecialist, "infection risk assessment"))
	runner.on(workunit.KindGraphEnricher, success(workunit.KindGraphEnricher, "assessments merged",
		graph.MergeNode{Ref: graph.NodeRef{Kind: "Finding", NaturalKey: "finding:1"}}))
	runner.on(workunit.KindEnrichmentChecker, accept(workunit.KindEnrichmentChecker))

	result, err := (&clinicalPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	specialists := runner.runsOf(workunit.KindSpecialist)
	require.Len(t, specialists, 2)
	got := []string{specialists[0].Specialty, specialists[1].Specialty}
	assert.ElementsMatch(t, []string{"infectious-disease", "neurology"}, got)
}

func TestMatchSpecialties(t *testing.T) {
	matched := matchSpecialties("Convene Neurology, nephrology and pain medicine.")
	assert.Equal(t, []string{"nephrology", "neurology", "pain-medicine"}, matched)

	assert.Empty(t, matchSpecialties("no panel required"))
}

func TestReportingPhaseAcceptedFirstRound(t *testing.T) {
	graphs, handle, deps, runner := phaseFixture(t, graph.PhaseClinical)

	runner.on(workunit.KindReportDrafter, success(workunit.KindReportDrafter, "draft v1"))
	runner.on(workunit.KindReportReviewer,
		accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer))
	runner.on(workunit.KindReportFinalizer, success(workunit.KindReportFinalizer, "final report text"))

	result, err := (&reportingPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	report, err := graphs.GetAnnotation(context.Background(), "P1", ReportAnnotationKey)
	require.NoError(t, err)
	assert.Equal(t, "final report text", report)

	consensus, err := graphs.GetAnnotation(context.Background(), "P1", "roundtable.consensus")
	require.NoError(t, err)
	assert.Contains(t, consensus, reasoner.VerdictAccept)
}

func TestReportingPhaseRedraftsOnRevise(t *testing.T) {
	_, handle, deps, runner := phaseFixture(t, graph.PhaseClinical)

	revise := &workunit.Result{
		Kind:     workunit.KindReportReviewer,
		Status:   workunit.StatusSuccess,
		Verdict:  reasoner.VerdictRevise,
		Feedback: "missing the infection risk discussion",
	}
	runner.on(workunit.KindReportDrafter,
		success(workunit.KindReportDrafter, "draft v1"),
		success(workunit.KindReportDrafter, "draft v2"))
	runner.on(workunit.KindReportReviewer,
		revise, revise, revise,
		accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer))
	runner.on(workunit.KindReportFinalizer, success(workunit.KindReportFinalizer, "final report text"))

	result, err := (&reportingPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	drafts := runner.runsOf(workunit.KindReportDrafter)
	require.Len(t, drafts, 2)
	assert.Empty(t, drafts[0].Context)
	assert.Contains(t, drafts[1].Context, "missing the infection risk discussion")
}

func TestReportingPhaseFallsBackToDraft(t *testing.T) {
	graphs, handle, deps, runner := phaseFixture(t, graph.PhaseClinical)

	runner.on(workunit.KindReportDrafter, success(workunit.KindReportDrafter, "draft v1"))
	runner.on(workunit.KindReportReviewer,
		accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer), accept(workunit.KindReportReviewer))
	// Finalizer queue empty; the stub returns a failure.

	result, err := (&reportingPhase{deps}).Execute(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, result.Usable())

	report, err := graphs.GetAnnotation(context.Background(), "P1", ReportAnnotationKey)
	require.NoError(t, err)
	assert.Equal(t, "draft v1", report)
}
