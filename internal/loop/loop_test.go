package loop

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// scriptedRunner returns pre-canned results per kind, in order.
type scriptedRunner struct {
	results map[workunit.Kind][]*workunit.Result
	inputs  []workunit.Input
}

func (s *scriptedRunner) Run(_ context.Context, input workunit.Input) *workunit.Result {
	s.inputs = append(s.inputs, input)
	queue := s.results[input.Kind]
	if len(queue) == 0 {
		panic("unexpected run for kind " + string(input.Kind))
	}
	res := queue[0]
	s.results[input.Kind] = queue[1:]
	return res
}

func produced(summary string) *workunit.Result {
	return &workunit.Result{Kind: workunit.KindGraphBuilder, Status: workunit.StatusSuccess, Summary: summary}
}

func verdict(v, feedback string) *workunit.Result {
	return &workunit.Result{Kind: workunit.KindBuildChecker, Status: workunit.StatusSuccess, Verdict: v, Feedback: feedback}
}

func newController(runner UnitRunner, opts ...Option) *Controller {
	return New(runner, "build",
		workunit.Input{Kind: workunit.KindGraphBuilder, Task: "build the graph"},
		workunit.Input{Kind: workunit.KindBuildChecker, Task: "check the graph"},
		opts...)
}

func TestConvergesFirstIteration(t *testing.T) {
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {produced("v1")},
		workunit.KindBuildChecker: {verdict(reasoner.VerdictAccept, "")},
	}}

	out := newController(runner).Run(context.Background())

	assert.Equal(t, StateConverged, out.State)
	assert.Equal(t, 1, out.Iterations)
	require.NotNil(t, out.Final)
	assert.Equal(t, "v1", out.Final.Summary)
	assert.Equal(t, reasoner.VerdictAccept, out.LastVerdict)
}

func TestFeedbackFoldedIntoNextIteration(t *testing.T) {
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {produced("v1"), produced("v2")},
		workunit.KindBuildChecker: {
			verdict(reasoner.VerdictRevise, "missing medication nodes"),
			verdict(reasoner.VerdictAccept, ""),
		},
	}}

	out := newController(runner).Run(context.Background())

	assert.Equal(t, StateConverged, out.State)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, "v2", out.Final.Summary)

	// Producer, verifier, producer, verifier.
	require.Len(t, runner.inputs, 4)
	assert.Contains(t, runner.inputs[2].Context, "missing medication nodes")
	assert.False(t, strings.Contains(runner.inputs[0].Context, "missing medication nodes"))
}

func TestIterationLimitRetainsLastOutput(t *testing.T) {
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {produced("v1"), produced("v2"), produced("v3")},
		workunit.KindBuildChecker: {
			verdict(reasoner.VerdictRevise, "thin"),
			verdict(reasoner.VerdictRevise, "still thin"),
			verdict(reasoner.VerdictRevise, "no better"),
		},
	}}

	out := newController(runner).Run(context.Background())

	assert.Equal(t, StateIterationLimitReached, out.State)
	assert.Equal(t, 3, out.Iterations)
	require.NotNil(t, out.Final)
	assert.Equal(t, "v3", out.Final.Summary)
	assert.Equal(t, reasoner.VerdictRevise, out.LastVerdict)
	// Never a fourth producer run.
	assert.Len(t, runner.inputs, 6)
}

func TestUnusableProducerIterationsAreFailed(t *testing.T) {
	failure := &workunit.Result{Kind: workunit.KindGraphBuilder, Status: workunit.StatusFailure}
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {failure, failure, failure},
	}}

	out := newController(runner).Run(context.Background())

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 3, out.Iterations)
	assert.Nil(t, out.Final)
	// Verifier never consulted without a candidate.
	assert.Len(t, runner.inputs, 3)
}

func TestPartialSuccessCandidateStillVerified(t *testing.T) {
	partial := &workunit.Result{Kind: workunit.KindGraphBuilder, Status: workunit.StatusPartialSuccess, Summary: "partial graph"}
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {partial},
		workunit.KindBuildChecker: {verdict(reasoner.VerdictAccept, "")},
	}}

	out := newController(runner).Run(context.Background())

	assert.Equal(t, StateConverged, out.State)
	assert.Equal(t, "partial graph", out.Final.Summary)
}

func TestMaxIterationsOption(t *testing.T) {
	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{
		workunit.KindGraphBuilder: {produced("v1")},
		workunit.KindBuildChecker: {verdict(reasoner.VerdictReject, "wrong patient")},
	}}

	out := newController(runner, WithMaxIterations(1)).Run(context.Background())

	assert.Equal(t, StateIterationLimitReached, out.State)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, "v1", out.Final.Summary)
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &scriptedRunner{results: map[workunit.Kind][]*workunit.Result{}}
	out := newController(runner).Run(ctx)

	assert.Equal(t, StateFailed, out.State)
	assert.Nil(t, out.Final)
	assert.Empty(t, runner.inputs)
}
