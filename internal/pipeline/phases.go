package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patientmap/patientmapd/internal/config"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/loop"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/roundtable"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// UnitRunner executes one work unit. *workunit.Runner satisfies it.
type UnitRunner interface {
	Run(ctx context.Context, input workunit.Input) *workunit.Result
}

// phaseDeps are the collaborators every phase handler shares.
type phaseDeps struct {
	runner UnitRunner
	graphs *graph.Manager
	cfg    config.PipelineConfig
	logger *logging.Logger
}

// NewPhaseHandlers builds the standard handler for each phase and
// registers them on the sequencer.
func NewPhaseHandlers(s *Sequencer, runner UnitRunner, graphs *graph.Manager, cfg config.PipelineConfig, logger *logging.Logger) {
	if logger == nil {
		logger = logging.NewNop()
	}
	deps := phaseDeps{runner: runner, graphs: graphs, cfg: cfg, logger: logger}
	s.RegisterHandler(&intakePhase{deps})
	s.RegisterHandler(&researchPhase{deps})
	s.RegisterHandler(&clinicalPhase{deps})
	s.RegisterHandler(&reportingPhase{deps})
}

// applyFacts writes a unit's mutation intents to the graph. The phase has
// not advanced yet, so the expected prior phase is this phase's
// predecessor.
func (d phaseDeps) applyFacts(ctx context.Context, handle *graph.Handle, phase graph.Phase, result *PhaseResult, unit *workunit.Result) error {
	if unit == nil || len(unit.ProducedFacts) == 0 {
		return nil
	}
	prior, err := graph.Predecessor(phase)
	if err != nil {
		return err
	}
	if err := d.graphs.Apply(ctx, handle, unit.ProducedFacts, prior); err != nil {
		result.Errors = append(result.Errors, workunit.ErrorRecord{
			Code:    "graph_write_failure",
			Message: err.Error(),
		})
		return err
	}
	return nil
}

// warnDiscardedFacts flags mutation intents from units whose role does not
// write to the graph. The facts are not applied; the log keeps the drop
// visible.
func (d phaseDeps) warnDiscardedFacts(ctx context.Context, units ...*workunit.Result) {
	for _, u := range units {
		if u == nil || len(u.ProducedFacts) == 0 {
			continue
		}
		d.logger.Warn(ctx, "discarding facts from non-writing work unit",
			zap.String("kind", string(u.Kind)),
			zap.Int("facts", len(u.ProducedFacts)))
	}
}

// runLoop runs a producer/verifier loop with the configured ceiling and
// applies the surviving output's facts.
func (d phaseDeps) runLoop(ctx context.Context, handle *graph.Handle, phase graph.Phase, result *PhaseResult, name string, producer, verifier workunit.Input) *loop.Outcome {
	ctl := loop.New(d.runner, name, producer, verifier,
		loop.WithMaxIterations(d.cfg.MaxLoopIterations),
		loop.WithLogger(d.logger))
	out := ctl.Run(ctx)
	if out.Final != nil {
		result.Units = append(result.Units, out.Final)
		// Best effort; a write failure is already on the result.
		_ = d.applyFacts(ctx, handle, phase, result, out.Final)
	}
	return &out
}

// intakePhase ingests the patient record and bootstraps the graph: a
// gatherer summarizes the record, a planner sketches the graph shape, and
// a builder/checker loop materializes it.
type intakePhase struct {
	phaseDeps
}

func (p *intakePhase) Phase() graph.Phase { return graph.PhaseIntake }

func (p *intakePhase) Execute(ctx context.Context, handle *graph.Handle) (*PhaseResult, error) {
	result := &PhaseResult{Phase: graph.PhaseIntake}

	gatherer := p.runner.Run(ctx, workunit.Input{
		Kind:   workunit.KindIntakeGatherer,
		Task:   "Collect and summarize the patient's clinical record: demographics, conditions, medications, procedures, lab results.",
		Handle: handle,
	})
	result.Units = append(result.Units, gatherer)
	if !gatherer.Status.Usable() {
		return result, nil
	}
	_ = p.applyFacts(ctx, handle, graph.PhaseIntake, result, gatherer)

	planner := p.runner.Run(ctx, workunit.Input{
		Kind:    workunit.KindGraphPlanner,
		Task:    "Plan the knowledge graph for this patient: the node kinds, key entities, and relationships the builder should create.",
		Context: "Patient record summary:\n" + gatherer.Summary,
		Handle:  handle,
	})
	result.Units = append(result.Units, planner)
	p.warnDiscardedFacts(ctx, planner)

	plan := planner.Summary
	if !planner.Status.Usable() {
		plan = gatherer.Summary
	}

	p.runLoop(ctx, handle, graph.PhaseIntake, result, "intake-build",
		workunit.Input{
			Kind:    workunit.KindGraphBuilder,
			Task:    "Build the patient knowledge graph according to the plan, merging nodes and edges for every clinical entity.",
			Context: "Graph plan:\n" + plan,
			Handle:  handle,
		},
		workunit.Input{
			Kind:    workunit.KindBuildChecker,
			Task:    "Check the built graph against the patient record: verify completeness and flag missing or malformed entities.",
			Handle:  handle,
		})
	return result, nil
}

// researchPhase enriches the graph with published evidence: a topic
// generator derives search topics, literature searchers fan out over
// them, and an enricher/checker loop folds findings into the graph.
type researchPhase struct {
	phaseDeps
}

func (p *researchPhase) Phase() graph.Phase { return graph.PhaseResearch }

func (p *researchPhase) Execute(ctx context.Context, handle *graph.Handle) (*PhaseResult, error) {
	result := &PhaseResult{Phase: graph.PhaseResearch}

	topicGen := p.runner.Run(ctx, workunit.Input{
		Kind:   workunit.KindTopicGenerator,
		Task:   "Derive research topics from the patient's graph, one per line, ordered by clinical relevance.",
		Handle: handle,
	})
	result.Units = append(result.Units, topicGen)
	p.warnDiscardedFacts(ctx, topicGen)
	if !topicGen.Status.Usable() {
		return result, nil
	}

	topics := splitLines(topicGen.Summary)
	if len(topics) == 0 {
		topics = []string{topicGen.Summary}
	}

	searchers := p.fanOut(ctx, topics, func(topic string) workunit.Input {
		return workunit.Input{
			Kind:    workunit.KindLiteratureSearcher,
			Task:    "Search the literature and clinical trial registries for this topic and report relevant findings with identifiers.",
			Context: "Topic: " + topic,
			Handle:  handle,
		}
	})
	result.Units = append(result.Units, searchers...)
	p.warnDiscardedFacts(ctx, searchers...)

	var findings []string
	for _, s := range searchers {
		if s.Status.Usable() && s.Summary != "" {
			findings = append(findings, s.Summary)
		}
	}

	p.runLoop(ctx, handle, graph.PhaseResearch, result, "research-enrich",
		workunit.Input{
			Kind:    workunit.KindGraphEnricher,
			Task:    "Fold the research findings into the patient graph: merge article, trial, and evidence nodes linked to the clinical entities they support.",
			Context: "Research findings:\n" + strings.Join(findings, "\n---\n"),
			Handle:  handle,
		},
		workunit.Input{
			Kind:   workunit.KindEnrichmentChecker,
			Task:   "Check the enriched graph: every evidence node must cite a source and link to a clinical entity.",
			Handle: handle,
		})
	return result, nil
}

// clinicalPhase runs the specialist panel: a manager selects the
// specialties the case needs, specialists fan out in parallel, and an
// enricher/checker loop consolidates their assessments into the graph.
type clinicalPhase struct {
	phaseDeps
}

func (p *clinicalPhase) Phase() graph.Phase { return graph.PhaseClinical }

func (p *clinicalPhase) Execute(ctx context.Context, handle *graph.Handle) (*PhaseResult, error) {
	result := &PhaseResult{Phase: graph.PhaseClinical}

	manager := p.runner.Run(ctx, workunit.Input{
		Kind:   workunit.KindClinicalManager,
		Task:   "Review the patient graph and list the medical specialties whose assessment this case needs, one per line.",
		Handle: handle,
	})
	result.Units = append(result.Units, manager)
	p.warnDiscardedFacts(ctx, manager)
	if !manager.Status.Usable() {
		return result, nil
	}

	specialties := matchSpecialties(manager.Summary)
	if len(specialties) == 0 {
		specialties = []string{"internal-medicine"}
	}

	specialists := p.fanOutSpecialists(ctx, handle, specialties)
	result.Units = append(result.Units, specialists...)
	p.warnDiscardedFacts(ctx, specialists...)

	var assessments []string
	for _, s := range specialists {
		if s.Status.Usable() && s.Summary != "" {
			assessments = append(assessments, s.Summary)
		}
	}

	p.runLoop(ctx, handle, graph.PhaseClinical, result, "clinical-enrich",
		workunit.Input{
			Kind:    workunit.KindGraphEnricher,
			Task:    "Merge the specialist assessments into the patient graph as finding and recommendation nodes linked to the conditions they address.",
			Context: "Specialist assessments:\n" + strings.Join(assessments, "\n---\n"),
			Handle:  handle,
		},
		workunit.Input{
			Kind:   workunit.KindEnrichmentChecker,
			Task:   "Check the clinical enrichment: every recommendation must trace to a specialist assessment and a condition in the graph.",
			Handle: handle,
		})
	return result, nil
}

// reportingPhase drafts the final report, submits it to the round table,
// redrafts on a revise consensus, and persists the accepted report and
// the consensus record on the graph.
type reportingPhase struct {
	phaseDeps
}

// ReportAnnotationKey is the graph annotation the final report is stored
// under.
const ReportAnnotationKey = "report.final"

func (p *reportingPhase) Phase() graph.Phase { return graph.PhaseReporting }

func (p *reportingPhase) Execute(ctx context.Context, handle *graph.Handle) (*PhaseResult, error) {
	result := &PhaseResult{Phase: graph.PhaseReporting}

	table, err := roundtable.New(p.runner, reviewerPanel(handle), roundtable.WithLogger(p.logger))
	if err != nil {
		return result, err
	}

	draftInput := workunit.Input{
		Kind:   workunit.KindReportDrafter,
		Task:   "Draft the patient's clinical research report from the graph: history, evidence, specialist findings, recommendations.",
		Handle: handle,
	}

	var draft *workunit.Result
	var record *roundtable.ConsensusRecord
	maxRounds := p.cfg.MaxLoopIterations
	if maxRounds <= 0 {
		maxRounds = loop.DefaultMaxIterations
	}

	for round := 1; round <= maxRounds; round++ {
		draft = p.runner.Run(ctx, draftInput)
		result.Units = append(result.Units, draft)
		p.warnDiscardedFacts(ctx, draft)
		if !draft.Status.Usable() {
			return result, nil
		}

		var reviews []*workunit.Result
		record, reviews, err = table.Review(ctx, draft.Summary)
		if err != nil {
			return result, err
		}
		result.Units = append(result.Units, reviews...)
		p.warnDiscardedFacts(ctx, reviews...)

		if record.Resolved == reasoner.VerdictAccept {
			break
		}
		p.logger.Info(ctx, "round table requested changes",
			zap.Int("round", round),
			zap.String("resolved", record.Resolved))
		draftInput.Context = "The review panel rejected the previous draft:\n" + reviewFeedback(reviews)
	}

	finalizer := p.runner.Run(ctx, workunit.Input{
		Kind:    workunit.KindReportFinalizer,
		Task:    "Produce the final report text incorporating the panel's feedback. Output the complete report.",
		Context: "Accepted draft:\n" + draft.Summary,
		Handle:  handle,
	})
	result.Units = append(result.Units, finalizer)
	p.warnDiscardedFacts(ctx, finalizer)

	final := finalizer.Summary
	if !finalizer.Status.Usable() || final == "" {
		final = draft.Summary
	}

	muts := []graph.Mutation{graph.Annotate{Key: ReportAnnotationKey, Value: final}}
	if record != nil {
		if mut, err := record.Mutation(); err == nil {
			muts = append(muts, mut)
		}
	}
	if err := p.graphs.Apply(ctx, handle, muts, graph.PhaseClinical); err != nil {
		result.Errors = append(result.Errors, workunit.ErrorRecord{
			Code:    "graph_write_failure",
			Message: err.Error(),
		})
		return result, err
	}
	return result, nil
}

// reviewerPanel is the fixed three-seat round table. Accuracy outranks
// completeness outranks clarity when a split needs breaking.
func reviewerPanel(handle *graph.Handle) []roundtable.Reviewer {
	roles := []struct {
		role string
		task string
	}{
		{"accuracy", "Review the draft report for factual accuracy against the patient graph. Verdict accept, revise, or reject with feedback."},
		{"completeness", "Review the draft report for completeness: every significant condition, evidence item, and recommendation in the graph must appear. Verdict accept, revise, or reject with feedback."},
		{"clarity", "Review the draft report for clarity and clinical readability. Verdict accept, revise, or reject with feedback."},
	}
	reviewers := make([]roundtable.Reviewer, 0, len(roles))
	for i, r := range roles {
		reviewers = append(reviewers, roundtable.Reviewer{
			Role:     r.role,
			Priority: i + 1,
			Input: workunit.Input{
				Kind:      workunit.KindReportReviewer,
				Specialty: r.role,
				Task:      r.task,
				Handle:    handle,
			},
		})
	}
	return reviewers
}

// fanOut runs one work unit per item with bounded concurrency. Results
// keep item order.
func (d phaseDeps) fanOut(ctx context.Context, items []string, build func(string) workunit.Input) []*workunit.Result {
	results := make([]*workunit.Result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOutLimit())
	for i, item := range items {
		g.Go(func() error {
			results[i] = d.runner.Run(gctx, build(item))
			return nil
		})
	}
	_ = g.Wait()
	return compactResults(results)
}

func (d phaseDeps) fanOutSpecialists(ctx context.Context, handle *graph.Handle, specialties []string) []*workunit.Result {
	return d.fanOut(ctx, specialties, func(specialty string) workunit.Input {
		return workunit.Input{
			Kind:      workunit.KindSpecialist,
			Specialty: specialty,
			Task:      fmt.Sprintf("Assess the patient from the %s perspective using the graph and relevant evidence. Report findings and recommendations.", specialty),
			Handle:    handle,
		}
	})
}

func (d phaseDeps) fanOutLimit() int {
	if d.cfg.FanOut > 0 {
		return d.cfg.FanOut
	}
	return 4
}

func compactResults(results []*workunit.Result) []*workunit.Result {
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// matchSpecialties picks the known specialties named anywhere in the
// manager's summary, in canonical order.
func matchSpecialties(summary string) []string {
	lowered := strings.ToLower(summary)
	var matched []string
	for _, specialty := range workunit.Specialties {
		spaced := strings.ReplaceAll(specialty, "-", " ")
		if strings.Contains(lowered, specialty) || strings.Contains(lowered, spaced) {
			matched = append(matched, specialty)
		}
	}
	return matched
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func reviewFeedback(reviews []*workunit.Result) string {
	var parts []string
	for _, r := range reviews {
		if r != nil && r.Feedback != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Kind, r.Feedback))
		}
	}
	return strings.Join(parts, "\n")
}
