package workunit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/capability"
	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/provider"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/telemetry"
)

// Input frames one work-unit run.
type Input struct {
	Kind Kind
	// Specialty parametrizes KindSpecialist runs.
	Specialty string
	// Task is the unit's standing instruction.
	Task string
	// Context carries upstream output: prior unit summaries, verifier
	// feedback, the candidate under review.
	Context string
	// Handle is the patient graph the unit works against.
	Handle *graph.Handle
}

// grantKind returns the kind name grants are declared under.
func (in Input) grantKind() string {
	return string(in.Kind)
}

func (in Input) describe() string {
	if in.Specialty != "" {
		return string(in.Kind) + "/" + in.Specialty
	}
	return string(in.Kind)
}

// Policy decides how an error-bearing run is graded.
type Policy struct {
	// PartialSuccessMinRatio is the minimum fraction of attempted
	// capability calls that must succeed for a run with errors to count as
	// PartialSuccess rather than Failure. Zero accepts any run that still
	// produced facts.
	PartialSuccessMinRatio float64
}

// Runner executes work units. One Runner serves every kind; grants differ
// per kind through the capability registry it was built with.
type Runner struct {
	registry  *capability.Registry
	providers provider.Set
	reasoner  reasoner.Client
	graphs    *graph.Manager
	maxRounds int
	deadline  time.Duration
	policy    Policy
	logger    *logging.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithPolicy sets the partial-success grading policy.
func WithPolicy(policy Policy) RunnerOption {
	return func(r *Runner) { r.policy = policy }
}

// WithMaxRounds bounds reasoner decision rounds per run.
func WithMaxRounds(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

// WithDeadline bounds each run's wall-clock time. Past the deadline the
// run stops at the next round boundary or blocking call and downgrades.
func WithDeadline(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// NewRunner wires a runner to its collaborators.
func NewRunner(registry *capability.Registry, providers provider.Set, client reasoner.Client, graphs *graph.Manager, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:  registry,
		providers: providers,
		reasoner:  client,
		graphs:    graphs,
		maxRounds: 8,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives one work unit to a terminal result. Local errors (denied
// capabilities, provider failures, deadline expiry) are absorbed into the
// result and downgrade its status; they never propagate as an error
// return. The returned result is immutable.
func (r *Runner) Run(ctx context.Context, input Input) *Result {
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	res := &Result{
		ID:   uuid.NewString(),
		Kind: input.Kind,
	}
	ctx = logging.WithFields(ctx,
		zap.String("work_unit", input.describe()),
		zap.String("run_id", res.ID))

	granted := r.registry.ListGranted(input.grantKind())
	promptContext := r.buildPrompt(ctx, input)

	var observations []reasoner.Observation
	finished := false

	for round := 0; round < r.maxRounds; round++ {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, classify(ctx.Err()))
			break
		}

		decision, err := r.reasoner.Generate(ctx, reasoner.Request{
			WorkUnitKind:          input.grantKind(),
			PromptContext:         promptContext,
			AvailableCapabilities: granted,
			Observations:          observations,
		})
		if err != nil {
			rec := classify(err)
			if rec.Code == ErrCodeProviderError {
				rec.Code = ErrCodeReasonerError
			}
			res.Errors = append(res.Errors, rec)
			break
		}

		if len(decision.Calls) == 0 {
			r.collectFacts(res, decision)
			finished = true
			break
		}

		observations = r.executeCalls(ctx, input, res, decision.Calls)
	}

	if !finished && ctx.Err() == nil && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, ErrorRecord{
			Code:    ErrCodeRoundsExhausted,
			Message: fmt.Sprintf("no final decision after %d reasoner rounds", r.maxRounds),
		})
	}

	res.Status = r.grade(res)
	telemetry.WorkUnitsTotal.WithLabelValues(string(input.Kind), string(res.Status)).Inc()
	r.logger.Info(ctx, "work unit finished",
		zap.String("status", string(res.Status)),
		zap.Int("facts", len(res.ProducedFacts)),
		zap.Int("calls_attempted", res.CallsAttempted),
		zap.Int("errors", len(res.Errors)))
	return res
}

// buildPrompt assembles the opaque prompt context: task, upstream context,
// and the current graph overview when the unit may read it.
func (r *Runner) buildPrompt(ctx context.Context, input Input) string {
	prompt := input.Task
	if input.Specialty != "" {
		prompt += "\nSpecialty: " + input.Specialty
	}
	if input.Context != "" {
		prompt += "\n\n" + input.Context
	}

	if input.Handle != nil && r.registry.Authorize(input.grantKind(), capability.GraphOverview) {
		overview, err := r.graphs.Overview(ctx, input.Handle.PatientKey)
		if err == nil {
			if data, err := json.Marshal(overview); err == nil {
				prompt += "\n\nGraph overview: " + string(data)
			}
		}
	}
	return prompt
}

// executeCalls performs the round's capability calls and reports each
// outcome back as an observation. A denied or failed call becomes a typed
// error on the result and an error observation for the reasoner; the run
// keeps going.
func (r *Runner) executeCalls(ctx context.Context, input Input, res *Result, calls []reasoner.CapabilityCall) []reasoner.Observation {
	observations := make([]reasoner.Observation, 0, len(calls))
	for _, call := range calls {
		res.CallsAttempted++

		data, err := r.executeOne(ctx, input, call)
		if err != nil {
			res.Errors = append(res.Errors, classify(err))
			observations = append(observations, reasoner.Observation{Call: call, Error: err.Error()})
			continue
		}

		res.CallsSucceeded++
		observations = append(observations, reasoner.Observation{Call: call, Result: data})
	}
	return observations
}

func (r *Runner) executeOne(ctx context.Context, input Input, call reasoner.CapabilityCall) (json.RawMessage, error) {
	if !r.registry.Authorize(input.grantKind(), call.Capability) {
		return nil, &capability.DeniedError{Kind: input.grantKind(), Capability: call.Capability}
	}

	if call.Capability == capability.GraphOverview {
		if input.Handle == nil {
			return nil, fmt.Errorf("graph overview requested without a graph handle")
		}
		overview, err := r.graphs.Overview(ctx, input.Handle.PatientKey)
		if err != nil {
			return nil, err
		}
		return json.Marshal(overview)
	}

	adapter, ok := r.providers.ForCapability(call.Capability)
	if !ok {
		return nil, fmt.Errorf("no provider configured for capability %s", call.Capability)
	}

	result, err := adapter.Invoke(ctx, input.grantKind(), call.Capability, provider.Args(call.Args))
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// collectFacts converts the decision's facts into mutations and copies the
// verdict fields. A malformed fact is recorded and skipped; the rest of
// the batch survives.
func (r *Runner) collectFacts(res *Result, decision *reasoner.Decision) {
	for _, fact := range decision.Facts {
		mut, err := fact.Mutation()
		if err != nil {
			res.Errors = append(res.Errors, ErrorRecord{Code: ErrCodeReasonerError, Message: err.Error()})
			continue
		}
		res.ProducedFacts = append(res.ProducedFacts, mut)
	}
	res.Verdict = decision.Verdict
	res.Feedback = decision.Feedback
	res.Summary = decision.Summary
}

// grade applies the downgrade rules: clean runs succeed, error-bearing
// runs with usable output degrade to partial, everything else fails.
func (r *Runner) grade(res *Result) Status {
	if len(res.Errors) == 0 {
		return StatusSuccess
	}

	usable := len(res.ProducedFacts) > 0 || res.Verdict != "" || res.Summary != ""
	if !usable {
		return StatusFailure
	}

	if res.CallsAttempted > 0 {
		ratio := float64(res.CallsSucceeded) / float64(res.CallsAttempted)
		if ratio < r.policy.PartialSuccessMinRatio {
			return StatusFailure
		}
	}
	return StatusPartialSuccess
}
