package loop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/telemetry"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// State is how a loop run ended.
type State string

const (
	// StateConverged means the verifier accepted a producer output.
	StateConverged State = "converged"
	// StateIterationLimitReached means the ceiling was hit first. This is
	// a terminal condition, not an error; the last producer output stands.
	StateIterationLimitReached State = "iteration_limit_reached"
	// StateFailed means no iteration yielded usable producer output.
	StateFailed State = "failed"
)

// DefaultMaxIterations bounds produce/verify cycles per loop.
const DefaultMaxIterations = 3

// Outcome is the terminal record of one loop run.
type Outcome struct {
	State      State
	Iterations int
	// Final is the producer result that stands: the accepted one when
	// converged, otherwise the last usable one.
	Final *workunit.Result
	// LastVerdict is the verifier's verdict on Final, empty if the
	// verifier never graded it.
	LastVerdict string
	// Feedback is the verifier's final feedback, kept for diagnostics.
	Feedback string
}

// UnitRunner executes one work unit. *workunit.Runner satisfies it.
type UnitRunner interface {
	Run(ctx context.Context, input workunit.Input) *workunit.Result
}

// Controller runs a produce-then-verify cycle until the verifier accepts
// or the iteration ceiling is reached. The producer and verifier are work
// units; verifier feedback is folded into the next producer input.
type Controller struct {
	runner        UnitRunner
	name          string
	producer      workunit.Input
	verifier      workunit.Input
	maxIterations int
	logger        *logging.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxIterations sets the iteration ceiling.
func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New builds a loop controller over a producer/verifier pair. The name
// labels the loop in logs and metrics.
func New(runner UnitRunner, name string, producer, verifier workunit.Input, opts ...Option) *Controller {
	c := &Controller{
		runner:        runner,
		name:          name,
		producer:      producer,
		verifier:      verifier,
		maxIterations: DefaultMaxIterations,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the loop. An iteration already in flight when the ceiling is
// reached completes; the controller never starts iteration maxIterations+1.
func (c *Controller) Run(ctx context.Context) Outcome {
	ctx = logging.WithFields(ctx, zap.String("loop", c.name))
	out := Outcome{State: StateFailed}
	feedback := ""

	for i := 1; i <= c.maxIterations; i++ {
		out.Iterations = i
		if ctx.Err() != nil {
			break
		}

		producer := c.producer
		if feedback != "" {
			producer.Context = joinContext(producer.Context,
				fmt.Sprintf("Reviewer feedback on the previous attempt:\n%s", feedback))
		}
		produced := c.runner.Run(ctx, producer)
		if !produced.Status.Usable() {
			c.logger.Warn(ctx, "producer iteration unusable",
				zap.Int("iteration", i),
				zap.String("status", string(produced.Status)))
			continue
		}
		out.Final = produced

		verifier := c.verifier
		verifier.Context = joinContext(verifier.Context,
			fmt.Sprintf("Candidate under review:\n%s", produced.Summary))
		verdict := c.runner.Run(ctx, verifier)
		out.LastVerdict = verdict.Verdict
		out.Feedback = verdict.Feedback

		if verdict.Status.Usable() && verdict.Verdict == reasoner.VerdictAccept {
			out.State = StateConverged
			break
		}
		// An unusable verifier run counts as a non-accept; the loop
		// presses on with whatever feedback it got.
		feedback = verdict.Feedback
		out.State = StateIterationLimitReached
	}

	if out.Final == nil {
		out.State = StateFailed
	}
	telemetry.LoopIterations.WithLabelValues(c.name, string(out.State)).Observe(float64(out.Iterations))
	c.logger.Info(ctx, "loop finished",
		zap.String("state", string(out.State)),
		zap.Int("iterations", out.Iterations),
		zap.String("verdict", out.LastVerdict))
	return out
}

func joinContext(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}
