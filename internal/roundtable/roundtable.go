package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patientmap/patientmapd/internal/graph"
	"github.com/patientmap/patientmapd/internal/logging"
	"github.com/patientmap/patientmapd/internal/reasoner"
	"github.com/patientmap/patientmapd/internal/workunit"
)

// UnitRunner executes one work unit. *workunit.Runner satisfies it.
type UnitRunner interface {
	Run(ctx context.Context, input workunit.Input) *workunit.Result
}

// Reviewer is one seat at the table. Priority breaks ties: when verdicts
// split evenly, the verdict of the lowest-priority-number reviewer wins.
type Reviewer struct {
	Role     string
	Priority int
	Input    workunit.Input
}

// ConsensusRecord is the persisted outcome of one round-table review.
type ConsensusRecord struct {
	ID              string            `json:"id"`
	Verdicts        map[string]string `json:"verdicts"`
	Resolved        string            `json:"resolved"`
	TieBreakApplied bool              `json:"tie_break_applied"`
	TieBreakRole    string            `json:"tie_break_role,omitempty"`
}

// AnnotationKey is the graph annotation the consensus record is stored
// under.
const AnnotationKey = "roundtable.consensus"

// Aggregator fans a candidate report out to a panel of reviewers, tallies
// their verdicts by majority, and resolves even splits deterministically
// by reviewer priority.
type Aggregator struct {
	runner    UnitRunner
	reviewers []Reviewer
	logger    *logging.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// New builds an aggregator over a fixed panel. Reviewer roles must be
// unique.
func New(runner UnitRunner, reviewers []Reviewer, opts ...Option) (*Aggregator, error) {
	if len(reviewers) == 0 {
		return nil, fmt.Errorf("round table needs at least one reviewer")
	}
	seen := make(map[string]struct{}, len(reviewers))
	for _, r := range reviewers {
		if r.Role == "" {
			return nil, fmt.Errorf("reviewer role must not be empty")
		}
		if _, dup := seen[r.Role]; dup {
			return nil, fmt.Errorf("duplicate reviewer role %q", r.Role)
		}
		seen[r.Role] = struct{}{}
	}

	a := &Aggregator{
		runner:    runner,
		reviewers: reviewers,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Review runs the whole panel concurrently against the candidate and
// returns the consensus. Reviewers whose runs fail outright abstain; an
// abstaining panel resolves to revise so a broken review never silently
// accepts a report.
func (a *Aggregator) Review(ctx context.Context, candidate string) (*ConsensusRecord, []*workunit.Result, error) {
	record := &ConsensusRecord{
		ID:       uuid.NewString(),
		Verdicts: make(map[string]string, len(a.reviewers)),
	}
	ctx = logging.WithFields(ctx, zap.String("roundtable_id", record.ID))

	results := make([]*workunit.Result, len(a.reviewers))
	g, gctx := errgroup.WithContext(ctx)
	for i, reviewer := range a.reviewers {
		g.Go(func() error {
			input := reviewer.Input
			input.Context = joinContext(input.Context, "Report under review:\n"+candidate)
			results[i] = a.runner.Run(gctx, input)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, reviewer := range a.reviewers {
		res := results[i]
		if !res.Status.Usable() || res.Verdict == "" {
			a.logger.Warn(ctx, "reviewer abstained",
				zap.String("role", reviewer.Role),
				zap.String("status", string(res.Status)))
			continue
		}
		record.Verdicts[reviewer.Role] = res.Verdict
	}

	a.resolve(record)
	a.logger.Info(ctx, "round table resolved",
		zap.String("resolved", record.Resolved),
		zap.Bool("tie_break", record.TieBreakApplied))
	return record, results, nil
}

// resolve tallies the verdict map. Strict majority wins; on a tie among
// the top verdicts, the highest-priority reviewer holding one of the tied
// verdicts decides. An empty panel resolves to revise.
func (a *Aggregator) resolve(record *ConsensusRecord) {
	if len(record.Verdicts) == 0 {
		record.Resolved = reasoner.VerdictRevise
		return
	}

	tally := make(map[string]int)
	for _, v := range record.Verdicts {
		tally[v]++
	}

	best := 0
	for _, n := range tally {
		if n > best {
			best = n
		}
	}
	var leaders []string
	for v, n := range tally {
		if n == best {
			leaders = append(leaders, v)
		}
	}
	sort.Strings(leaders)

	if len(leaders) == 1 {
		record.Resolved = leaders[0]
		return
	}

	// Tie. Walk reviewers by ascending priority and take the first whose
	// verdict is among the leaders; reviewer order is fixed per run, so
	// the same split always resolves the same way.
	ordered := make([]Reviewer, len(a.reviewers))
	copy(ordered, a.reviewers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	leaderSet := make(map[string]struct{}, len(leaders))
	for _, v := range leaders {
		leaderSet[v] = struct{}{}
	}
	for _, reviewer := range ordered {
		v, ok := record.Verdicts[reviewer.Role]
		if !ok {
			continue
		}
		if _, lead := leaderSet[v]; lead {
			record.Resolved = v
			record.TieBreakApplied = true
			record.TieBreakRole = reviewer.Role
			return
		}
	}
	record.Resolved = leaders[0]
	record.TieBreakApplied = true
}

// Mutation renders the record as the graph annotation that persists it.
func (r *ConsensusRecord) Mutation() (graph.Mutation, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode consensus record: %w", err)
	}
	return graph.Annotate{Key: AnnotationKey, Value: string(data)}, nil
}

func joinContext(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}
