// Package ensemble runs multi-model validations. A strategy tag decides how
// many members vote and how their scores aggregate; strategies that cannot
// field enough disjoint models degrade to the next simpler one rather than
// fail.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codesmith/internal/metrics"
	"codesmith/internal/selector"
	"codesmith/internal/types"
	"codesmith/internal/validate"
)

// Strategy selects the voting scheme.
type Strategy string

const (
	StrategySingle      Strategy = "single"
	StrategySequential  Strategy = "sequential"
	StrategyParallel    Strategy = "parallel"
	StrategySpecialized Strategy = "specialized"
	StrategyPessimistic Strategy = "pessimistic"
	StrategyOptimistic  Strategy = "optimistic"
	StrategyAdaptive    Strategy = "adaptive"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingle, StrategySequential, StrategyParallel, StrategySpecialized,
		StrategyPessimistic, StrategyOptimistic, StrategyAdaptive:
		return true
	}
	return false
}

// borderline is the score band that triggers a second opinion under the
// sequential strategy.
const (
	borderlineLow  = 4.0
	borderlineHigh = 8.0
	// disagreement is the score gap that triggers a tiebreaker.
	disagreement = 2.0
	// memberTimeout bounds every member call under a shared deadline.
	memberTimeout = 10 * time.Minute
)

// Request carries everything one ensemble run needs.
type Request struct {
	Strategy      Strategy
	Files         []types.GeneratedFile
	Task          string
	Language      string
	Iteration     int
	MaxIterations int
	// Excluded models are never fielded as members.
	Excluded map[string]struct{}
}

// Coordinator fields members via the selector and scores via the validator.
type Coordinator struct {
	validator *validate.Validator
	selector  *selector.Selector
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New builds a coordinator.
func New(v *validate.Validator, s *selector.Selector, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Coordinator{
		validator: v,
		selector:  s,
		metrics:   m,
		logger:    logger.Named("ensemble"),
	}
}

// Run executes the requested strategy. The returned result records the
// strategy that actually ran after any degradation.
func (c *Coordinator) Run(ctx context.Context, req Request) (*types.EnsembleResult, error) {
	strategy := req.Strategy
	if strategy == StrategyAdaptive {
		strategy = adapt(req.Iteration, req.MaxIterations)
		c.logger.Debug("adaptive strategy resolved",
			zap.Int("iteration", req.Iteration),
			zap.Int("maxIterations", req.MaxIterations),
			zap.String("strategy", string(strategy)))
	}

	switch strategy {
	case StrategySingle:
		return c.runSingle(ctx, req)
	case StrategySequential:
		return c.runSequential(ctx, req)
	case StrategyParallel:
		return c.runParallel(ctx, req)
	case StrategySpecialized:
		return c.runSpecialized(ctx, req)
	case StrategyPessimistic:
		return c.runPair(ctx, req, StrategyPessimistic)
	case StrategyOptimistic:
		return c.runPair(ctx, req, StrategyOptimistic)
	}
	return nil, fmt.Errorf("ensemble: unknown strategy %q", req.Strategy)
}

// adapt implements the iteration-driven schedule: cheap early, thorough at
// the budget edge.
func adapt(iteration, maxIterations int) Strategy {
	if maxIterations <= 0 {
		return StrategySingle
	}
	switch {
	case iteration >= maxIterations:
		return StrategyParallel
	case float64(iteration) > 0.7*float64(maxIterations):
		return StrategySequential
	}
	return StrategySingle
}

// member runs one validation with one selected model and converts the result
// into a member tuple.
func (c *Coordinator) member(ctx context.Context, req Request, sel types.Selection, optimistic bool) (types.MemberResult, *types.ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, memberTimeout)
	defer cancel()

	result, err := c.validator.Run(ctx, sel, req.Files, req.Task, optimistic)
	if err != nil {
		return types.MemberResult{}, nil, err
	}
	return types.MemberResult{
		Model:      sel.Model,
		Score:      result.Score,
		IssueCount: len(result.Issues),
		Duration:   result.Duration,
		Warm:       result.Warm,
	}, result, nil
}

// pickMembers selects n disjoint validation models. The local exclusion set
// grows as members are picked so the same name never appears twice. Every
// member after the first is a second opinion and selects with the swap-tier
// bias; supplementary marks a pick that joins already-fielded members, so
// even the first one carries the bias.
func (c *Coordinator) pickMembers(ctx context.Context, req Request, n int, supplementary bool) ([]types.Selection, error) {
	excluded := make(map[string]struct{}, len(req.Excluded)+n)
	for name := range req.Excluded {
		excluded[name] = struct{}{}
	}

	members := make([]types.Selection, 0, n)
	for len(members) < n {
		picker := c.selector
		if supplementary || len(members) > 0 {
			picker = c.selector.SecondOpinion()
		}
		sel, err := picker.Select(ctx, types.PurposeValidation, req.Task, req.Language, excluded, nil)
		if err != nil {
			return members, err
		}
		if _, dup := excluded[sel.Model]; dup {
			// The selector fell back to an already-fielded model; the
			// disjoint pool is exhausted.
			return members, types.Ef(types.KindNoCandidate, "ensemble.pick", "only %d disjoint models available", len(members))
		}
		excluded[sel.Model] = struct{}{}
		members = append(members, sel)
	}
	return members, nil
}

// degrade records a downgrade and reruns the request one tier simpler.
func (c *Coordinator) degrade(ctx context.Context, req Request, from, to Strategy) (*types.EnsembleResult, error) {
	c.metrics.EnsembleDegradations.WithLabelValues(string(from)).Inc()
	c.logger.Warn("strategy degraded",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	req.Strategy = to
	result, err := c.Run(ctx, req)
	if result != nil {
		result.Degraded = true
	}
	return result, err
}

func (c *Coordinator) runSingle(ctx context.Context, req Request) (*types.EnsembleResult, error) {
	members, err := c.pickMembers(ctx, req, 1, false)
	if err != nil {
		// No validation model at all: the rule layer still produces a
		// deterministic verdict.
		c.logger.Warn("no validation model, rule layer only", zap.Error(err))
		result := c.validator.RulesOnly(req.Files)
		return &types.EnsembleResult{
			Score:      result.Score,
			Confidence: 1.0,
			Issues:     result.Issues,
			Feedback:   result.Feedback,
			Strategy:   string(StrategySingle),
			Degraded:   true,
		}, nil
	}

	member, result, err := c.member(ctx, req, members[0], false)
	if err != nil {
		return nil, err
	}
	return aggregate(StrategySingle, []types.MemberResult{member}, [][]types.ValidationIssue{result.Issues}, result.Feedback, member.Score), nil
}

// runSequential runs a fast model and escalates only when its verdict is
// borderline or contested.
func (c *Coordinator) runSequential(ctx context.Context, req Request) (*types.EnsembleResult, error) {
	members, err := c.pickMembers(ctx, req, 1, false)
	if err != nil {
		return c.degrade(ctx, req, StrategySequential, StrategySingle)
	}
	first, firstResult, err := c.member(ctx, req, members[0], false)
	if err != nil {
		return nil, err
	}

	if first.Score < borderlineLow || first.Score > borderlineHigh {
		return aggregate(StrategySequential, []types.MemberResult{first}, [][]types.ValidationIssue{firstResult.Issues}, firstResult.Feedback, first.Score), nil
	}

	// Borderline: field a second opinion from a different tier.
	seconds, err := c.pickDisjoint(ctx, req, []string{first.Model}, 1)
	if err != nil {
		return aggregate(StrategySequential, []types.MemberResult{first}, [][]types.ValidationIssue{firstResult.Issues}, firstResult.Feedback, first.Score), nil
	}
	second, secondResult, err := c.member(ctx, req, seconds[0], false)
	if err != nil {
		return aggregate(StrategySequential, []types.MemberResult{first}, [][]types.ValidationIssue{firstResult.Issues}, firstResult.Feedback, first.Score), nil
	}

	memberList := []types.MemberResult{first, second}
	issueSets := [][]types.ValidationIssue{firstResult.Issues, secondResult.Issues}
	feedback := firstResult.Feedback

	if math.Abs(first.Score-second.Score) > disagreement {
		// Contested: a tiebreaker decides by median.
		thirds, err := c.pickDisjoint(ctx, req, []string{first.Model, second.Model}, 1)
		if err == nil {
			third, thirdResult, terr := c.member(ctx, req, thirds[0], false)
			if terr == nil {
				memberList = append(memberList, third)
				issueSets = append(issueSets, thirdResult.Issues)
				return aggregate(StrategySequential, memberList, issueSets, feedback, median(memberScores(memberList))), nil
			}
		}
	}

	mean := (first.Score + second.Score) / 2
	return aggregate(StrategySequential, memberList, issueSets, feedback, mean), nil
}

// runParallel fans out to three disjoint members concurrently. Issues survive
// only when at least two members agree on the same {kind, file, line}.
func (c *Coordinator) runParallel(ctx context.Context, req Request) (*types.EnsembleResult, error) {
	selections, err := c.pickMembers(ctx, req, 3, false)
	if err != nil {
		return c.degrade(ctx, req, StrategyParallel, StrategySequential)
	}

	memberList := make([]types.MemberResult, len(selections))
	issueSets := make([][]types.ValidationIssue, len(selections))
	feedbacks := make([]string, len(selections))

	g, gctx := errgroup.WithContext(ctx)
	for i, sel := range selections {
		g.Go(func() error {
			member, result, err := c.member(gctx, req, sel, false)
			if err != nil {
				return err
			}
			memberList[i] = member
			issueSets[i] = result.Issues
			feedbacks[i] = result.Feedback
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sum := 0.0
	for _, m := range memberList {
		sum += m.Score
	}
	result := aggregate(StrategyParallel, memberList, nil, feedbacks[0], sum/float64(len(memberList)))
	result.Issues = agreedIssues(issueSets, 2)
	return result, nil
}

// runSpecialized maps issue categories to expert models and aggregates per
// category: security to the highest-priority validation model, architecture
// to the largest code-generation model, general to the fastest validator.
func (c *Coordinator) runSpecialized(ctx context.Context, req Request) (*types.EnsembleResult, error) {
	experts := c.pickExperts(ctx, req)
	if len(experts) == 0 {
		return c.degrade(ctx, req, StrategySpecialized, StrategySequential)
	}

	var memberList []types.MemberResult
	var issueSets [][]types.ValidationIssue
	feedback := ""
	sum := 0.0
	for _, sel := range experts {
		member, result, err := c.member(ctx, req, sel, false)
		if err != nil {
			c.logger.Warn("expert failed", zap.String("model", sel.Model), zap.Error(err))
			continue
		}
		memberList = append(memberList, member)
		issueSets = append(issueSets, result.Issues)
		if feedback == "" {
			feedback = result.Feedback
		}
		sum += member.Score
	}
	if len(memberList) == 0 {
		return c.degrade(ctx, req, StrategySpecialized, StrategySequential)
	}
	return aggregate(StrategySpecialized, memberList, issueSets, feedback, sum/float64(len(memberList))), nil
}

// pickExperts fields the category experts, skipping duplicates so the member
// set stays disjoint.
func (c *Coordinator) pickExperts(ctx context.Context, req Request) []types.Selection {
	var experts []types.Selection
	fielded := make(map[string]struct{})

	add := func(sel types.Selection, err error) {
		if err != nil {
			return
		}
		if _, dup := fielded[sel.Model]; dup {
			return
		}
		fielded[sel.Model] = struct{}{}
		experts = append(experts, sel)
	}

	// Security expert: the top validation model by priority.
	add(c.selector.Select(ctx, types.PurposeValidation, req.Task, req.Language, req.Excluded, nil))
	// Architecture expert: a code-generation model judging structure.
	add(c.selector.Select(ctx, types.PurposeCodeGeneration, req.Task, req.Language, merge(req.Excluded, fielded), nil))
	// General expert: the next validator in line.
	add(c.selector.Select(ctx, types.PurposeValidation, req.Task, req.Language, merge(req.Excluded, fielded), nil))

	return experts
}

// runPair fields two disjoint members and keeps min (pessimistic) or max
// (optimistic).
func (c *Coordinator) runPair(ctx context.Context, req Request, strategy Strategy) (*types.EnsembleResult, error) {
	selections, err := c.pickMembers(ctx, req, 2, false)
	if err != nil {
		return c.degrade(ctx, req, strategy, StrategySingle)
	}
	optimistic := strategy == StrategyOptimistic

	memberList := make([]types.MemberResult, len(selections))
	issueSets := make([][]types.ValidationIssue, len(selections))
	feedbacks := make([]string, len(selections))

	g, gctx := errgroup.WithContext(ctx)
	for i, sel := range selections {
		g.Go(func() error {
			member, result, err := c.member(gctx, req, sel, optimistic)
			if err != nil {
				return err
			}
			memberList[i] = member
			issueSets[i] = result.Issues
			feedbacks[i] = result.Feedback
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	score := memberList[0].Score
	for _, m := range memberList[1:] {
		if optimistic && m.Score > score {
			score = m.Score
		}
		if !optimistic && m.Score < score {
			score = m.Score
		}
	}
	return aggregate(strategy, memberList, issueSets, feedbacks[0], score), nil
}

// pickDisjoint selects n models outside both the request exclusions and the
// already-fielded set.
func (c *Coordinator) pickDisjoint(ctx context.Context, req Request, fielded []string, n int) ([]types.Selection, error) {
	sub := req
	sub.Excluded = make(map[string]struct{}, len(req.Excluded)+len(fielded))
	for name := range req.Excluded {
		sub.Excluded[name] = struct{}{}
	}
	for _, name := range fielded {
		sub.Excluded[name] = struct{}{}
	}
	return c.pickMembers(ctx, sub, n, true)
}

// aggregate assembles the result envelope. When issueSets is non-nil the
// union of all member issues is kept; parallel overrides this with the
// agreement filter.
func aggregate(strategy Strategy, members []types.MemberResult, issueSets [][]types.ValidationIssue, feedback string, score float64) *types.EnsembleResult {
	var issues []types.ValidationIssue
	for _, set := range issueSets {
		issues = append(issues, set...)
	}
	return &types.EnsembleResult{
		Members:    members,
		Score:      score,
		Confidence: Confidence(memberScores(members)),
		Issues:     issues,
		Feedback:   feedback,
		Strategy:   string(strategy),
	}
}

// Confidence summarizes member agreement: 1 - stddev/5 clamped to [0,1].
// A single member means no disagreement was observed, so 1.0.
func Confidence(scores []float64) float64 {
	if len(scores) <= 1 {
		return 1.0
	}
	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))

	confidence := 1 - math.Sqrt(variance)/5
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// agreedIssues keeps issues reported by at least quorum members with the
// same {kind, file, line}. The first reporter's wording wins.
func agreedIssues(issueSets [][]types.ValidationIssue, quorum int) []types.ValidationIssue {
	counts := make(map[types.IssueKey]int)
	first := make(map[types.IssueKey]types.ValidationIssue)
	var order []types.IssueKey
	for _, set := range issueSets {
		seen := make(map[types.IssueKey]struct{}, len(set))
		for _, issue := range set {
			key := issue.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if counts[key] == 0 {
				first[key] = issue
				order = append(order, key)
			}
			counts[key]++
		}
	}

	var out []types.ValidationIssue
	for _, key := range order {
		if counts[key] >= quorum {
			out = append(out, first[key])
		}
	}
	return out
}

func memberScores(members []types.MemberResult) []float64 {
	scores := make([]float64, len(members))
	for i, m := range members {
		scores[i] = m.Score
	}
	return scores
}

func median(scores []float64) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func merge(a map[string]struct{}, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
