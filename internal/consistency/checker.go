// Package consistency measures whether repeated evaluations of the same
// item reach the same decision. A configuration is only promotable to live
// trading when its decisions are stable across K independent runs.
package consistency

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"papertrade/internal/logger"
)

// MinRuns is the smallest K that gives a meaningful stability estimate.
const MinRuns = 5

// Outcome is what one evaluation run produced for one item.
type Outcome struct {
	Score      float64
	FinalTrade bool
}

// EvalFunc executes one full evaluation of one item. It is called K times
// per item and must be independent across calls.
type EvalFunc func(ctx context.Context, itemID string) (Outcome, error)

// ItemResult aggregates the K runs of a single item.
type ItemResult struct {
	ItemID     string    `json:"item_id"`
	Scores     []float64 `json:"scores"`
	Decisions  []bool    `json:"decisions"`
	ScoreMean  float64   `json:"score_mean"`
	ScoreStdev float64   `json:"score_stdev"`
	FlipCount  int       `json:"flip_count"`
	Consistent bool      `json:"consistent"`
	Err        string    `json:"error,omitempty"`
}

// Report is the stability verdict over a whole item set.
type Report struct {
	K             int          `json:"k"`
	Items         []ItemResult `json:"items"`
	FlipRate      float64      `json:"flip_rate"`
	MaxScoreStdev float64      `json:"max_score_stdev"`
	MaxFlipRate   float64      `json:"max_flip_rate_allowed"`
}

// Promotable reports whether the measured stability clears the bar.
func (r *Report) Promotable() bool {
	if len(r.Items) == 0 {
		return false
	}
	for _, item := range r.Items {
		if item.Err != "" {
			return false
		}
	}
	if r.FlipRate > r.MaxFlipRate {
		return false
	}
	for _, item := range r.Items {
		if item.ScoreStdev > r.MaxScoreStdev {
			return false
		}
	}
	return true
}

// Checker runs the K-run protocol.
type Checker struct {
	K             int
	MaxScoreStdev float64
	MaxFlipRate   float64
	Parallelism   int
}

func NewChecker(k int, maxScoreStdev, maxFlipRate float64) (*Checker, error) {
	if k < MinRuns {
		return nil, fmt.Errorf("consistency: k=%d is below the minimum of %d runs", k, MinRuns)
	}
	return &Checker{K: k, MaxScoreStdev: maxScoreStdev, MaxFlipRate: maxFlipRate, Parallelism: 4}, nil
}

// Run evaluates every item K times and aggregates stability metrics. Items
// run in parallel; the K runs of one item run sequentially so they never
// race on provider-side rate limits for the same payload.
func (c *Checker) Run(ctx context.Context, itemIDs []string, eval EvalFunc) (*Report, error) {
	if len(itemIDs) == 0 {
		return nil, fmt.Errorf("consistency: empty item set")
	}

	results := make([]ItemResult, len(itemIDs))
	g, gctx := errgroup.WithContext(ctx)
	limit := c.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, itemID := range itemIDs {
		g.Go(func() error {
			results[i] = c.runItem(gctx, itemID, eval)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	flipped := 0
	for _, item := range results {
		if !item.Consistent {
			flipped++
		}
	}
	report := &Report{
		K:             c.K,
		Items:         results,
		FlipRate:      float64(flipped) / float64(len(results)),
		MaxScoreStdev: c.MaxScoreStdev,
		MaxFlipRate:   c.MaxFlipRate,
	}
	logger.Infof("consistency run finished: items=%d k=%d flip_rate=%.3f promotable=%v",
		len(results), c.K, report.FlipRate, report.Promotable())
	return report, nil
}

func (c *Checker) runItem(ctx context.Context, itemID string, eval EvalFunc) ItemResult {
	result := ItemResult{ItemID: itemID}
	for run := 0; run < c.K; run++ {
		outcome, err := eval(ctx, itemID)
		if err != nil {
			result.Err = fmt.Sprintf("run %d: %v", run+1, err)
			logger.Warnf("consistency item %s failed on run %d: %v", itemID, run+1, err)
			return result
		}
		result.Scores = append(result.Scores, outcome.Score)
		result.Decisions = append(result.Decisions, outcome.FinalTrade)
	}

	result.ScoreMean = mean(result.Scores)
	result.ScoreStdev = sampleStdev(result.Scores, result.ScoreMean)
	result.FlipCount = flipsAgainstMajority(result.Decisions)
	result.Consistent = distinctDecisions(result.Decisions) == 1
	return result
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdev is the n-1 estimator.
func sampleStdev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func distinctDecisions(decisions []bool) int {
	seen := map[bool]bool{}
	for _, d := range decisions {
		seen[d] = true
	}
	return len(seen)
}

// flipsAgainstMajority counts runs disagreeing with the majority decision.
// On a tie every run on the less conservative (trade) side counts.
func flipsAgainstMajority(decisions []bool) int {
	trades := 0
	for _, d := range decisions {
		if d {
			trades++
		}
	}
	noTrades := len(decisions) - trades
	if trades == noTrades {
		return trades
	}
	minority := trades
	if noTrades < trades {
		minority = noTrades
	}
	return minority
}

// WorstItems returns the n least stable items, highest score stdev first.
func (r *Report) WorstItems(n int) []ItemResult {
	sorted := append([]ItemResult(nil), r.Items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Consistent != sorted[j].Consistent {
			return !sorted[i].Consistent
		}
		return sorted[i].ScoreStdev > sorted[j].ScoreStdev
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
