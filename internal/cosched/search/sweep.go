package search

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Combination is one single-shot evaluation: a scenario, its ratio and the heuristics.
type Combination struct {
	Scenario Scenario
	// Zero for scenarios that take no ratio.
	Ratio      float64
	Heuristics model.Heuristics
}

// Name identifies the combination in file names and logs, e.g. "increasing_0.5_model-even".
func (c Combination) Name() string {
	name := c.Scenario.String()
	if c.Scenario.NeedsRatio() {
		name += "_" + strconv.FormatFloat(c.Ratio, 'g', -1, 64)
	}
	return name + "_" + c.Heuristics.String()
}

// Combinations expands scenarios, ratios and heuristics into combinations, scenario-major.
// Scenarios without a ratio appear once per heuristics pair.
func Combinations(scenarios []Scenario, ratios []float64, heuristics []model.Heuristics) []Combination {
	var rv []Combination
	for _, scenario := range scenarios {
		scenarioRatios := []float64{0}
		if scenario.NeedsRatio() {
			scenarioRatios = ratios
		}
		for _, ratio := range scenarioRatios {
			for _, h := range heuristics {
				rv = append(rv, Combination{Scenario: scenario, Ratio: ratio, Heuristics: h})
			}
		}
	}
	return rv
}

type SweepResult struct {
	Combination Combination
	Trial       *Trial
}

// Sweep evaluates every combination with at most workers evaluations in flight. Results are in combination order
// and each trial's index is its combination's position.
func Sweep(ctx *ctxlog.Context, evaluator *Evaluator, combinations []Combination, workers int, observers ...Observer) ([]*SweepResult, error) {
	for _, c := range combinations {
		if c.Scenario.NeedsRatio() {
			if err := ValidateRatio(c.Ratio); err != nil {
				return nil, err
			}
		}
	}

	results := make([]*SweepResult, len(combinations))
	var mu sync.Mutex
	g, gctx := ctxlog.ErrGroup(ctx)
	g.SetLimit(max(1, workers))
	for i, c := range combinations {
		if gctx.Err() != nil {
			break
		}
		i, c := i, c
		g.Go(func() error {
			p, err := ScenarioPartition(evaluator.Catalog(), c.Scenario, c.Ratio)
			if err != nil {
				return err
			}
			trial := evaluator.Evaluate(i, p, c.Heuristics)
			results[i] = &SweepResult{Combination: c, Trial: trial}

			mu.Lock()
			defer mu.Unlock()
			gctx.Log.WithField("combination", c.Name()).Debugf("evaluated partition %s", p)
			for _, o := range observers {
				if err := o.OnTrial(trial); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return results, nil
}
