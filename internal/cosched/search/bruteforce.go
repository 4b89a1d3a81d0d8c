package search

import (
	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// bruteForce evaluates every subset of the analyses exactly once. The trial index is the subset's bitmask
// over catalog order, so the ideal partition is trial 0 and the transit partition is the last one.
func (s *Search) bruteForce(ctx *ctxlog.Context) (StopReason, error) {
	analyses := s.evaluator.Catalog().Analyses()
	limit := s.config.MaxBruteForceAnalyses
	if limit <= 0 {
		limit = DefaultMaxBruteForceAnalyses
	}
	if len(analyses) > limit {
		return "", errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "analyses",
			Value:   len(analyses),
			Message: "too many analyses to enumerate every partition; raise the brute-force limit or use another policy",
		})
	}

	g, gctx := ctxlog.ErrGroup(ctx)
	g.SetLimit(max(1, s.config.Workers))
	stop := StopExhausted
	interrupted := false
	total := 1 << uint(len(analyses))
	for mask := 0; mask < total; mask++ {
		if s.config.MaxTrials > 0 && mask >= s.config.MaxTrials {
			stop = StopMaxTrials
			break
		}
		if gctx.Err() != nil {
			interrupted = true
			break
		}
		mask := mask
		g.Go(func() error {
			trial := s.evaluator.Evaluate(mask, PartitionOfMask(analyses, mask), s.config.Heuristics)
			return s.record(gctx, trial)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if interrupted {
		return StopTimeout, nil
	}
	return stop, nil
}

// PartitionOfMask offloads analyses[i] for every bit i set in mask.
func PartitionOfMask(analyses []*model.Analysis, mask int) model.Partition {
	keys := make([]model.MemberKey, 0, len(analyses))
	for i, ana := range analyses {
		if mask&(1<<uint(i)) != 0 {
			keys = append(keys, ana.Key())
		}
	}
	return model.NewPartition(keys...)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
