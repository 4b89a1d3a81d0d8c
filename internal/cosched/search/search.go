// Package search explores partitions of the analyses to find a feasible schedule with a low makespan.
package search

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/common/util"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// DefaultMaxBruteForceAnalyses bounds the power set enumerated by PolicyBruteForce.
const DefaultMaxBruteForceAnalyses = 20

// Policy chooses which analysis is offloaded next.
type Policy int

const (
	// PolicyIncreasing offloads the co-scheduled analysis with the smallest flop.
	PolicyIncreasing Policy = iota
	// PolicyDecreasing offloads the co-scheduled analysis with the largest flop.
	PolicyDecreasing
	// PolicyRandom offloads a uniformly chosen co-scheduled analysis.
	PolicyRandom
	// PolicyBruteForce evaluates every partition.
	PolicyBruteForce
)

var policyNames = map[Policy]string{
	PolicyIncreasing: "increasing",
	PolicyDecreasing: "decreasing",
	PolicyRandom:     "random",
	PolicyBruteForce: "brute-force",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PolicyIncreasing, errors.Errorf("unknown policy %q; valid policies are increasing, decreasing, random and brute-force", s)
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StopReason tells why a search ended without error.
type StopReason string

const (
	// StopExhausted means no further partition could be proposed.
	StopExhausted StopReason = "exhausted"
	StopMaxTrials StopReason = "max-trials"
	StopTimeout   StopReason = "timeout"
)

type Config struct {
	Policy     Policy
	Heuristics model.Heuristics
	// Zero means unbounded.
	MaxTrials int
	// Wall-clock budget, checked between trials. Zero means unbounded.
	Timeout time.Duration
	// Concurrent evaluations; only brute-force evaluates in parallel.
	Workers int
	// Seed of the random policy. Zero picks a time-based seed.
	Seed int64
	// Largest number of analyses brute-force accepts. Zero means DefaultMaxBruteForceAnalyses.
	MaxBruteForceAnalyses int
}

// Observer is notified of every trial. Calls are serialised; a returned error aborts the search.
type Observer interface {
	OnTrial(trial *Trial) error
}

type ObserverFunc func(trial *Trial) error

func (f ObserverFunc) OnTrial(trial *Trial) error {
	return f(trial)
}

type Outcome struct {
	// Feasible trial with the lowest makespan; ties go to the lower index. Nil if no trial was feasible.
	Best   *Trial
	Trials int
	Stop   StopReason
}

// Search owns the only mutable state shared between trials: the best slot and the trial count.
type Search struct {
	evaluator *Evaluator
	config    Config
	observers []Observer
	rand      *rand.Rand

	mu     sync.Mutex
	best   *Trial
	trials int
}

func New(evaluator *Evaluator, config Config, observers ...Observer) *Search {
	return &Search{
		evaluator: evaluator,
		config:    config,
		observers: observers,
		rand:      util.NewThreadsafeRand(config.Seed),
	}
}

// Run searches until no partition is left, the budget is spent or ctx is cancelled.
// Cancellation of ctx is returned as an error; running out of budget is not.
func (s *Search) Run(ctx *ctxlog.Context) (*Outcome, error) {
	ctx = ctxlog.WithLogFields(ctx, logrus.Fields{
		"policy":     s.config.Policy,
		"heuristics": s.config.Heuristics,
	})
	runCtx, cancel := ctxlog.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	var stop StopReason
	var err error
	if s.config.Policy == PolicyBruteForce {
		stop, err = s.bruteForce(runCtx)
	} else {
		stop, err = s.incremental(runCtx)
	}
	if err != nil {
		return nil, err
	}
	if stop == StopTimeout && ctx.Err() != nil {
		return nil, errors.WithStack(ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := &Outcome{Best: s.best, Trials: s.trials, Stop: stop}
	if outcome.Best == nil {
		ctx.Log.Warnf("search stopped (%s) after %d trials without a feasible partition", stop, s.trials)
	} else {
		ctx.Log.Infof(
			"search stopped (%s) after %d trials; best makespan %.4g with partition %s",
			stop, s.trials, outcome.Best.Makespan(), outcome.Best.Partition,
		)
	}
	return outcome, nil
}

func (s *Search) incremental(ctx *ctxlog.Context) (StopReason, error) {
	partition := model.IdealPartition()
	for index := 0; ; index++ {
		if ctx.Err() != nil {
			return StopTimeout, nil
		}
		if s.config.MaxTrials > 0 && index >= s.config.MaxTrials {
			return StopMaxTrials, nil
		}
		trial := s.evaluator.Evaluate(index, partition, s.config.Heuristics)
		if err := s.record(ctx, trial); err != nil {
			return "", err
		}
		next, ok := s.next(trial)
		if !ok {
			return StopExhausted, nil
		}
		partition = next
	}
}

// next proposes the partition after trial. A memory-infeasible trial advances only the simulations whose
// allocations ran out of memory; every other outcome offloads one more analysis anywhere.
func (s *Search) next(trial *Trial) (model.Partition, bool) {
	var memory *coerrors.ErrMemoryInfeasible
	if errors.As(trial.Err, &memory) {
		if p, ok := s.localMove(trial.Partition, memory.Allocations); ok {
			return p, true
		}
	}
	return s.globalMove(trial.Partition)
}

func (s *Search) globalMove(p model.Partition) (model.Partition, bool) {
	var candidates []*model.Analysis
	for _, ana := range s.evaluator.Catalog().Analyses() {
		if !p.IsNonCoScheduled(ana.Key()) {
			candidates = append(candidates, ana)
		}
	}
	if len(candidates) == 0 {
		return p, false
	}
	return p.With(s.pick(candidates).Key()), true
}

func (s *Search) localMove(p model.Partition, allocationIds []string) (model.Partition, bool) {
	var moved []model.MemberKey
	for _, id := range allocationIds {
		if id == model.PoolId {
			continue
		}
		sim, ok := s.evaluator.Catalog().Simulation(id)
		if !ok {
			continue
		}
		if candidates := p.CoScheduled(sim); len(candidates) > 0 {
			moved = append(moved, s.pick(candidates).Key())
		}
	}
	if len(moved) == 0 {
		return p, false
	}
	return p.With(moved...), true
}

func (s *Search) pick(candidates []*model.Analysis) *model.Analysis {
	switch s.config.Policy {
	case PolicyRandom:
		return candidates[s.rand.Intn(len(candidates))]
	case PolicyDecreasing:
		return byFlop(candidates, true)[0]
	default:
		return byFlop(candidates, false)[0]
	}
}

// record counts trial, offers it to the best slot and notifies observers.
func (s *Search) record(ctx *ctxlog.Context, trial *Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials++
	log := ctx.Log.WithFields(logrus.Fields{
		"trial":     trial.Index,
		"partition": trial.Partition.Key(),
		"reason":    coerrors.Reason(trial.Err),
	})
	if trial.Result != nil {
		log = log.WithField("makespan", trial.Makespan())
	}
	log.Debug("evaluated partition")
	if offer(&s.best, trial) {
		log.Infof("new best makespan %.4g", trial.Makespan())
	}
	for _, o := range s.observers {
		if err := o.OnTrial(trial); err != nil {
			return err
		}
	}
	return nil
}

// offer replaces *best with trial if trial is feasible and better. It reports whether it did.
func offer(best **Trial, trial *Trial) bool {
	if !trial.Feasible() {
		return false
	}
	current := *best
	if current == nil ||
		trial.Makespan() < current.Makespan() ||
		(trial.Makespan() == current.Makespan() && trial.Index < current.Index) {
		*best = trial
		return true
	}
	return false
}
