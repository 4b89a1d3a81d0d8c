package search

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/cosched/allocator"
	"github.com/hpcflow/cosched/internal/cosched/apportion"
	"github.com/hpcflow/cosched/internal/cosched/feasibility"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Trial is one evaluated partition.
type Trial struct {
	// Position in the order partitions were proposed.
	Index      int
	Partition  model.Partition
	Heuristics model.Heuristics
	// Nil when the allocator failed.
	Result *model.ScheduleResult
	// Nil when the allocator failed.
	Report *feasibility.Report
	// Allocator error, or the memory error of an infeasible schedule.
	Err error
}

func (t *Trial) Feasible() bool {
	return t.Err == nil
}

// Makespan returns the makespan of the schedule, or zero if there is none.
func (t *Trial) Makespan() float64 {
	if t.Result == nil {
		return 0
	}
	return t.Result.Makespan
}

// outcome is what the cache stores; it does not depend on the trial index.
type outcome struct {
	result *model.ScheduleResult
	report *feasibility.Report
	err    error
}

// Evaluator runs the allocator and the feasibility check for a partition.
// Outcomes are memoised by heuristics and partition; results are immutable so they can be shared between trials.
type Evaluator struct {
	catalog  *model.Catalog
	tieBreak apportion.TieBreak
	cache    *lru.Cache
	// Guards allocators.
	mu         sync.Mutex
	allocators map[model.Heuristics]*allocator.Allocator
}

// NewEvaluator creates an evaluator. A non-positive cacheSize disables memoisation.
func NewEvaluator(catalog *model.Catalog, tieBreak apportion.TieBreak, cacheSize int) (*Evaluator, error) {
	e := &Evaluator{
		catalog:    catalog,
		tieBreak:   tieBreak,
		allocators: make(map[model.Heuristics]*allocator.Allocator),
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Evaluator) Catalog() *model.Catalog {
	return e.catalog
}

// Evaluate returns the trial for p under heuristics h. It is safe to call concurrently.
func (e *Evaluator) Evaluate(index int, p model.Partition, h model.Heuristics) *Trial {
	key := h.String() + p.Key()
	var o *outcome
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			o = v.(*outcome)
		}
	}
	if o == nil {
		o = e.evaluate(p, h)
		if e.cache != nil {
			e.cache.Add(key, o)
		}
	}
	return &Trial{
		Index:      index,
		Partition:  p,
		Heuristics: h,
		Result:     o.result,
		Report:     o.report,
		Err:        o.err,
	}
}

func (e *Evaluator) evaluate(p model.Partition, h model.Heuristics) *outcome {
	result, err := e.allocatorFor(h).Allocate(p)
	if err != nil {
		return &outcome{err: err}
	}
	report := feasibility.Check(e.catalog, result)
	return &outcome{result: result, report: report, err: report.Err()}
}

func (e *Evaluator) allocatorFor(h model.Heuristics) *allocator.Allocator {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.allocators[h]
	if !ok {
		a = allocator.New(e.catalog, h, e.tieBreak)
		e.allocators[h] = a
	}
	return a
}
