// Package feasibility checks schedules against the memory available on their nodes.
package feasibility

import (
	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Report describes the memory balance of every allocation of one schedule.
type Report struct {
	// GB left on each allocation after placing its members; negative when oversubscribed.
	Remaining map[string]float64
	// Ids of the allocations with negative remaining memory, in allocation order.
	Infeasible []string
}

func (r *Report) Feasible() bool {
	return len(r.Infeasible) == 0
}

// Err returns a *coerrors.ErrMemoryInfeasible naming the infeasible allocations, or nil.
func (r *Report) Err() error {
	if r.Feasible() {
		return nil
	}
	return errors.WithStack(&coerrors.ErrMemoryInfeasible{Allocations: r.Infeasible})
}

// Check computes the memory balance of result. It never modifies result.
func Check(catalog *model.Catalog, result *model.ScheduleResult) *Report {
	report := &Report{
		Remaining:  make(map[string]float64, len(result.Allocations)),
		Infeasible: []string{},
	}
	for _, alloc := range result.Allocations {
		remaining := catalog.Cluster.MemoryPerNode * float64(alloc.NodeCount)
		for _, key := range alloc.Members {
			remaining -= catalog.Memory(key)
		}
		report.Remaining[alloc.Id] = remaining
		if remaining < 0 {
			report.Infeasible = append(report.Infeasible, alloc.Id)
		}
	}
	return report
}
