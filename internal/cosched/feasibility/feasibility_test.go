package feasibility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

func TestCheck(t *testing.T) {
	c, err := model.NewCatalog(
		model.Cluster{Nodes: 4, CoresPerNode: 4, MemoryPerNode: 16, BandwidthPerNode: 10, CoreSpeed: 1, Steps: 1},
		[]*model.Simulation{
			{Id: "sim1", Flop: 4, Memory: 20, Analyses: []*model.Analysis{{SimulationId: "sim1", Id: "ana1", Flop: 2, Memory: 13}}},
			{Id: "sim2", Flop: 4, Memory: 10, Analyses: []*model.Analysis{{SimulationId: "sim2", Id: "ana1", Flop: 2, Memory: 8}}},
		},
	)
	require.NoError(t, err)
	sim1 := model.MemberKey{Simulation: "sim1"}
	sim2 := model.MemberKey{Simulation: "sim2"}
	ana11 := model.MemberKey{Simulation: "sim1", Analysis: "ana1"}
	ana21 := model.MemberKey{Simulation: "sim2", Analysis: "ana1"}

	tests := map[string]struct {
		allocations        []*model.Allocation
		expectedRemaining  map[string]float64
		expectedInfeasible []string
	}{
		"feasible": {
			allocations: []*model.Allocation{
				{Id: "sim1", NodeCount: 2, Members: []model.MemberKey{sim1}},
				{Id: "sim2", NodeCount: 1, Members: []model.MemberKey{sim2}},
				{Id: model.PoolId, NodeCount: 1, Members: []model.MemberKey{ana11}},
			},
			expectedRemaining:  map[string]float64{"sim1": 12, "sim2": 6, model.PoolId: 3},
			expectedInfeasible: []string{},
		},
		"empty pool": {
			allocations: []*model.Allocation{
				{Id: "sim1", NodeCount: 3, Members: []model.MemberKey{sim1, ana11}},
				{Id: "sim2", NodeCount: 1, Members: []model.MemberKey{sim2}},
				{Id: model.PoolId, NodeCount: 0, Members: []model.MemberKey{}},
			},
			expectedRemaining:  map[string]float64{"sim1": 15, "sim2": 6, model.PoolId: 0},
			expectedInfeasible: []string{},
		},
		"oversubscribed": {
			allocations: []*model.Allocation{
				{Id: "sim1", NodeCount: 1, Members: []model.MemberKey{sim1, ana11}},
				{Id: "sim2", NodeCount: 2, Members: []model.MemberKey{sim2}},
				{Id: model.PoolId, NodeCount: 1, Members: []model.MemberKey{ana21, ana11}},
			},
			expectedRemaining:  map[string]float64{"sim1": -17, "sim2": 22, model.PoolId: -5},
			expectedInfeasible: []string{"sim1", model.PoolId},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			report := Check(c, &model.ScheduleResult{Allocations: tc.allocations})
			assert.Equal(t, tc.expectedRemaining, report.Remaining)
			assert.Equal(t, tc.expectedInfeasible, report.Infeasible)
			assert.Equal(t, len(tc.expectedInfeasible) == 0, report.Feasible())
			if report.Feasible() {
				assert.NoError(t, report.Err())
				return
			}
			var memory *coerrors.ErrMemoryInfeasible
			require.ErrorAs(t, report.Err(), &memory)
			assert.Equal(t, tc.expectedInfeasible, memory.Allocations)
		})
	}
}
