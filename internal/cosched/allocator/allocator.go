// Package allocator turns a partition into integer node and core assignments and estimates the makespan.
package allocator

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/apportion"
	"github.com/hpcflow/cosched/internal/cosched/equilibrium"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Allocator is safe for concurrent use; it only reads the catalog.
type Allocator struct {
	catalog    *model.Catalog
	heuristics model.Heuristics
	policy     apportion.Policy
	solver     equilibrium.Solver
}

func New(catalog *model.Catalog, heuristics model.Heuristics, tieBreak apportion.TieBreak) *Allocator {
	return &Allocator{
		catalog:    catalog,
		heuristics: heuristics,
		policy:     tieBreak.Policy(),
		solver:     equilibrium.DefaultSolver(),
	}
}

// WithSolver returns a copy of a using solver for the equilibrium equation.
func (a *Allocator) WithSolver(solver equilibrium.Solver) *Allocator {
	rv := *a
	rv.solver = solver
	return &rv
}

func (a *Allocator) Heuristics() model.Heuristics {
	return a.heuristics
}

// totals holds the summed sequential times of one partition.
type totals struct {
	simulations    float64
	coScheduled    float64
	nonCoScheduled float64
}

func (t totals) all() float64 {
	return t.simulations + t.coScheduled + t.nonCoScheduled
}

// trial carries the intermediate state of one Allocate call.
type trial struct {
	*Allocator
	partition model.Partition
	totals    totals
	pool      []*model.Analysis
	result    *model.ScheduleResult
}

// Allocate computes the schedule of p. The returned result is never modified afterwards.
func (a *Allocator) Allocate(p model.Partition) (*model.ScheduleResult, error) {
	t := &trial{
		Allocator: a,
		partition: p,
		pool:      p.NonCoScheduled(a.catalog),
		result: &model.ScheduleResult{
			Partition:  p,
			Heuristics: a.heuristics,
			Times:      make(map[model.MemberKey]float64),
		},
	}
	c := a.catalog
	for _, sim := range c.Simulations {
		t.totals.simulations += c.Cluster.SequentialTime(sim.Flop)
		for _, ana := range sim.Analyses {
			if p.IsNonCoScheduled(ana.Key()) {
				t.totals.nonCoScheduled += c.Cluster.SequentialTime(ana.Flop)
			} else {
				t.totals.coScheduled += c.Cluster.SequentialTime(ana.Flop)
			}
		}
	}
	if t.totals.simulations+t.totals.coScheduled <= 0 {
		return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "simulations",
			Value:   t.totals.simulations,
			Message: "co-scheduled work must be positive",
		})
	}

	if len(t.pool) > 0 && (a.heuristics.Nodes == model.Model || a.heuristics.Cores == model.Model) {
		if err := t.solve(); err != nil {
			return nil, err
		}
	}

	poolNodes, simNodes, err := t.nodes()
	if err != nil {
		return nil, err
	}
	for i, sim := range c.Simulations {
		alloc, err := t.simulationAllocation(sim, simNodes[i])
		if err != nil {
			return nil, err
		}
		t.result.Allocations = append(t.result.Allocations, alloc)
	}
	pool, err := t.poolAllocation(poolNodes)
	if err != nil {
		return nil, err
	}
	t.result.Allocations = append(t.result.Allocations, pool)

	assignRanges(t.result.Allocations)
	t.result.Makespan = float64(c.Cluster.Steps) * maxTime(t.result)
	return t.result, nil
}

func (t *trial) solve() error {
	eq := t.equation()
	solution, err := t.solver.Solve(eq)
	if err != nil {
		return err
	}
	t.result.EquilibriumRoot = solution.Root
	t.result.Solved = true
	t.result.SolverIterations = solution.Iterations
	return nil
}

// nodes returns the pool's node count and the node count of every simulation, in catalog order.
func (t *trial) nodes() (int, []int, error) {
	cluster := t.catalog.Cluster
	numSims := len(t.catalog.Simulations)

	if t.heuristics.Nodes == model.Even {
		groups := numSims
		stage := coerrors.StageSimulationNodes
		if len(t.pool) > 0 {
			groups++
			stage = coerrors.StagePoolNodes
		}
		if cluster.Nodes < groups {
			return 0, nil, withStage(capacityExceeded(cluster.Nodes, groups), stage)
		}
		split := apportion.Even(cluster.Nodes, groups)
		poolNodes := 0
		if len(t.pool) > 0 {
			poolNodes = split[numSims]
		}
		return poolNodes, split[:numSims], nil
	}

	poolNodes := 0
	if len(t.pool) > 0 {
		var err error
		if poolNodes, err = t.modelPoolNodes(); err != nil {
			return 0, nil, err
		}
	}
	coNodes := cluster.Nodes - poolNodes
	if coNodes < 1 {
		return 0, nil, errors.WithStack(&coerrors.ErrInfeasiblePartition{
			Nodes:     cluster.Nodes,
			PoolNodes: poolNodes,
			Message:   "no nodes left for co-scheduled work",
		})
	}
	simNodes, err := t.modelSimulationNodes(coNodes)
	if err != nil {
		return 0, nil, err
	}
	return poolNodes, simNodes, nil
}

// modelPoolNodes rounds the equilibrium pool share n* to the neighbouring integer with the smaller critical time
// estimate.
func (t *trial) modelPoolNodes() (int, error) {
	cluster := t.catalog.Cluster
	b := cluster.BandwidthPerNode
	u := t.result.EquilibriumRoot
	nodes := float64(cluster.Nodes)
	numSims := len(t.catalog.Simulations)
	coTime := t.totals.simulations + t.totals.coScheduled
	poolWork := b*t.totals.nonCoScheduled + u

	ideal := nodes * poolWork / (b*t.totals.all() + u)
	score := func(candidate int) float64 {
		co := math.Inf(1)
		if cluster.Nodes > candidate {
			co = coTime / float64(cluster.Nodes-candidate)
		}
		pool := math.Inf(1)
		if candidate > 0 {
			pool = poolWork / (b * float64(candidate))
		}
		return math.Max(co, pool)
	}

	poolNodes := int(math.Floor(ideal))
	if ceil := int(math.Ceil(ideal)); ceil != poolNodes && cluster.Nodes-ceil >= numSims {
		if score(ceil) < score(poolNodes) {
			poolNodes = ceil
		}
	}
	if poolNodes > cluster.Nodes-numSims {
		poolNodes = cluster.Nodes - numSims
	}
	if poolNodes < 1 {
		return 0, errors.WithStack(&coerrors.ErrInfeasiblePartition{
			Nodes:     cluster.Nodes,
			PoolNodes: poolNodes,
			Message:   "non-co-scheduled analyses have no pool nodes",
		})
	}
	return poolNodes, nil
}

func (t *trial) modelSimulationNodes(coNodes int) ([]int, error) {
	coTime := t.totals.simulations + t.totals.coScheduled
	shares := make([]apportion.Share, len(t.catalog.Simulations))
	for i, sim := range t.catalog.Simulations {
		groupTime := t.groupTime(sim)
		shares[i] = apportion.Share{
			Name:  sim.Id,
			Value: groupTime * float64(coNodes) / coTime,
			Key:   groupTime,
		}
	}
	simNodes, err := t.policy.Assign(shares, coNodes)
	if err != nil {
		return nil, withStage(err, coerrors.StageSimulationNodes)
	}
	return simNodes, nil
}

// groupTime is the sequential time of sim plus its co-scheduled analyses.
func (t *trial) groupTime(sim *model.Simulation) float64 {
	groupTime := t.catalog.Cluster.SequentialTime(sim.Flop)
	for _, ana := range t.partition.CoScheduled(sim) {
		groupTime += t.catalog.Cluster.SequentialTime(ana.Flop)
	}
	return groupTime
}

func (t *trial) simulationAllocation(sim *model.Simulation, nodes int) (*model.Allocation, error) {
	cluster := t.catalog.Cluster
	members := []model.MemberKey{sim.Key()}
	for _, ana := range t.partition.CoScheduled(sim) {
		members = append(members, ana.Key())
	}

	shares := make([]apportion.Share, len(members))
	groupTime := t.groupTime(sim)
	for i, key := range members {
		seq := t.catalog.SequentialTime(key)
		shares[i] = apportion.Share{
			Name:  key.String(),
			Value: seq * float64(cluster.CoresPerNode) / groupTime,
			Key:   seq,
		}
	}
	cores, err := t.policyFor(t.heuristics.Cores).Assign(shares, cluster.CoresPerNode)
	if err != nil {
		return nil, withStage(err, coerrors.StageSimulationCores)
	}

	alloc := &model.Allocation{
		Id:             sim.Id,
		NodeCount:      nodes,
		Members:        members,
		CoresPerMember: make(map[model.MemberKey]int, len(members)),
	}
	for i, key := range members {
		alloc.CoresPerMember[key] = cores[i]
		t.result.Times[key] = t.catalog.SequentialTime(key) / float64(nodes*cores[i])
	}
	return alloc, nil
}

func (t *trial) poolAllocation(nodes int) (*model.Allocation, error) {
	alloc := &model.Allocation{
		Id:             model.PoolId,
		NodeCount:      nodes,
		Members:        make([]model.MemberKey, len(t.pool)),
		CoresPerMember: make(map[model.MemberKey]int, len(t.pool)),
	}
	if len(t.pool) == 0 {
		return alloc, nil
	}

	cluster := t.catalog.Cluster
	b := cluster.BandwidthPerNode
	c := float64(cluster.CoresPerNode)
	eq := t.equation()
	shares := make([]apportion.Share, len(t.pool))
	for i, ana := range t.pool {
		sim, _ := t.catalog.Simulation(ana.SimulationId)
		seq := cluster.SequentialTime(ana.Flop)
		shares[i] = apportion.Share{Name: ana.Key().String(), Key: seq}
		if t.heuristics.Cores == model.Model {
			term := equilibrium.Term{SequentialTime: seq, DataSize: sim.DataSize}
			shares[i].Value = b * c * seq / eq.Denominator(term, t.result.EquilibriumRoot)
		}
	}
	cores, err := t.policyFor(t.heuristics.Cores).Assign(shares, cluster.CoresPerNode)
	if err != nil {
		return nil, withStage(err, coerrors.StagePoolCores)
	}

	for i, ana := range t.pool {
		sim, _ := t.catalog.Simulation(ana.SimulationId)
		key := ana.Key()
		alloc.Members[i] = key
		alloc.CoresPerMember[key] = cores[i]
		compute := cluster.SequentialTime(ana.Flop) / float64(nodes*cores[i])
		transfer := sim.DataSize / (float64(nodes) * b)
		t.result.Times[key] = compute + transfer
	}
	return alloc, nil
}

func (t *trial) equation() *equilibrium.Equation {
	terms := make([]equilibrium.Term, len(t.pool))
	for i, ana := range t.pool {
		sim, _ := t.catalog.Simulation(ana.SimulationId)
		terms[i] = equilibrium.Term{SequentialTime: t.catalog.Cluster.SequentialTime(ana.Flop), DataSize: sim.DataSize}
	}
	return equilibrium.NewEquation(t.catalog.Cluster.BandwidthPerNode, t.catalog.Cluster.CoresPerNode, terms)
}

func (t *trial) policyFor(h model.Heuristic) apportion.Policy {
	if h == model.Even {
		return apportion.EvenPolicy{}
	}
	return t.policy
}

// assignRanges lays allocations out on consecutive nodes in slice order.
func assignRanges(allocations []*model.Allocation) {
	next := 0
	for _, alloc := range allocations {
		if alloc.NodeCount == 0 {
			alloc.StartNode, alloc.EndNode = -1, -1
			continue
		}
		alloc.StartNode = next
		alloc.EndNode = next + alloc.NodeCount - 1
		next += alloc.NodeCount
	}
}

func maxTime(result *model.ScheduleResult) float64 {
	times := make([]float64, 0, len(result.Times))
	for _, alloc := range result.Allocations {
		for _, key := range alloc.Members {
			times = append(times, result.Times[key])
		}
	}
	if len(times) == 0 {
		return 0
	}
	return floats.Max(times)
}

func capacityExceeded(capacity, members int) error {
	return errors.WithStack(&coerrors.ErrCapacityExceeded{
		Capacity: capacity,
		Members:  members,
		Surplus:  members - capacity,
	})
}

// withStage tags a capacity error with the stage it occurred at. Other errors are returned unchanged.
func withStage(err error, stage coerrors.Stage) error {
	var exceeded *coerrors.ErrCapacityExceeded
	if errors.As(err, &exceeded) {
		exceeded.Stage = stage
	}
	return err
}
