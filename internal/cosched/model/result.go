package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Heuristic selects how a node or core decision is made.
type Heuristic int

const (
	// Model derives shares from the analytical (equilibrium) model.
	Model Heuristic = iota
	// Even splits capacity equally, remainder to the first members.
	Even
)

var heuristicNames = map[Heuristic]string{
	Model: "model",
	Even:  "even",
}

func (h Heuristic) String() string {
	if name, ok := heuristicNames[h]; ok {
		return name
	}
	return fmt.Sprintf("Heuristic(%d)", int(h))
}

func ParseHeuristic(s string) (Heuristic, error) {
	for h, name := range heuristicNames {
		if strings.EqualFold(s, name) {
			return h, nil
		}
	}
	return Model, errors.Errorf("unknown heuristic %q; valid heuristics are model and even", s)
}

func (h *Heuristic) UnmarshalText(text []byte) error {
	parsed, err := ParseHeuristic(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h Heuristic) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Heuristics is the pair of decisions used by one allocator run.
type Heuristics struct {
	Nodes Heuristic
	Cores Heuristic
}

func (h Heuristics) String() string {
	return h.Nodes.String() + "-" + h.Cores.String()
}

// Allocation is a named group of nodes: one per simulation, plus the shared pool.
type Allocation struct {
	Id        string
	NodeCount int
	// Inclusive node range; both -1 when NodeCount is 0.
	StartNode int
	EndNode   int
	// Members in catalog order: the simulation first, then its co-scheduled analyses.
	// For the pool, every non-co-scheduled analysis.
	Members []MemberKey
	// Cores on each node of the allocation given to each member.
	CoresPerMember map[MemberKey]int
}

func (a *Allocation) IsPool() bool {
	return a.Id == PoolId
}

// TotalCores sums CoresPerMember.
func (a *Allocation) TotalCores() int {
	total := 0
	for _, c := range a.CoresPerMember {
		total += c
	}
	return total
}

// ScheduleResult is the outcome of one allocator run. It is never mutated after being returned.
type ScheduleResult struct {
	Partition  Partition
	Heuristics Heuristics
	// Simulation allocations in catalog order, then the pool.
	Allocations []*Allocation
	// Execution time of every member for one coupling step.
	Times map[MemberKey]float64
	// Steps times the longest member time.
	Makespan float64
	// Root of the equilibrium equation; only meaningful when Solved.
	EquilibriumRoot  float64
	Solved           bool
	SolverIterations int
}

func (r *ScheduleResult) Allocation(id string) (*Allocation, bool) {
	for _, a := range r.Allocations {
		if a.Id == id {
			return a, true
		}
	}
	return nil, false
}

// Pool returns the shared allocation.
func (r *ScheduleResult) Pool() *Allocation {
	a, _ := r.Allocation(PoolId)
	return a
}

// AllocationOf returns the id of the allocation hosting the member.
func (r *ScheduleResult) AllocationOf(key MemberKey) string {
	if key.IsSimulation() || !r.Partition.IsNonCoScheduled(key) {
		return key.Simulation
	}
	return PoolId
}

// TotalNodes sums node counts over all allocations.
func (r *ScheduleResult) TotalNodes() int {
	total := 0
	for _, a := range r.Allocations {
		total += a.NodeCount
	}
	return total
}
