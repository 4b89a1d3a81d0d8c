package model

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hpcflow/cosched/internal/common/coerrors"
)

// PoolId is the id of the shared allocation that runs every non-co-scheduled analysis.
const PoolId = "pool"

// Cluster describes the homogeneous machine being partitioned.
type Cluster struct {
	Nodes        int
	CoresPerNode int
	// GB per node.
	MemoryPerNode float64
	// GB/s per node.
	BandwidthPerNode float64
	// GFLOP/s per core.
	CoreSpeed float64
	// Number of coupling iterations; the makespan is scaled by this.
	Steps int
}

// SequentialTime is the time to execute flop on a single core.
func (c Cluster) SequentialTime(flop float64) float64 {
	return flop / c.CoreSpeed
}

type Analysis struct {
	SimulationId string
	Id           string
	Flop         float64
	Memory       float64
}

func (a *Analysis) Key() MemberKey {
	return MemberKey{Simulation: a.SimulationId, Analysis: a.Id}
}

type Simulation struct {
	Id   string
	Flop float64
	// Volume handed to each non-co-scheduled analysis per step.
	DataSize float64
	Memory   float64
	// Coupled analyses, in document order.
	Analyses []*Analysis
}

func (s *Simulation) Key() MemberKey {
	return MemberKey{Simulation: s.Id}
}

// MemberKey identifies either a simulation (empty Analysis) or one of its analyses.
type MemberKey struct {
	Simulation string
	Analysis   string
}

func (k MemberKey) IsSimulation() bool {
	return k.Analysis == ""
}

func (k MemberKey) String() string {
	if k.IsSimulation() {
		return k.Simulation
	}
	return k.Simulation + "/" + k.Analysis
}

// Catalog is the read-only input shared by all trials: the cluster and the ordered simulations.
type Catalog struct {
	Cluster     Cluster
	Simulations []*Simulation
	simById     map[string]*Simulation
	anaByKey    map[MemberKey]*Analysis
	analyses    []*Analysis
}

// NewCatalog indexes simulations. Ordering of simulations and of their analyses is preserved and is
// what "catalog order" refers to elsewhere.
func NewCatalog(cluster Cluster, simulations []*Simulation) (*Catalog, error) {
	c := &Catalog{
		Cluster:     cluster,
		Simulations: simulations,
		simById:     make(map[string]*Simulation, len(simulations)),
		anaByKey:    make(map[MemberKey]*Analysis),
	}
	for _, sim := range simulations {
		switch sim.Id {
		case "":
			return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
				Name:    "simulations",
				Value:   sim.Id,
				Message: "simulation id must not be empty",
			})
		case PoolId:
			return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
				Name:    "simulations",
				Value:   sim.Id,
				Message: fmt.Sprintf("%q is reserved for the allocation of non-co-scheduled analyses", PoolId),
			})
		}
		if _, ok := c.simById[sim.Id]; ok {
			return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
				Name:    "simulations",
				Value:   sim.Id,
				Message: "duplicate simulation id",
			})
		}
		c.simById[sim.Id] = sim
		for _, ana := range sim.Analyses {
			if ana.Id == "" {
				return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
					Name:    fmt.Sprintf("simulations.%s.coupling", sim.Id),
					Value:   ana.Id,
					Message: "analysis id must not be empty",
				})
			}
			if ana.SimulationId != sim.Id {
				return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
					Name:    fmt.Sprintf("simulations.%s.coupling.%s", sim.Id, ana.Id),
					Value:   ana.SimulationId,
					Message: "analysis belongs to another simulation",
				})
			}
			if _, ok := c.anaByKey[ana.Key()]; ok {
				return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
					Name:    fmt.Sprintf("simulations.%s.coupling", sim.Id),
					Value:   ana.Id,
					Message: "duplicate analysis id",
				})
			}
			c.anaByKey[ana.Key()] = ana
			c.analyses = append(c.analyses, ana)
		}
	}
	return c, nil
}

func (c *Catalog) Simulation(id string) (*Simulation, bool) {
	sim, ok := c.simById[id]
	return sim, ok
}

func (c *Catalog) Analysis(key MemberKey) (*Analysis, bool) {
	ana, ok := c.anaByKey[key]
	return ana, ok
}

// Analyses returns every analysis in catalog order.
func (c *Catalog) Analyses() []*Analysis {
	return c.analyses
}

func (c *Catalog) NumAnalyses() int {
	return len(c.analyses)
}

// Memory returns the memory footprint of a member.
func (c *Catalog) Memory(key MemberKey) float64 {
	if key.IsSimulation() {
		if sim, ok := c.simById[key.Simulation]; ok {
			return sim.Memory
		}
		return 0
	}
	if ana, ok := c.anaByKey[key]; ok {
		return ana.Memory
	}
	return 0
}

// SequentialTime returns the single-core execution time of a member.
func (c *Catalog) SequentialTime(key MemberKey) float64 {
	if key.IsSimulation() {
		if sim, ok := c.simById[key.Simulation]; ok {
			return c.Cluster.SequentialTime(sim.Flop)
		}
		return 0
	}
	if ana, ok := c.anaByKey[key]; ok {
		return c.Cluster.SequentialTime(ana.Flop)
	}
	return 0
}
