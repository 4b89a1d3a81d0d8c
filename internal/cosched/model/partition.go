package model

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Partition records which analyses are non-co-scheduled, i.e. offloaded to the pool.
// Every analysis not in the partition is co-scheduled with its simulation.
// Partitions are immutable; With returns a new value.
type Partition struct {
	nonCo map[MemberKey]bool
}

func NewPartition(keys ...MemberKey) Partition {
	p := Partition{nonCo: make(map[MemberKey]bool, len(keys))}
	for _, k := range keys {
		if !k.IsSimulation() {
			p.nonCo[k] = true
		}
	}
	return p
}

// IdealPartition co-schedules every analysis.
func IdealPartition() Partition {
	return NewPartition()
}

// TransitPartition offloads every analysis in the catalog.
func TransitPartition(c *Catalog) Partition {
	keys := make([]MemberKey, 0, c.NumAnalyses())
	for _, ana := range c.Analyses() {
		keys = append(keys, ana.Key())
	}
	return NewPartition(keys...)
}

func (p Partition) IsNonCoScheduled(key MemberKey) bool {
	return p.nonCo[key]
}

func (p Partition) Len() int {
	return len(p.nonCo)
}

// With returns a copy of p with keys added.
func (p Partition) With(keys ...MemberKey) Partition {
	rv := Partition{nonCo: make(map[MemberKey]bool, len(p.nonCo)+len(keys))}
	for k := range p.nonCo {
		rv.nonCo[k] = true
	}
	for _, k := range keys {
		if !k.IsSimulation() {
			rv.nonCo[k] = true
		}
	}
	return rv
}

// Keys returns the non-co-scheduled analyses sorted by simulation then analysis id.
func (p Partition) Keys() []MemberKey {
	keys := make([]MemberKey, 0, len(p.nonCo))
	for k := range p.nonCo {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b MemberKey) bool {
		if a.Simulation != b.Simulation {
			return a.Simulation < b.Simulation
		}
		return a.Analysis < b.Analysis
	})
	return keys
}

// Key is a canonical string representation, equal for equal partitions.
func (p Partition) Key() string {
	keys := p.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (p Partition) String() string {
	return p.Key()
}

// BySimulation lists the non-co-scheduled analyses of each simulation in catalog order.
// Simulations without offloaded analyses are omitted.
func (p Partition) BySimulation(c *Catalog) map[string][]string {
	rv := make(map[string][]string)
	for _, sim := range c.Simulations {
		for _, ana := range sim.Analyses {
			if p.nonCo[ana.Key()] {
				rv[sim.Id] = append(rv[sim.Id], ana.Id)
			}
		}
	}
	return rv
}

// CoScheduled returns the analyses of sim that are not offloaded, in catalog order.
func (p Partition) CoScheduled(sim *Simulation) []*Analysis {
	rv := make([]*Analysis, 0, len(sim.Analyses))
	for _, ana := range sim.Analyses {
		if !p.nonCo[ana.Key()] {
			rv = append(rv, ana)
		}
	}
	return rv
}

// NonCoScheduled returns every offloaded analysis in catalog order.
func (p Partition) NonCoScheduled(c *Catalog) []*Analysis {
	rv := make([]*Analysis, 0, len(p.nonCo))
	for _, ana := range c.Analyses() {
		if p.nonCo[ana.Key()] {
			rv = append(rv, ana)
		}
	}
	return rv
}
