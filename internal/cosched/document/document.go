// Package document reads workload documents into a catalog and writes schedule results back out.
//
// A workload document is a YAML mapping:
//
//	nodes: 3
//	cores: 4
//	memory: 10
//	bandwidth: 10
//	speed: 10
//	steps: 1
//	simulations:
//	  sim1:
//	    flop: 100
//	    data: 1
//	    mem: 5
//	    coupling:
//	      ana1: {flop: 24, mem: 10}
//	non-co-scheduling:
//	  sim1: [ana1]
//
// Simulations and their analyses are kept in document order. Keys that are not recognised are ignored,
// so result documents can be read back as workloads.
package document

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

const (
	keyNodes       = "nodes"
	keyCores       = "cores"
	keyMemory      = "memory"
	keyBandwidth   = "bandwidth"
	keySpeed       = "speed"
	keySteps       = "steps"
	keySimulations = "simulations"
	keyFlop        = "flop"
	keyData        = "data"
	keyMem         = "mem"
	keyCoupling    = "coupling"
	keyDirective   = "non-co-scheduling"
)

// Document is a parsed workload.
type Document struct {
	// File name without directory and extension.
	Name    string
	Path    string
	Catalog *model.Catalog
	// Partition given by the non-co-scheduling key; the ideal partition if the key is absent.
	Directive    model.Partition
	HasDirective bool
}

// Parse decodes and validates data. Every invalid or missing field is reported, combined in a
// *multierror.Error of *coerrors.ErrInvalidArgument.
func Parse(name string, data []byte) (*Document, error) {
	var root yaml.MapSlice
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.WithMessagef(err, "failed to decode document %s", name)
	}
	p := &parser{}
	fields := p.mapping("", root)

	cluster := model.Cluster{
		Nodes:            p.integer(fields, keyNodes, 1, true),
		CoresPerNode:     p.integer(fields, keyCores, 1, true),
		MemoryPerNode:    p.number(fields, keyMemory, positive, true),
		BandwidthPerNode: p.number(fields, keyBandwidth, positive, true),
		CoreSpeed:        p.number(fields, keySpeed, positive, true),
		Steps:            1,
	}
	if _, ok := fields.get(keySteps); ok {
		cluster.Steps = p.integer(fields, keySteps, 1, true)
	}
	simulations := p.simulations(fields)
	if err := p.errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	catalog, err := model.NewCatalog(cluster, simulations)
	if err != nil {
		return nil, err
	}
	doc := &Document{Name: name, Catalog: catalog, Directive: model.IdealPartition()}
	if value, ok := fields.get(keyDirective); ok {
		doc.HasDirective = true
		doc.Directive = p.directive(catalog, value)
		if err := p.errs.ErrorOrNil(); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

type orderedFields struct {
	path  string
	items yaml.MapSlice
}

func (f orderedFields) get(key string) (interface{}, bool) {
	for _, item := range f.items {
		if fmt.Sprint(item.Key) == key {
			return item.Value, true
		}
	}
	return nil, false
}

func (f orderedFields) child(key string) string {
	if f.path == "" {
		return key
	}
	return f.path + "." + key
}

// parser accumulates validation errors instead of stopping at the first one.
type parser struct {
	errs *multierror.Error
}

func (p *parser) fail(name string, value interface{}, message string) {
	p.errs = multierror.Append(p.errs, errors.WithStack(&coerrors.ErrInvalidArgument{
		Name:    name,
		Value:   value,
		Message: message,
	}))
}

func (p *parser) mapping(path string, value interface{}) orderedFields {
	if value == nil {
		return orderedFields{path: path}
	}
	items, ok := value.(yaml.MapSlice)
	if !ok {
		name := path
		if name == "" {
			name = "document"
		}
		p.fail(name, value, "expected a mapping")
		return orderedFields{path: path}
	}
	return orderedFields{path: path, items: items}
}

type bound int

const (
	positive bound = iota
	nonNegative
)

func (p *parser) number(fields orderedFields, key string, b bound, required bool) float64 {
	name := fields.child(key)
	value, ok := fields.get(key)
	if !ok || value == nil {
		if required {
			p.fail(name, nil, "required")
		}
		return 0
	}
	f, ok := toFloat(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		p.fail(name, value, "expected a number")
		return 0
	}
	switch {
	case b == positive && f <= 0:
		p.fail(name, value, "must be positive")
	case b == nonNegative && f < 0:
		p.fail(name, value, "must not be negative")
	}
	return f
}

func (p *parser) integer(fields orderedFields, key string, min int, required bool) int {
	name := fields.child(key)
	value, ok := fields.get(key)
	if !ok || value == nil {
		if required {
			p.fail(name, nil, "required")
		}
		return 0
	}
	f, ok := toFloat(value)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		p.fail(name, value, "expected an integer")
		return 0
	}
	if int(f) < min {
		p.fail(name, value, fmt.Sprintf("must be at least %d", min))
	}
	return int(f)
}

func (p *parser) simulations(fields orderedFields) []*model.Simulation {
	value, ok := fields.get(keySimulations)
	if !ok || value == nil {
		p.fail(keySimulations, nil, "required")
		return nil
	}
	sims := p.mapping(keySimulations, value)
	if _, isMap := value.(yaml.MapSlice); isMap && len(sims.items) == 0 {
		p.fail(keySimulations, value, "at least one simulation is required")
	}
	rv := make([]*model.Simulation, 0, len(sims.items))
	for _, item := range sims.items {
		id := fmt.Sprint(item.Key)
		simFields := p.mapping(sims.child(id), item.Value)
		sim := &model.Simulation{
			Id:       id,
			Flop:     p.number(simFields, keyFlop, positive, true),
			DataSize: p.number(simFields, keyData, nonNegative, true),
			Memory:   p.number(simFields, keyMem, nonNegative, true),
		}
		if coupling, ok := simFields.get(keyCoupling); ok {
			anaFields := p.mapping(simFields.child(keyCoupling), coupling)
			for _, anaItem := range anaFields.items {
				anaId := fmt.Sprint(anaItem.Key)
				fields := p.mapping(anaFields.child(anaId), anaItem.Value)
				sim.Analyses = append(sim.Analyses, &model.Analysis{
					SimulationId: id,
					Id:           anaId,
					Flop:         p.number(fields, keyFlop, positive, true),
					Memory:       p.number(fields, keyMem, nonNegative, true),
				})
			}
		}
		rv = append(rv, sim)
	}
	return rv
}

// directive reads {sim_id: [ana_id, ...]}. Every id must exist in the catalog.
func (p *parser) directive(c *model.Catalog, value interface{}) model.Partition {
	fields := p.mapping(keyDirective, value)
	var keys []model.MemberKey
	for _, item := range fields.items {
		simId := fmt.Sprint(item.Key)
		name := fields.child(simId)
		if _, ok := c.Simulation(simId); !ok {
			p.fail(name, simId, "unknown simulation")
			continue
		}
		if item.Value == nil {
			continue
		}
		list, ok := item.Value.([]interface{})
		if !ok {
			p.fail(name, item.Value, "expected a list of analysis ids")
			continue
		}
		for _, v := range list {
			key := model.MemberKey{Simulation: simId, Analysis: fmt.Sprint(v)}
			if _, ok := c.Analysis(key); !ok {
				p.fail(name, key.Analysis, "unknown analysis")
				continue
			}
			keys = append(keys, key)
		}
	}
	return model.NewPartition(keys...)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
