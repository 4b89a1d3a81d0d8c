package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Format is the encoding of result documents.
type Format int

const (
	FormatYaml Format = iota
	FormatJson
)

func (f Format) String() string {
	if f == FormatJson {
		return "json"
	}
	return "yaml"
}

// Extension is the file extension written for f, including the dot.
func (f Format) Extension() string {
	if f == FormatJson {
		return ".json"
	}
	return ".yml"
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "yaml", "yml":
		return FormatYaml, nil
	case "json":
		return FormatJson, nil
	}
	return FormatYaml, errors.Errorf("unknown output format %q; valid formats are yaml and json", s)
}

func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Result is what is written for one evaluated combination.
type Result struct {
	// Label of the rule that produced the partition, e.g., "increasing" or "directive".
	Scenario string
	// Zero if the scenario takes no ratio.
	Ratio    float64
	Schedule *model.ScheduleResult
	// Allocations that ran out of memory, in allocation order.
	Unfeasible []string
}

// FileName returns <document>_<label>_<nodes>-<cores><ext>, where label is the scenario and, for scenarios
// with a ratio, the ratio.
func FileName(document, label string, h model.Heuristics, format Format) string {
	return fmt.Sprintf("%s_%s_%s%s", document, label, h, format.Extension())
}

// Render encodes the workload of doc augmented with the schedule in r.
func Render(doc *Document, r *Result, format Format) ([]byte, error) {
	out, err := yaml.Marshal(resultDocument(doc, r))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if format == FormatJson {
		out, err = k8syaml.YAMLToJSON(out)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return out, nil
}

// Write renders r into dir and returns the path written.
func Write(dir string, doc *Document, r *Result, label string, format Format) (string, error) {
	out, err := Render(doc, r, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(dir, FileName(doc.Name, label, r.Schedule.Heuristics, format))
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}

func resultDocument(doc *Document, r *Result) yaml.MapSlice {
	c := doc.Catalog
	s := r.Schedule
	cluster := c.Cluster

	simulations := make(yaml.MapSlice, 0, len(c.Simulations))
	for _, sim := range c.Simulations {
		coupling := make(yaml.MapSlice, 0, len(sim.Analyses))
		for _, ana := range sim.Analyses {
			fields := yaml.MapSlice{
				{Key: keyFlop, Value: ana.Flop},
				{Key: keyMem, Value: ana.Memory},
			}
			coupling = append(coupling, yaml.MapItem{Key: ana.Id, Value: append(fields, placement(c, s, ana.Key())...)})
		}
		fields := yaml.MapSlice{
			{Key: keyFlop, Value: sim.Flop},
			{Key: keyData, Value: sim.DataSize},
			{Key: keyMem, Value: sim.Memory},
		}
		fields = append(fields, placement(c, s, sim.Key())...)
		fields = append(fields, yaml.MapItem{Key: keyCoupling, Value: coupling})
		simulations = append(simulations, yaml.MapItem{Key: sim.Id, Value: fields})
	}

	allocations := make(yaml.MapSlice, 0, len(s.Allocations))
	for _, alloc := range s.Allocations {
		allocations = append(allocations, yaml.MapItem{Key: alloc.Id, Value: yaml.MapSlice{
			{Key: "node_count", Value: alloc.NodeCount},
			{Key: "start_node", Value: alloc.StartNode},
			{Key: "end_node", Value: alloc.EndNode},
		}})
	}

	directive := yaml.MapSlice{}
	bySim := s.Partition.BySimulation(c)
	for _, sim := range c.Simulations {
		if ids, ok := bySim[sim.Id]; ok {
			directive = append(directive, yaml.MapItem{Key: sim.Id, Value: ids})
		}
	}

	unfeasible := r.Unfeasible
	if unfeasible == nil {
		unfeasible = []string{}
	}
	rv := yaml.MapSlice{
		{Key: keyNodes, Value: cluster.Nodes},
		{Key: keyCores, Value: cluster.CoresPerNode},
		{Key: keyMemory, Value: cluster.MemoryPerNode},
		{Key: keyBandwidth, Value: cluster.BandwidthPerNode},
		{Key: keySpeed, Value: cluster.CoreSpeed},
		{Key: keySteps, Value: cluster.Steps},
		{Key: keySimulations, Value: simulations},
		{Key: "allocations", Value: allocations},
		{Key: "makespan", Value: s.Makespan},
		{Key: "unfeasible", Value: unfeasible},
		{Key: keyDirective, Value: directive},
		{Key: "scenario", Value: r.Scenario},
	}
	if r.Ratio > 0 {
		rv = append(rv, yaml.MapItem{Key: "ratio", Value: r.Ratio})
	}
	rv = append(rv, yaml.MapItem{Key: "heuristics", Value: yaml.MapSlice{
		{Key: "nodes", Value: s.Heuristics.Nodes.String()},
		{Key: "cores", Value: s.Heuristics.Cores.String()},
	}})
	if s.Solved {
		rv = append(rv, yaml.MapItem{Key: "equilibrium", Value: s.EquilibriumRoot})
	}
	return rv
}

// placement lists where a member runs: its sequential time, its allocation, its cores per node and its time.
func placement(c *model.Catalog, s *model.ScheduleResult, key model.MemberKey) yaml.MapSlice {
	id := s.AllocationOf(key)
	cores := 0
	if alloc, ok := s.Allocation(id); ok {
		cores = alloc.CoresPerMember[key]
	}
	return yaml.MapSlice{
		{Key: "sequential_time", Value: c.SequentialTime(key)},
		{Key: "alloc", Value: id},
		{Key: "core_per_node", Value: cores},
		{Key: "time", Value: s.Times[key]},
	}
}
