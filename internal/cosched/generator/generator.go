// Package generator synthesises random workload documents.
package generator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/util"
)

// Range is a closed interval values are drawn from uniformly.
type Range struct {
	Min float64 `validate:"gte=0"`
	Max float64 `validate:"gtefield=Min"`
}

func (r Range) draw(rng *rand.Rand, decimals int) float64 {
	v := r.Min + rng.Float64()*(r.Max-r.Min)
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

type IntRange struct {
	Min int `validate:"gte=0"`
	Max int `validate:"gtefield=Min"`
}

func (r IntRange) draw(rng *rand.Rand) int {
	return r.Min + rng.Intn(r.Max-r.Min+1)
}

type Config struct {
	Nodes       int     `validate:"gte=1"`
	Cores       int     `validate:"gte=1"`
	Memory      float64 `validate:"gt=0"`
	Bandwidth   float64 `validate:"gt=0"`
	Speed       float64 `validate:"gt=0"`
	Steps       int     `validate:"gte=1"`
	Simulations int     `validate:"gte=1"`
	// Analyses per simulation.
	Analyses       IntRange
	SimulationFlop Range
	Data           Range
	SimulationMem  Range
	AnalysisFlop   Range
	AnalysisMem    Range
	// Zero draws a time-based seed.
	Seed int64
}

// DefaultConfig mirrors the workloads used to evaluate the partitioner: a 10-node cluster shared by 3 simulations.
func DefaultConfig() Config {
	return Config{
		Nodes:          10,
		Cores:          32,
		Memory:         128,
		Bandwidth:      6,
		Speed:          36.8,
		Steps:          1,
		Simulations:    3,
		Analyses:       IntRange{Min: 0, Max: 10},
		SimulationFlop: Range{Min: 100, Max: 1000},
		Data:           Range{Min: 1, Max: 10},
		SimulationMem:  Range{Min: 10, Max: 60},
		AnalysisFlop:   Range{Min: 100, Max: 1000},
		AnalysisMem:    Range{Min: 10, Max: 60},
	}
}

// Generate returns a workload document. Simulations are named sim1..simN and their analyses ana1..anaM.
// The same non-zero seed always yields the same document.
func Generate(config Config) ([]byte, error) {
	if config.Simulations < 1 {
		return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "simulations",
			Value:   config.Simulations,
			Message: "at least one simulation is required",
		})
	}
	if config.Analyses.Max < config.Analyses.Min {
		return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "analyses",
			Value:   fmt.Sprintf("%d-%d", config.Analyses.Min, config.Analyses.Max),
			Message: "empty range",
		})
	}
	rng := util.NewThreadsafeRand(config.Seed)

	simulations := make(yaml.MapSlice, 0, config.Simulations)
	for i := 1; i <= config.Simulations; i++ {
		flop := config.SimulationFlop.draw(rng, 3)
		sim := yaml.MapSlice{
			{Key: "flop", Value: flop},
			{Key: "data", Value: config.Data.draw(rng, 2)},
			{Key: "mem", Value: config.SimulationMem.draw(rng, 1)},
		}
		numAnalyses := config.Analyses.draw(rng)
		coupling := make(yaml.MapSlice, 0, numAnalyses)
		for j := 1; j <= numAnalyses; j++ {
			coupling = append(coupling, yaml.MapItem{
				Key: fmt.Sprintf("ana%d", j),
				Value: yaml.MapSlice{
					{Key: "flop", Value: config.AnalysisFlop.draw(rng, 3)},
					{Key: "mem", Value: config.AnalysisMem.draw(rng, 1)},
				},
			})
		}
		sim = append(sim, yaml.MapItem{Key: "coupling", Value: coupling})
		simulations = append(simulations, yaml.MapItem{Key: fmt.Sprintf("sim%d", i), Value: sim})
	}

	doc := yaml.MapSlice{
		{Key: "nodes", Value: config.Nodes},
		{Key: "cores", Value: config.Cores},
		{Key: "memory", Value: config.Memory},
		{Key: "bandwidth", Value: config.Bandwidth},
		{Key: "speed", Value: config.Speed},
		{Key: "steps", Value: config.Steps},
		{Key: "simulations", Value: simulations},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
