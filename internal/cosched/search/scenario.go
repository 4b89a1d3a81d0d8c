package search

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

// Scenario is a named single-shot rule producing a complete partition.
type Scenario int

const (
	// Ideal co-schedules every analysis.
	Ideal Scenario = iota
	// Transit offloads every analysis.
	Transit
	// Increasing offloads the fraction of analyses with the smallest flop.
	Increasing
	// Decreasing offloads the fraction of analyses with the largest flop.
	Decreasing
)

var scenarioNames = map[Scenario]string{
	Ideal:      "ideal",
	Transit:    "transit",
	Increasing: "increasing",
	Decreasing: "decreasing",
}

func (s Scenario) String() string {
	if name, ok := scenarioNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scenario(%d)", int(s))
}

func ParseScenario(s string) (Scenario, error) {
	for scenario, name := range scenarioNames {
		if strings.EqualFold(s, name) {
			return scenario, nil
		}
	}
	return Ideal, errors.WithStack(&coerrors.ErrInvalidArgument{
		Name:    "scenario",
		Value:   s,
		Message: "valid scenarios are ideal, transit, increasing and decreasing",
	})
}

func (s *Scenario) UnmarshalText(text []byte) error {
	parsed, err := ParseScenario(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Scenario) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NeedsRatio is true for the scenarios parameterised by a fraction of the analyses.
func (s Scenario) NeedsRatio() bool {
	return s == Increasing || s == Decreasing
}

// ValidateRatio checks that ratio is in (0, 1].
func ValidateRatio(ratio float64) error {
	if !(ratio > 0 && ratio <= 1) {
		return errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "ratio",
			Value:   ratio,
			Message: "ratio must be in (0, 1]",
		})
	}
	return nil
}

// ScenarioPartition builds the partition of scenario s. ratio is ignored by ideal and transit.
func ScenarioPartition(c *model.Catalog, s Scenario, ratio float64) (model.Partition, error) {
	switch s {
	case Ideal:
		return model.IdealPartition(), nil
	case Transit:
		return model.TransitPartition(c), nil
	case Increasing, Decreasing:
		if err := ValidateRatio(ratio); err != nil {
			return model.Partition{}, err
		}
		analyses := byFlop(c.Analyses(), s == Decreasing)
		count := int(math.Floor(ratio * float64(len(analyses))))
		keys := make([]model.MemberKey, count)
		for i := range keys {
			keys[i] = analyses[i].Key()
		}
		return model.NewPartition(keys...), nil
	}
	return model.Partition{}, errors.WithStack(&coerrors.ErrInvalidArgument{Name: "scenario", Value: s})
}

// byFlop returns a copy of analyses sorted by flop. Equal flop keeps catalog order in both directions.
func byFlop(analyses []*model.Analysis, descending bool) []*model.Analysis {
	rv := slices.Clone(analyses)
	slices.SortStableFunc(rv, func(a, b *model.Analysis) bool {
		if descending {
			return a.Flop > b.Flop
		}
		return a.Flop < b.Flop
	})
	return rv
}
