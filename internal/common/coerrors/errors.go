// Package coerrors contains the errors returned by the co-scheduling core.
//
// Trial-level errors (ErrNoEquilibriumRoot, ErrCapacityExceeded, ErrInfeasiblePartition and
// ErrMemoryInfeasible) are recoverable: the scheduling search discards the trial and moves on.
// ErrInvalidArgument is returned for malformed inputs and is fatal for the document it refers to.
//
// If several errors occur while validating one input, they are combined into a
// multierror.Error from package github.com/hashicorp/go-multierror.
package coerrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Stage identifies the apportionment level at which a capacity error occurred.
type Stage string

const (
	StagePoolNodes       Stage = "pool-nodes"
	StagePoolCores       Stage = "pool-cores"
	StageSimulationNodes Stage = "simulation-nodes"
	StageSimulationCores Stage = "simulation-cores"
)

// ErrNoEquilibriumRoot is returned when the bandwidth equilibrium equation has no root on its valid domain.
type ErrNoEquilibriumRoot struct {
	// Lower bound of the valid domain.
	Bound float64
	// Number of non-co-scheduled analyses in the equation.
	Terms   int
	Message string
}

func (err *ErrNoEquilibriumRoot) Error() string {
	s := fmt.Sprintf("no equilibrium root above %g for %d non-co-scheduled analyses", err.Bound, err.Terms)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrCapacityExceeded is returned when real-valued shares cannot be rounded onto an integer capacity
// while giving every member at least one unit.
type ErrCapacityExceeded struct {
	// Set by the allocator; empty when returned directly by an apportionment policy.
	Stage    Stage
	Capacity int
	Members  int
	// Units that could not be taken back from any member.
	Surplus int
}

func (err *ErrCapacityExceeded) Error() string {
	s := fmt.Sprintf("capacity %d cannot be split among %d members (surplus %d)", err.Capacity, err.Members, err.Surplus)
	if err.Stage != "" {
		s = string(err.Stage) + ": " + s
	}
	return s
}

// ErrInfeasiblePartition is returned when a partition leaves no nodes for one of its sides.
type ErrInfeasiblePartition struct {
	Nodes     int
	PoolNodes int
	Message   string
}

func (err *ErrInfeasiblePartition) Error() string {
	s := fmt.Sprintf("partition assigns %d of %d nodes to the pool", err.PoolNodes, err.Nodes)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrMemoryInfeasible is returned when one or more allocations do not have enough memory for their members.
type ErrMemoryInfeasible struct {
	Allocations []string
}

func (err *ErrMemoryInfeasible) Error() string {
	return fmt.Sprintf("insufficient memory in allocations [%s]", strings.Join(err.Allocations, ", "))
}

// ErrInvalidArgument is a generic error to be returned on invalid input.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "simulations.sim1.flop"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// Reason maps an error to a short label used in metrics and trial logs.
// Uses errors.As to look through the chain of errors.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	{
		var e *ErrNoEquilibriumRoot
		if errors.As(err, &e) {
			return "no-equilibrium-root"
		}
	}
	{
		var e *ErrCapacityExceeded
		if errors.As(err, &e) {
			return "capacity-exceeded"
		}
	}
	{
		var e *ErrInfeasiblePartition
		if errors.As(err, &e) {
			return "infeasible-partition"
		}
	}
	{
		var e *ErrMemoryInfeasible
		if errors.As(err, &e) {
			return "memory-infeasible"
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return "invalid-argument"
		}
	}
	return "unknown"
}

// IsTrialError returns true if err is one of the recoverable per-trial errors.
func IsTrialError(err error) bool {
	switch Reason(err) {
	case "no-equilibrium-root", "capacity-exceeded", "infeasible-partition", "memory-infeasible":
		return true
	}
	return false
}
