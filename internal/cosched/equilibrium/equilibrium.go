// Package equilibrium solves the bandwidth contention equation of the shared pool.
//
// For the non-co-scheduled analyses a with sequential time t_a and parent data size d_a, bandwidth B and
// cores per node C, the equilibrium variable u is the root of
//
//	f(u) = -1/B + Σ_a t_a / (B·T + u - C·d_a),  T = Σ_a t_a
//
// On the domain u > max_a(C·d_a - B·T) every denominator is positive and f is strictly decreasing, from +∞
// at the bound to -1/B at infinity, so the root is unique and can be bracketed. The solver bisects between
// the domain bound and an upper bracket found by bounded doubling.
package equilibrium

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/hpcflow/cosched/internal/common/coerrors"
)

// Term is the contribution of one non-co-scheduled analysis.
type Term struct {
	SequentialTime float64
	// Data size of the analysis' parent simulation.
	DataSize float64
}

type Equation struct {
	bandwidth float64
	cores     float64
	terms     []Term
	totalTime float64
}

func NewEquation(bandwidth float64, coresPerNode int, terms []Term) *Equation {
	times := make([]float64, len(terms))
	for i, term := range terms {
		times[i] = term.SequentialTime
	}
	return &Equation{
		bandwidth: bandwidth,
		cores:     float64(coresPerNode),
		terms:     terms,
		totalTime: floats.Sum(times),
	}
}

// TotalTime is T, the summed sequential time of all terms.
func (e *Equation) TotalTime() float64 {
	return e.totalTime
}

// DomainBound returns the largest u at which some denominator vanishes; the valid domain is u > DomainBound().
func (e *Equation) DomainBound() float64 {
	bound := math.Inf(-1)
	for _, term := range e.terms {
		bound = math.Max(bound, e.cores*term.DataSize-e.bandwidth*e.totalTime)
	}
	return bound
}

// Denominator of the term at u; positive everywhere on the valid domain.
func (e *Equation) Denominator(term Term, u float64) float64 {
	return e.bandwidth*e.totalTime + u - e.cores*term.DataSize
}

// Evaluate returns f(u). At or below a pole the result is +Inf, matching the limit from the right.
func (e *Equation) Evaluate(u float64) float64 {
	f := -1 / e.bandwidth
	for _, term := range e.terms {
		d := e.Denominator(term, u)
		if d <= 0 {
			if term.SequentialTime > 0 {
				return math.Inf(1)
			}
			continue
		}
		f += term.SequentialTime / d
	}
	return f
}

type Solver struct {
	// Cap on bisection steps.
	MaxIterations int
	// Cap on doublings while searching for the upper bracket.
	MaxExpansions int
	// Bisection stops once the bracket is narrower than Tolerance·max(1, |u|).
	Tolerance float64
}

func DefaultSolver() Solver {
	return Solver{
		MaxIterations: 200,
		MaxExpansions: 128,
		Tolerance:     1e-13,
	}
}

type Solution struct {
	Root       float64
	Iterations int
}

// Solve returns the unique root of e on its valid domain.
func (s Solver) Solve(e *Equation) (Solution, error) {
	if len(e.terms) == 0 || !(e.totalTime > 0) || !(e.bandwidth > 0) {
		return Solution{}, errors.WithStack(&coerrors.ErrNoEquilibriumRoot{
			Bound:   e.DomainBound(),
			Terms:   len(e.terms),
			Message: "no non-co-scheduled work to balance",
		})
	}
	lo := e.DomainBound()
	if e.Evaluate(lo) <= 0 {
		return Solution{}, errors.WithStack(&coerrors.ErrNoEquilibriumRoot{
			Bound:   lo,
			Terms:   len(e.terms),
			Message: "equation is not positive at the domain bound",
		})
	}

	step := math.Max(1, math.Max(math.Abs(lo), e.bandwidth*e.totalTime))
	hi := lo + step
	fHi := e.Evaluate(hi)
	for i := 0; fHi > 0; i++ {
		if i >= s.MaxExpansions {
			return Solution{}, errors.WithStack(&coerrors.ErrNoEquilibriumRoot{
				Bound:   lo,
				Terms:   len(e.terms),
				Message: "no sign change found",
			})
		}
		step *= 2
		hi = lo + step
		fHi = e.Evaluate(hi)
	}
	if fHi == 0 {
		return Solution{Root: hi}, nil
	}

	iterations := 0
	for ; iterations < s.MaxIterations; iterations++ {
		mid := lo + (hi-lo)/2
		if mid <= lo || mid >= hi {
			break
		}
		fMid := e.Evaluate(mid)
		switch {
		case fMid > 0:
			lo = mid
		case fMid < 0:
			hi = mid
		default:
			return Solution{Root: mid, Iterations: iterations + 1}, nil
		}
		if hi-lo <= s.Tolerance*math.Max(1, math.Abs(mid)) {
			iterations++
			break
		}
	}
	// lo may still sit on the domain bound; the midpoint is strictly inside.
	root := lo + (hi-lo)/2
	if root <= e.DomainBound() {
		root = hi
	}
	return Solution{Root: root, Iterations: iterations}, nil
}
