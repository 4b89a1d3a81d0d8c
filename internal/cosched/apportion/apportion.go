// Package apportion rounds real-valued shares onto an integer capacity.
//
// Every policy guarantees that a successful assignment sums to exactly the capacity and gives every share at
// least one unit. A *coerrors.ErrCapacityExceeded is returned only when the capacity is below the number of shares.
package apportion

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/hpcflow/cosched/internal/common/coerrors"
)

// Shares within this distance of an integer are treated as that integer.
const integerTolerance = 1e-9

// Share is one real-valued claim on the capacity.
type Share struct {
	Name  string
	Value float64
	// Ordering key, e.g., sequential time. Equal keys keep input order.
	Key float64
}

// Policy converts shares into integers. The result is indexed like the input.
type Policy interface {
	Assign(shares []Share, capacity int) ([]int, error)
}

// TieBreak selects the rounding policy used by model decisions.
type TieBreak int

const (
	// Ascending is the primary rule: smallest keys are rounded down first.
	Ascending TieBreak = iota
	// NearAllocate walks shares by descending key and clears leftover surplus from the last share visited.
	NearAllocate
)

var tieBreakNames = map[TieBreak]string{
	Ascending:    "ascending",
	NearAllocate: "near-allocate",
}

func (t TieBreak) String() string {
	if name, ok := tieBreakNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TieBreak(%d)", int(t))
}

func ParseTieBreak(s string) (TieBreak, error) {
	for t, name := range tieBreakNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return Ascending, errors.Errorf("unknown tie-break %q; valid tie-breaks are ascending and near-allocate", s)
}

func (t *TieBreak) UnmarshalText(text []byte) error {
	parsed, err := ParseTieBreak(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TieBreak) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Policy returns the rounding policy for t.
func (t TieBreak) Policy() Policy {
	if t == NearAllocate {
		return NearAllocatePolicy{}
	}
	return AscendingPolicy{}
}

// AscendingPolicy walks shares by ascending key. Exact integers are kept, sub-unit shares become 1 and
// fractional shares are rounded down while a surplus remains, otherwise up. Sub-unit shares rounded up can leave
// a surplus after the walk; it is taken back from the largest-key shares above one unit.
type AscendingPolicy struct{}

func (AscendingPolicy) Assign(shares []Share, capacity int) ([]int, error) {
	if err := validate(shares, capacity); err != nil {
		return nil, err
	}
	visited := order(shares, false)
	rv, surplus := round(shares, capacity, visited)
	if surplus = takeBack(rv, visited, surplus); surplus > 0 {
		return nil, capacityExceeded(shares, capacity, surplus)
	}
	return rv, nil
}

// NearAllocatePolicy walks shares by descending key with the same rounding as AscendingPolicy. Any surplus
// left after the walk is taken back from the last visited shares that stay at or above one unit.
type NearAllocatePolicy struct{}

func (NearAllocatePolicy) Assign(shares []Share, capacity int) ([]int, error) {
	if err := validate(shares, capacity); err != nil {
		return nil, err
	}
	visited := order(shares, true)
	rv, surplus := round(shares, capacity, visited)
	if surplus = takeBack(rv, visited, surplus); surplus > 0 {
		return nil, capacityExceeded(shares, capacity, surplus)
	}
	return rv, nil
}

// EvenPolicy ignores share values and divides the capacity equally, one extra unit to each of the first
// capacity%n shares.
type EvenPolicy struct{}

func (EvenPolicy) Assign(shares []Share, capacity int) ([]int, error) {
	n := len(shares)
	if n == 0 {
		return nil, errors.WithStack(&coerrors.ErrInvalidArgument{Name: "shares", Value: n, Message: "nothing to apportion"})
	}
	if capacity < n {
		return nil, capacityExceeded(shares, capacity, n-capacity)
	}
	return Even(capacity, n), nil
}

// Even splits capacity into n parts that differ by at most one, larger parts first.
func Even(capacity, n int) []int {
	rv := make([]int, n)
	for i := range rv {
		rv[i] = capacity / n
		if i < capacity%n {
			rv[i]++
		}
	}
	return rv
}

// Surplus is the number of fractional shares of at least one unit that have to be rounded down so that the
// result lands on capacity.
func Surplus(shares []Share, capacity int) int {
	floorSum := 0
	exact := 0
	for _, s := range shares {
		if v, ok := exactInteger(s.Value); ok {
			exact++
			floorSum += v
			continue
		}
		floorSum += int(math.Floor(s.Value))
	}
	return len(shares) - exact - capacity + floorSum
}

func round(shares []Share, capacity int, visit []int) ([]int, int) {
	surplus := Surplus(shares, capacity)
	rv := make([]int, len(shares))
	for _, i := range visit {
		v := shares[i].Value
		if n, ok := exactInteger(v); ok {
			rv[i] = n
			continue
		}
		switch {
		case v < 1:
			rv[i] = 1
		case surplus > 0:
			rv[i] = int(math.Floor(v))
			surplus--
		default:
			rv[i] = int(math.Ceil(v))
		}
	}
	return rv, surplus
}

// takeBack removes surplus units from rv, last visited share first, keeping every share at one unit or more.
// It returns the surplus it could not remove, which is zero whenever the capacity covers every share.
func takeBack(rv []int, visited []int, surplus int) int {
	for i := len(visited) - 1; i >= 0 && surplus > 0; i-- {
		j := visited[i]
		take := min(rv[j]-1, surplus)
		rv[j] -= take
		surplus -= take
	}
	return surplus
}

// exactInteger reports whether v is an integer of at least one, within tolerance.
func exactInteger(v float64) (int, bool) {
	r := math.Round(v)
	if r >= 1 && math.Abs(v-r) <= integerTolerance*math.Max(1, r) {
		return int(r), true
	}
	return 0, false
}

func order(shares []Share, descending bool) []int {
	indices := make([]int, len(shares))
	for i := range indices {
		indices[i] = i
	}
	slices.SortStableFunc(indices, func(a, b int) bool {
		if descending {
			return shares[a].Key > shares[b].Key
		}
		return shares[a].Key < shares[b].Key
	})
	return indices
}

func validate(shares []Share, capacity int) error {
	if len(shares) == 0 {
		return errors.WithStack(&coerrors.ErrInvalidArgument{Name: "shares", Value: 0, Message: "nothing to apportion"})
	}
	if capacity < len(shares) {
		return capacityExceeded(shares, capacity, len(shares)-capacity)
	}
	sum := 0.0
	for _, s := range shares {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) || s.Value < 0 {
			return errors.WithStack(&coerrors.ErrInvalidArgument{
				Name:    "shares." + s.Name,
				Value:   s.Value,
				Message: "shares must be finite and non-negative",
			})
		}
		sum += s.Value
	}
	if math.Abs(sum-float64(capacity)) > 1e-6*math.Max(1, float64(capacity)) {
		return errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "shares",
			Value:   sum,
			Message: fmt.Sprintf("shares must sum to capacity %d", capacity),
		})
	}
	if Surplus(shares, capacity) < 0 {
		return errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "shares",
			Value:   sum,
			Message: fmt.Sprintf("rounded shares cannot reach capacity %d", capacity),
		})
	}
	return nil
}

func capacityExceeded(shares []Share, capacity, surplus int) error {
	return errors.WithStack(&coerrors.ErrCapacityExceeded{
		Capacity: capacity,
		Members:  len(shares),
		Surplus:  surplus,
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
