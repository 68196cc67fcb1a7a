package streams

import (
	"math"
	"strconv"

	"github.com/gokit/errors"
)

// ErrZeroDemand is the panic value raised when a subscriber requests
// exactly zero demand at a boundary that requires forward progress.
var ErrZeroDemand = errors.New("zero demand requested")

//***************************************************************************
// Demand
//***************************************************************************

// Demand expresses how many more elements a subscriber is willing to
// receive, either as a finite count or as an unbounded allowance.
//
// Demand values are immutable; all arithmetic returns new values and
// saturates instead of wrapping, so combining demands can never underflow
// or overflow into a smaller allowance.
type Demand struct {
	count     uint64
	unbounded bool
}

// Unbounded is the demand which allows a producer to deliver without limit.
var Unbounded = Demand{unbounded: true}

// Bounded returns a demand allowing up to n more elements.
func Bounded(n uint64) Demand {
	return Demand{count: n}
}

// None returns the empty demand, it allows no further elements.
func None() Demand {
	return Demand{}
}

// Add returns the saturating sum of both demands. Adding anything to
// Unbounded stays Unbounded, a bounded sum clamps at the maximum
// representable count.
func (d Demand) Add(o Demand) Demand {
	if d.unbounded || o.unbounded {
		return Unbounded
	}
	sum := d.count + o.count
	if sum < d.count {
		sum = math.MaxUint64
	}
	return Demand{count: sum}
}

// Sub returns d reduced by o, saturating at zero. Unbounded remains
// Unbounded no matter what is taken from it.
func (d Demand) Sub(o Demand) Demand {
	if d.unbounded {
		return Unbounded
	}
	if o.unbounded || o.count >= d.count {
		return Demand{}
	}
	return Demand{count: d.count - o.count}
}

// Positive reports whether the demand allows at least one more element.
func (d Demand) Positive() bool {
	return d.unbounded || d.count > 0
}

// IsUnbounded reports whether the demand carries no limit.
func (d Demand) IsUnbounded() bool {
	return d.unbounded
}

// Max returns the bounded count of the demand. It returns false
// for the Unbounded demand which has no representable count.
func (d Demand) Max() (uint64, bool) {
	if d.unbounded {
		return 0, false
	}
	return d.count, true
}

// Equal reports whether both demands allow the exact same capacity.
func (d Demand) Equal(o Demand) bool {
	if d.unbounded || o.unbounded {
		return d.unbounded == o.unbounded
	}
	return d.count == o.count
}

// Less reports whether d allows strictly less capacity than o. Unbounded
// compares greater than every bounded demand.
func (d Demand) Less(o Demand) bool {
	if d.unbounded {
		return false
	}
	if o.unbounded {
		return true
	}
	return d.count < o.count
}

// String implements the Stringer interface.
func (d Demand) String() string {
	if d.unbounded {
		return "unbounded"
	}
	return strconv.FormatUint(d.count, 10)
}

// mustPositive guards the boundaries where a caller-supplied demand is
// received. Requesting zero where progress is required would stall the
// stream with no recovery path, so the offending call site is flagged
// immediately instead of corrupting shared state.
func mustPositive(d Demand) {
	if !d.Positive() {
		panic(errors.WrapOnly(ErrZeroDemand))
	}
}
