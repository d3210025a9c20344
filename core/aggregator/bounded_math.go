package aggregator

import (
	"github.com/holiman/uint256"
)

// SignedU128 is a signed delta over unsigned 128-bit magnitudes. The zero
// delta is canonically positive.
type SignedU128 struct {
	negative bool
	value    *uint256.Int
}

// PosDelta builds a non-negative delta.
func PosDelta(v uint64) SignedU128 {
	return SignedU128{value: uint256.NewInt(v)}
}

// NegDelta builds a non-positive delta with magnitude v.
func NegDelta(v uint64) SignedU128 {
	return SignedU128{negative: v != 0, value: uint256.NewInt(v)}
}

// NewSignedU128 builds a delta from an explicit sign and magnitude.
func NewSignedU128(negative bool, magnitude *uint256.Int) SignedU128 {
	if magnitude.IsZero() {
		negative = false
	}
	return SignedU128{negative: negative, value: magnitude.Clone()}
}

// Abs returns the magnitude.
func (d SignedU128) Abs() *uint256.Int { return d.value.Clone() }

// IsNegative reports the sign; zero is never negative.
func (d SignedU128) IsNegative() bool { return d.negative }

// IsZero reports whether the delta is zero.
func (d SignedU128) IsZero() bool { return d.value.IsZero() }

// Minus returns the delta with the opposite sign.
func (d SignedU128) Minus() SignedU128 {
	if d.value.IsZero() {
		return SignedU128{value: d.value.Clone()}
	}
	return SignedU128{negative: !d.negative, value: d.value.Clone()}
}

func (d SignedU128) Equal(other SignedU128) bool {
	return d.negative == other.negative && d.value.Eq(other.value)
}

func (d SignedU128) String() string {
	if d.negative {
		return "-" + d.value.Dec()
	}
	return "+" + d.value.Dec()
}

// BoundedMath evaluates aggregator arithmetic inside [0, maxValue].
type BoundedMath struct {
	maxValue *uint256.Int
}

// NewBoundedMath builds math bounded by maxValue.
func NewBoundedMath(maxValue *uint256.Int) BoundedMath {
	return BoundedMath{maxValue: maxValue.Clone()}
}

// NewBoundedMath64 is NewBoundedMath for uint64 bounds.
func NewBoundedMath64(maxValue uint64) BoundedMath {
	return BoundedMath{maxValue: uint256.NewInt(maxValue)}
}

// MaxValue returns the bound.
func (m BoundedMath) MaxValue() *uint256.Int { return m.maxValue.Clone() }

// UnsignedAddDelta applies delta to base, requiring the result to stay in
// [0, maxValue]. Returns ErrOverflow / ErrUnderflow on a bound break.
func (m BoundedMath) UnsignedAddDelta(base *uint256.Int, delta SignedU128) (*uint256.Int, error) {
	if delta.negative {
		if base.Lt(delta.value) {
			return nil, ErrUnderflow
		}
		return new(uint256.Int).Sub(base, delta.value), nil
	}
	sum := new(uint256.Int).Add(base, delta.value)
	if sum.Gt(m.maxValue) {
		return nil, ErrOverflow
	}
	return sum, nil
}

// SignedAdd adds two deltas, requiring the resulting magnitude to stay
// within maxValue.
func (m BoundedMath) SignedAdd(a, b SignedU128) (SignedU128, error) {
	if a.negative == b.negative {
		sum := new(uint256.Int).Add(a.value, b.value)
		if sum.Gt(m.maxValue) {
			if a.negative {
				return SignedU128{}, ErrUnderflow
			}
			return SignedU128{}, ErrOverflow
		}
		return NewSignedU128(a.negative, sum), nil
	}
	// Opposite signs: the magnitude shrinks, so the bound cannot break.
	if a.value.Lt(b.value) {
		return NewSignedU128(b.negative, new(uint256.Int).Sub(b.value, a.value)), nil
	}
	return NewSignedU128(a.negative, new(uint256.Int).Sub(a.value, b.value)), nil
}

// OkOverflow maps ErrOverflow to (nil result, no error), letting callers
// drop amounts that exceed the bound instead of failing.
func OkOverflow(v *uint256.Int, err error) (*uint256.Int, error) {
	if err == ErrOverflow {
		return nil, nil
	}
	return v, err
}

// ExpectOk converts an unexpected bounded-math error into an invariant
// error: the caller has already established the operation cannot break
// the bound.
func ExpectOk(v *uint256.Int, err error) (*uint256.Int, error) {
	if err != nil {
		return nil, InvariantErrorf("bounded math unexpectedly failed: %v", err)
	}
	return v, nil
}

// ExpectOkSigned is ExpectOk for signed results.
func ExpectOkSigned(v SignedU128, err error) (SignedU128, error) {
	if err != nil {
		return SignedU128{}, InvariantErrorf("bounded math unexpectedly failed: %v", err)
	}
	return v, nil
}
