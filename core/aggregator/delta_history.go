package aggregator

import "github.com/holiman/uint256"

// DeltaHistory summarizes everything a speculating transaction has
// observed about a delayed field: the largest deltas it successfully
// reached in either direction, and the smallest deltas it saw fail. A
// later validation replays this summary against the then-current base
// value; any disagreement aborts the transaction.
//
// Invariants: achieved deltas stay within [0, maxValue] relative to the
// base; each forbidden bound, when set, lies strictly beyond the achieved
// bound on the same side.
type DeltaHistory struct {
	// Largest +delta that was successfully reached.
	MaxAchievedPositiveDelta *uint256.Int
	// Largest |-delta| that was successfully reached.
	MinAchievedNegativeDelta *uint256.Int
	// Smallest +delta observed to overflow; nil if none.
	MinOverflowPositiveDelta *uint256.Int
	// Smallest |-delta| observed to underflow; nil if none.
	MaxUnderflowNegativeDelta *uint256.Int
}

// NewDeltaHistory returns an empty history.
func NewDeltaHistory() DeltaHistory {
	return DeltaHistory{
		MaxAchievedPositiveDelta: uint256.NewInt(0),
		MinAchievedNegativeDelta: uint256.NewInt(0),
	}
}

// Clone deep-copies the history.
func (h DeltaHistory) Clone() DeltaHistory {
	out := DeltaHistory{
		MaxAchievedPositiveDelta: h.MaxAchievedPositiveDelta.Clone(),
		MinAchievedNegativeDelta: h.MinAchievedNegativeDelta.Clone(),
	}
	if h.MinOverflowPositiveDelta != nil {
		out.MinOverflowPositiveDelta = h.MinOverflowPositiveDelta.Clone()
	}
	if h.MaxUnderflowNegativeDelta != nil {
		out.MaxUnderflowNegativeDelta = h.MaxUnderflowNegativeDelta.Clone()
	}
	return out
}

// RecordSuccess widens the achieved bounds with a delta that was applied
// within limits. Crossing an already-recorded forbidden bound is a code
// invariant violation.
func (h *DeltaHistory) RecordSuccess(delta SignedU128) error {
	if delta.IsNegative() {
		if h.MaxUnderflowNegativeDelta != nil && !delta.Abs().Lt(h.MaxUnderflowNegativeDelta) {
			return InvariantErrorf("achieved negative delta %s crosses recorded underflow %s",
				delta.Abs().Dec(), h.MaxUnderflowNegativeDelta.Dec())
		}
		if delta.Abs().Gt(h.MinAchievedNegativeDelta) {
			h.MinAchievedNegativeDelta = delta.Abs()
		}
		return nil
	}
	if h.MinOverflowPositiveDelta != nil && !delta.Abs().Lt(h.MinOverflowPositiveDelta) {
		return InvariantErrorf("achieved positive delta %s crosses recorded overflow %s",
			delta.Abs().Dec(), h.MinOverflowPositiveDelta.Dec())
	}
	if delta.Abs().Gt(h.MaxAchievedPositiveDelta) {
		h.MaxAchievedPositiveDelta = delta.Abs()
	}
	return nil
}

// RecordOverflow narrows the smallest positive delta known to overflow.
func (h *DeltaHistory) RecordOverflow(amount *uint256.Int) {
	if h.MinOverflowPositiveDelta == nil || amount.Lt(h.MinOverflowPositiveDelta) {
		h.MinOverflowPositiveDelta = amount.Clone()
	}
}

// RecordUnderflow narrows the smallest negative magnitude known to
// underflow.
func (h *DeltaHistory) RecordUnderflow(amount *uint256.Int) {
	if h.MaxUnderflowNegativeDelta == nil || amount.Lt(h.MaxUnderflowNegativeDelta) {
		h.MaxUnderflowNegativeDelta = amount.Clone()
	}
}

// ValidateAgainstBase replays the history against a base value: every
// achieved delta must still fit in [0, maxValue] and every forbidden
// delta must still break it.
func (h DeltaHistory) ValidateAgainstBase(base, maxValue *uint256.Int) bool {
	math := NewBoundedMath(maxValue)
	if _, err := math.UnsignedAddDelta(base, NewSignedU128(false, h.MaxAchievedPositiveDelta)); err != nil {
		return false
	}
	if _, err := math.UnsignedAddDelta(base, NewSignedU128(true, h.MinAchievedNegativeDelta)); err != nil {
		return false
	}
	if h.MinOverflowPositiveDelta != nil {
		if _, err := math.UnsignedAddDelta(base, NewSignedU128(false, h.MinOverflowPositiveDelta)); err == nil {
			return false
		}
	}
	if h.MaxUnderflowNegativeDelta != nil {
		if _, err := math.UnsignedAddDelta(base, NewSignedU128(true, h.MaxUnderflowNegativeDelta)); err == nil {
			return false
		}
	}
	return true
}

// Equal compares two histories.
func (h DeltaHistory) Equal(other DeltaHistory) bool {
	if !h.MaxAchievedPositiveDelta.Eq(other.MaxAchievedPositiveDelta) ||
		!h.MinAchievedNegativeDelta.Eq(other.MinAchievedNegativeDelta) {
		return false
	}
	return optEq(h.MinOverflowPositiveDelta, other.MinOverflowPositiveDelta) &&
		optEq(h.MaxUnderflowNegativeDelta, other.MaxUnderflowNegativeDelta)
}

func optEq(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Eq(b)
}
