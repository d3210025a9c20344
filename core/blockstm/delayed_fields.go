package blockstm

import (
	"github.com/holiman/uint256"

	"github.com/stratavm/go-strata/core/aggregator"
)

// VersionedDelayedFieldView is the slice of the shared delayed-field
// store the engine reads through. Both methods may fail with a
// DependencyError asking the caller to wait.
type VersionedDelayedFieldView interface {
	Read(id aggregator.DelayedFieldID, txnIdx int) (aggregator.DelayedFieldValue, error)
	ReadLatestCommittedValue(id aggregator.DelayedFieldID, txnIdx int, pos aggregator.ReadPosition) (aggregator.DelayedFieldValue, error)
}

// getDelayedFieldValue returns the materialized value of a delayed field,
// serving from the captured reads when possible and capturing a Value
// read otherwise.
func getDelayedFieldValue(
	captured *CapturedReads,
	view VersionedDelayedFieldView,
	waiter DependencyWaiter,
	id aggregator.DelayedFieldID,
	txnIdx int,
) (aggregator.DelayedFieldValue, error) {
	// Only Value-kind entries hold a full materialized value; a
	// HistoryBounded entry cannot serve this read.
	if r, ok := captured.GetDelayedFieldByKind(id, DelayedFieldReadValue); ok {
		if r.Kind == DelayedFieldReadValue {
			return r.Value, nil
		}
		err := aggregator.InvariantErrorf("value delayed-field lookup returned non-value entry for %s", id)
		captured.CaptureDelayedFieldReadError(err)
		return aggregator.DelayedFieldValue{}, err
	}

	for {
		value, err := view.Read(id, txnIdx)
		if err == nil {
			if cerr := captured.CaptureDelayedFieldRead(id, false, DelayedFieldRead{
				Kind:  DelayedFieldReadValue,
				Value: value,
			}); cerr != nil {
				return aggregator.DelayedFieldValue{}, cerr
			}
			return value, nil
		}
		if dep, ok := aggregator.AsDependency(err); ok {
			if !waitForDependency(waiter, txnIdx, dep.DepTxnIdx) {
				return aggregator.DelayedFieldValue{}, aggregator.ErrInconsistentRead
			}
			continue
		}
		captured.CaptureDelayedFieldReadError(err)
		if aggregator.IsInvariantError(err) {
			return aggregator.DelayedFieldValue{}, err
		}
		return aggregator.DelayedFieldValue{}, aggregator.ErrInconsistentRead
	}
}

// delayedFieldTryAddDeltaOutcome reports whether inner + baseDelta +
// delta stays within [0, maxValue], updating the captured history so a
// later contradiction fails validation. baseDelta is the sum of deltas
// the transaction already applied successfully.
func delayedFieldTryAddDeltaOutcome(
	captured *CapturedReads,
	view VersionedDelayedFieldView,
	waiter DependencyWaiter,
	id aggregator.DelayedFieldID,
	baseDelta, delta aggregator.SignedU128,
	maxValue *uint256.Int,
	txnIdx int,
) (bool, error) {
	// An attempt whose magnitude exceeds the bound can never succeed, in
	// any state; nothing worth recording.
	if delta.Abs().Gt(maxValue) {
		return false, nil
	}

	math := aggregator.NewBoundedMath(maxValue)

	r, ok := captured.GetDelayedFieldByKind(id, DelayedFieldReadHistoryBounded)
	switch {
	case ok && r.Kind == DelayedFieldReadValue:
		// Full value known: evaluate directly, no new capture.
		inner, err := r.Value.IntoAggregatorValue()
		if err != nil {
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}
		before, err := aggregator.ExpectOk(math.UnsignedAddDelta(inner, baseDelta))
		if err != nil {
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}
		_, applyErr := math.UnsignedAddDelta(before, delta)
		return applyErr == nil, nil

	case ok:
		if !r.MaxValue.Eq(maxValue) {
			err := aggregator.InvariantErrorf("cannot merge deltas with different limits for %s", id)
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}
		outcome, updated, err := tryAddFromHistory(math, baseDelta, delta, r.Restriction.Clone(), r.InnerValue)
		if err != nil {
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}
		updated.MaxValue = maxValue.Clone()
		if cerr := captured.CaptureDelayedFieldRead(id, true, updated); cerr != nil {
			return false, cerr
		}
		return outcome, nil

	default:
		// Nothing captured yet: the caller cannot have applied deltas
		// against a value it never read.
		if !baseDelta.IsZero() {
			err := aggregator.InvariantErrorf("non-zero base delta for %s without a captured read", id)
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}

		var committed aggregator.DelayedFieldValue
		for {
			var err error
			committed, err = view.ReadLatestCommittedValue(id, txnIdx, aggregator.BeforeCurrentTxn)
			if err == nil {
				break
			}
			if dep, isDep := aggregator.AsDependency(err); isDep {
				if !waitForDependency(waiter, txnIdx, dep.DepTxnIdx) {
					return false, aggregator.ErrInconsistentRead
				}
				continue
			}
			return false, aggregator.ErrInconsistentRead
		}
		inner, err := committed.IntoAggregatorValue()
		if err != nil {
			captured.CaptureDelayedFieldReadError(err)
			return false, err
		}

		outcome, newRead := tryAddFirstTime(math, delta, inner)
		newRead.MaxValue = maxValue.Clone()
		if cerr := captured.CaptureDelayedFieldRead(id, false, newRead); cerr != nil {
			return false, cerr
		}
		return outcome, nil
	}
}

// tryAddFromHistory evaluates an attempt against an anchored history and
// widens the history accordingly.
func tryAddFromHistory(
	math aggregator.BoundedMath,
	baseDelta, delta aggregator.SignedU128,
	history aggregator.DeltaHistory,
	inner *uint256.Int,
) (bool, DelayedFieldRead, error) {
	before, err := aggregator.ExpectOk(math.UnsignedAddDelta(inner, baseDelta))
	if err != nil {
		return false, DelayedFieldRead{}, err
	}

	outcome := false
	if _, applyErr := math.UnsignedAddDelta(before, delta); applyErr != nil {
		// Record the smallest additional delta that breaks the bound,
		// unless even that amount exceeds the bound outright.
		if delta.IsNegative() {
			underflow, err := aggregator.ExpectOk(aggregator.OkOverflow(
				math.UnsignedAddDelta(delta.Abs(), baseDelta.Minus())))
			if err != nil {
				return false, DelayedFieldRead{}, err
			}
			if underflow != nil {
				history.RecordUnderflow(underflow)
			}
		} else {
			overflow, err := aggregator.ExpectOk(aggregator.OkOverflow(
				math.UnsignedAddDelta(delta.Abs(), baseDelta)))
			if err != nil {
				return false, DelayedFieldRead{}, err
			}
			if overflow != nil {
				history.RecordOverflow(overflow)
			}
		}
	} else {
		newDelta, err := aggregator.ExpectOkSigned(math.SignedAdd(baseDelta, delta))
		if err != nil {
			return false, DelayedFieldRead{}, err
		}
		if err := history.RecordSuccess(newDelta); err != nil {
			return false, DelayedFieldRead{}, err
		}
		outcome = true
	}

	return outcome, DelayedFieldRead{
		Kind:        DelayedFieldReadHistoryBounded,
		Restriction: history,
		InnerValue:  inner.Clone(),
	}, nil
}

// tryAddFirstTime seeds a history from the first attempt against the
// committed base value.
func tryAddFirstTime(
	math aggregator.BoundedMath,
	delta aggregator.SignedU128,
	inner *uint256.Int,
) (bool, DelayedFieldRead) {
	history := aggregator.NewDeltaHistory()
	outcome := false
	if _, err := math.UnsignedAddDelta(inner, delta); err != nil {
		if delta.IsNegative() {
			history.RecordUnderflow(delta.Abs())
		} else {
			history.RecordOverflow(delta.Abs())
		}
	} else {
		// The first application cannot cross a forbidden bound: the
		// history is empty.
		_ = history.RecordSuccess(delta)
		outcome = true
	}
	return outcome, DelayedFieldRead{
		Kind:        DelayedFieldReadHistoryBounded,
		Restriction: history,
		InnerValue:  inner.Clone(),
	}
}
