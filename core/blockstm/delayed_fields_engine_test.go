package blockstm

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/stratavm/go-strata/core/aggregator"
)

// fakeDelayedFieldView serves delayed-field reads from a plain map.
type fakeDelayedFieldView struct {
	data map[aggregator.DelayedFieldID]aggregator.DelayedFieldValue
}

func newFakeDelayedFieldView() *fakeDelayedFieldView {
	return &fakeDelayedFieldView{data: make(map[aggregator.DelayedFieldID]aggregator.DelayedFieldValue)}
}

func (f *fakeDelayedFieldView) setValue(id aggregator.DelayedFieldID, v aggregator.DelayedFieldValue) {
	f.data[id] = v
}

func (f *fakeDelayedFieldView) Read(id aggregator.DelayedFieldID, _ int) (aggregator.DelayedFieldValue, error) {
	v, ok := f.data[id]
	if !ok {
		return aggregator.DelayedFieldValue{}, aggregator.ErrNotFound
	}
	return v, nil
}

func (f *fakeDelayedFieldView) ReadLatestCommittedValue(id aggregator.DelayedFieldID, _ int, _ aggregator.ReadPosition) (aggregator.DelayedFieldValue, error) {
	return f.Read(id, 0)
}

type tryAddHarness struct {
	t         *testing.T
	captured  *CapturedReads
	view      *fakeDelayedFieldView
	id        aggregator.DelayedFieldID
	maxValue  *uint256.Int
	baseDelta aggregator.SignedU128
	txnIdx    int
}

func newTryAddHarness(t *testing.T, storageValue uint64) *tryAddHarness {
	view := newFakeDelayedFieldView()
	id := aggregator.DelayedFieldID(600)
	view.setValue(id, aggregator.AggregatorValue(storageValue))
	return &tryAddHarness{
		t:         t,
		captured:  NewCapturedReads(),
		view:      view,
		id:        id,
		maxValue:  uint256.NewInt(600),
		baseDelta: aggregator.PosDelta(0),
		txnIdx:    1,
	}
}

// tryAdd runs one attempt and, on success, folds the delta into the
// harness base delta the way the VM does.
func (h *tryAddHarness) tryAdd(delta aggregator.SignedU128, expected bool) {
	h.t.Helper()
	outcome, err := delayedFieldTryAddDeltaOutcome(
		h.captured, h.view, panicWaiter{}, h.id, h.baseDelta, delta, h.maxValue, h.txnIdx)
	require.NoError(h.t, err)
	require.Equal(h.t, expected, outcome)
	if outcome {
		math := aggregator.NewBoundedMath(h.maxValue)
		sum, err := math.SignedAdd(h.baseDelta, delta)
		require.NoError(h.t, err)
		h.baseDelta = sum
	}
}

func (h *tryAddHarness) requireHistory(maxPos, minNeg uint64, overflow, underflow *uint64) {
	h.t.Helper()
	r, ok := h.captured.GetDelayedFieldByKind(h.id, DelayedFieldReadHistoryBounded)
	require.True(h.t, ok)
	require.Equal(h.t, DelayedFieldReadHistoryBounded, r.Kind)
	require.Equal(h.t, maxPos, r.Restriction.MaxAchievedPositiveDelta.Uint64())
	require.Equal(h.t, minNeg, r.Restriction.MinAchievedNegativeDelta.Uint64())
	if overflow == nil {
		require.Nil(h.t, r.Restriction.MinOverflowPositiveDelta)
	} else {
		require.NotNil(h.t, r.Restriction.MinOverflowPositiveDelta)
		require.Equal(h.t, *overflow, r.Restriction.MinOverflowPositiveDelta.Uint64())
	}
	if underflow == nil {
		require.Nil(h.t, r.Restriction.MaxUnderflowNegativeDelta)
	} else {
		require.NotNil(h.t, r.Restriction.MaxUnderflowNegativeDelta)
		require.Equal(h.t, *underflow, r.Restriction.MaxUnderflowNegativeDelta.Uint64())
	}
	require.True(h.t, r.MaxValue.Eq(h.maxValue))
}

func u64p(v uint64) *uint64 { return &v }

func TestHistoryUpdates(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 100)

	h.tryAdd(aggregator.PosDelta(300), true)
	h.requireHistory(300, 0, nil, nil)

	h.tryAdd(aggregator.PosDelta(100), true)
	h.requireHistory(400, 0, nil, nil)

	h.tryAdd(aggregator.NegDelta(450), true)
	h.requireHistory(400, 50, nil, nil)

	h.tryAdd(aggregator.PosDelta(200), true)
	h.requireHistory(400, 50, nil, nil)

	h.tryAdd(aggregator.PosDelta(350), true)
	h.requireHistory(500, 50, nil, nil)

	h.tryAdd(aggregator.NegDelta(600), true)
	h.requireHistory(500, 100, nil, nil)
}

func TestAggregatorOverflows(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 100)

	h.tryAdd(aggregator.PosDelta(400), true)
	h.requireHistory(400, 0, nil, nil)

	h.tryAdd(aggregator.NegDelta(450), true)
	h.requireHistory(400, 50, nil, nil)

	// Rejected outright: the magnitude exceeds the bound, nothing is
	// recorded.
	h.tryAdd(aggregator.PosDelta(601), false)
	h.requireHistory(400, 50, nil, nil)

	h.tryAdd(aggregator.PosDelta(575), false)
	h.requireHistory(400, 50, u64p(525), nil)

	h.tryAdd(aggregator.PosDelta(551), false)
	h.requireHistory(400, 50, u64p(501), nil)

	h.tryAdd(aggregator.PosDelta(570), false)
	h.requireHistory(400, 50, u64p(501), nil)
}

func TestAggregatorUnderflows(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 200)

	h.tryAdd(aggregator.PosDelta(300), true)
	h.requireHistory(300, 0, nil, nil)

	h.tryAdd(aggregator.NegDelta(650), false)
	h.requireHistory(300, 0, nil, nil)

	h.tryAdd(aggregator.NegDelta(550), false)
	h.requireHistory(300, 0, nil, u64p(250))

	h.tryAdd(aggregator.NegDelta(525), false)
	h.requireHistory(300, 0, nil, u64p(225))

	h.tryAdd(aggregator.NegDelta(540), false)
	h.requireHistory(300, 0, nil, u64p(225))

	h.tryAdd(aggregator.NegDelta(501), false)
	h.requireHistory(300, 0, nil, u64p(201))
}

func TestReadKindUpgradeFail(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 200)

	h.tryAdd(aggregator.PosDelta(300), true)
	h.requireHistory(300, 0, nil, nil)

	// The base changes under the transaction: the history no longer
	// holds, so materializing the value must fail.
	h.view.setValue(h.id, aggregator.AggregatorValue(400))
	_, err := getDelayedFieldValue(h.captured, h.view, panicWaiter{}, h.id, h.txnIdx)
	require.ErrorIs(t, err, aggregator.ErrInconsistentRead)
}

func TestValueSubsumesHistory(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 100)

	value, err := getDelayedFieldValue(h.captured, h.view, panicWaiter{}, h.id, h.txnIdx)
	require.NoError(t, err)
	require.True(t, value.Equal(aggregator.AggregatorValue(100)))

	// With a Value capture, attempts evaluate directly and never touch
	// the captured state.
	h.tryAdd(aggregator.PosDelta(500), true)
	h.tryAdd(aggregator.PosDelta(1), false)
	h.tryAdd(aggregator.NegDelta(600), true)

	r, ok := h.captured.GetDelayedFieldByKind(h.id, DelayedFieldReadHistoryBounded)
	require.True(t, ok)
	require.Equal(t, DelayedFieldReadValue, r.Kind)
	require.True(t, r.Value.Equal(aggregator.AggregatorValue(100)))
}

func TestTryAddRequiresZeroBaseDeltaOnFirstUse(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 100)
	_, err := delayedFieldTryAddDeltaOutcome(
		h.captured, h.view, panicWaiter{}, h.id, aggregator.PosDelta(10), aggregator.PosDelta(10), h.maxValue, h.txnIdx)
	require.True(t, aggregator.IsInvariantError(err))
	require.True(t, h.captured.IsIncorrectUse())
}

func TestTryAddMixedLimitsRejected(t *testing.T) {
	t.Parallel()

	h := newTryAddHarness(t, 100)
	h.tryAdd(aggregator.PosDelta(300), true)

	_, err := delayedFieldTryAddDeltaOutcome(
		h.captured, h.view, panicWaiter{}, h.id, h.baseDelta, aggregator.PosDelta(1), uint256.NewInt(700), h.txnIdx)
	require.True(t, aggregator.IsInvariantError(err))
}

func TestGetValueCapturesValueRead(t *testing.T) {
	t.Parallel()

	view := newFakeDelayedFieldView()
	captured := NewCapturedReads()
	id := aggregator.DelayedFieldID(5)

	_, err := getDelayedFieldValue(captured, view, panicWaiter{}, id, 1)
	require.ErrorIs(t, err, aggregator.ErrInconsistentRead)
	require.True(t, captured.HasSpeculativeFailure())

	view.setValue(id, aggregator.AggregatorValue(25))
	captured = NewCapturedReads()
	value, err := getDelayedFieldValue(captured, view, panicWaiter{}, id, 1)
	require.NoError(t, err)
	require.True(t, value.Equal(aggregator.AggregatorValue(25)))

	r, ok := captured.GetDelayedFieldByKind(id, DelayedFieldReadValue)
	require.True(t, ok)
	require.True(t, r.Value.Equal(aggregator.AggregatorValue(25)))
}
