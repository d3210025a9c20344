package blockstm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stratavm/go-strata/core/types"
	"github.com/stratavm/go-strata/vm/values"
)

func resourceKey(i int) types.StateKey {
	return types.NewResourceKey(common.BigToAddress(big.NewInt(int64(i))), common.Hash{})
}

func groupKey(i int) types.StateKey {
	return types.NewGroupKey(common.BigToAddress(big.NewInt(int64(i))), common.Hash{})
}

func moduleKey(i int) types.StateKey {
	return types.NewModuleKey(common.BigToAddress(big.NewInt(int64(i))), common.Hash{})
}

func creationOp(data []byte) *types.WriteOp {
	return types.NewWriteOp(types.Creation, data, nil)
}

// aggregatorLayout is a struct holding one aggregator: { agg: { value:
// Aggregator<u64>, max: u64 } }.
func aggregatorLayout() values.Layout {
	return values.Struct(values.Struct(
		values.Tagged(values.IdentifierAggregator, values.U64Layout{}),
		values.U64Layout{},
	))
}

func aggregatorStruct(value, maxValue uint64) values.Value {
	return values.NewStruct(values.NewStruct(values.U64(value), values.U64(maxValue)))
}

func mustSerialize(v values.Value, l values.Layout) []byte {
	b, err := values.Serialize(v, l)
	if err != nil {
		panic(err)
	}
	return b
}

func stateValueOf(v values.Value, l values.Layout) *types.StateValue {
	return types.NewLegacyStateValue(mustSerialize(v, l))
}

// mockStateView is an in-memory storage back-end.
type mockStateView struct {
	data map[types.StateKey]*types.StateValue
}

func newMockStateView() *mockStateView {
	return &mockStateView{data: make(map[types.StateKey]*types.StateValue)}
}

func (m *mockStateView) set(key types.StateKey, sv *types.StateValue) {
	m.data[key] = sv
}

func (m *mockStateView) GetStateValue(key types.StateKey) (*types.StateValue, error) {
	return m.data[key], nil
}

func (m *mockStateView) GetUsage() (types.StateStorageUsage, error) {
	return types.StateStorageUsage{Items: len(m.data)}, nil
}

func (m *mockStateView) ID() types.StateViewID { return "mock" }

// panicWaiter fails the test if a dependency wait is ever attempted.
type panicWaiter struct{}

func (panicWaiter) WaitForDependency(txnIdx, depTxnIdx int) DependencyResult {
	panic("unexpected dependency wait")
}
