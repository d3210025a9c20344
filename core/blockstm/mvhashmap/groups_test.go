package mvhashmap

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
)

func groupKeyFor(i int) types.StateKey {
	return types.NewGroupKey(common.BigToAddress(big.NewInt(int64(i))), common.Hash{})
}

func creation(data []byte) *types.WriteOp {
	return types.NewWriteOp(types.Creation, data, nil)
}

func TestGroupUninitialized(t *testing.T) {
	t.Parallel()

	g := NewVersionedGroupData()
	key := groupKeyFor(1)

	_, _, err := g.FetchTaggedData(key, types.Tag(1), 3)
	require.ErrorIs(t, err, ErrUninitialized)

	_, err = g.GetGroupSize(key, 3)
	require.ErrorIs(t, err, ErrUninitialized)
}

func TestGroupBaseAndTaggedReads(t *testing.T) {
	t.Parallel()

	g := NewVersionedGroupData()
	key := groupKeyFor(1)

	g.SetRawBaseValues(key, []TagValue{
		{Tag: types.Tag(1), Op: creation([]byte("a"))},
		{Tag: types.Tag(2), Op: creation([]byte("bb"))},
	})

	version, value, err := g.FetchTaggedData(key, types.Tag(1), 3)
	require.NoError(t, err)
	require.True(t, version.IsStorage())
	require.False(t, value.Exchanged)
	require.Equal(t, []byte("a"), value.Op.Bytes())

	_, _, err = g.FetchTaggedData(key, types.Tag(9), 3)
	require.ErrorIs(t, err, ErrTagNotFound)

	// A second initialization attempt is a no-op.
	g.SetRawBaseValues(key, []TagValue{{Tag: types.Tag(9), Op: creation([]byte("x"))}})
	_, _, err = g.FetchTaggedData(key, types.Tag(9), 3)
	require.ErrorIs(t, err, ErrTagNotFound)

	// Upgrading a tag pins the exchanged form at storage version.
	g.UpdateTaggedBaseValueWithLayout(key, types.Tag(1), creation([]byte("a'")), nil)
	version, value, err = g.FetchTaggedData(key, types.Tag(1), 3)
	require.NoError(t, err)
	require.True(t, version.IsStorage())
	require.True(t, value.Exchanged)
}

func TestGroupVersionedReadsAndEstimates(t *testing.T) {
	t.Parallel()

	g := NewVersionedGroupData()
	key := groupKeyFor(2)

	g.SetRawBaseValues(key, []TagValue{{Tag: types.Tag(1), Op: creation([]byte("base"))}})
	g.WriteTaggedValue(key, Version{4, 1}, types.Tag(1), Exchanged(creation([]byte("t4")), nil))

	_, value, err := g.FetchTaggedData(key, types.Tag(1), 4)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), value.Op.Bytes())

	version, value, err := g.FetchTaggedData(key, types.Tag(1), 5)
	require.NoError(t, err)
	require.Equal(t, Version{4, 1}, version)
	require.Equal(t, []byte("t4"), value.Op.Bytes())

	g.MarkEstimate(key, types.Tag(1), 4)
	_, _, err = g.FetchTaggedData(key, types.Tag(1), 5)
	d, ok := aggregator.AsDependency(err)
	require.True(t, ok)
	require.Equal(t, 4, d.DepTxnIdx)
}

func TestGroupSize(t *testing.T) {
	t.Parallel()

	g := NewVersionedGroupData()
	key := groupKeyFor(3)

	g.SetRawBaseValues(key, []TagValue{
		{Tag: types.Tag(1), Op: creation([]byte("aaaa"))},
		{Tag: types.Tag(2), Op: creation([]byte("bb"))},
	})

	size, err := g.GetGroupSize(key, 3)
	require.NoError(t, err)
	require.NotZero(t, size)

	// Deleting one tag shrinks the size.
	g.WriteTaggedValue(key, Version{1, 0}, types.Tag(1), Exchanged(types.NewWriteOp(types.Deletion, nil, nil), nil))
	smaller, err := g.GetGroupSize(key, 3)
	require.NoError(t, err)
	require.Less(t, smaller, size)

	// Below the deletion the full size is still visible.
	full, err := g.GetGroupSize(key, 1)
	require.NoError(t, err)
	require.Equal(t, size, full)
}
