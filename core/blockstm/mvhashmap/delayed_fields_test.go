package mvhashmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratavm/go-strata/core/aggregator"
	"github.com/stratavm/go-strata/core/types"
)

func TestDelayedFieldReads(t *testing.T) {
	t.Parallel()

	d := NewVersionedDelayedFields()
	id := aggregator.DelayedFieldID(7)

	_, err := d.Read(id, 3)
	require.ErrorIs(t, err, aggregator.ErrNotFound)

	d.SetBaseValue(id, aggregator.AggregatorValue(100))

	v, err := d.Read(id, 3)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(100)))

	d.Write(id, 2, aggregator.AggregatorValue(130))

	v, err = d.Read(id, 3)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(130)))

	// The writer itself still reads below its own entry.
	v, err = d.Read(id, 2)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(100)))

	d.MarkEstimate(id, 2)
	_, err = d.Read(id, 3)
	dep, ok := aggregator.AsDependency(err)
	require.True(t, ok)
	require.Equal(t, 2, dep.DepTxnIdx)
}

func TestDelayedFieldCommittedReads(t *testing.T) {
	t.Parallel()

	d := NewVersionedDelayedFields()
	id := aggregator.DelayedFieldID(7)

	d.SetBaseValue(id, aggregator.AggregatorValue(100))
	d.Write(id, 0, aggregator.AggregatorValue(110))
	d.Write(id, 1, aggregator.AggregatorValue(120))

	// Nothing committed yet: only the base value is visible.
	v, err := d.ReadLatestCommittedValue(id, 1, aggregator.BeforeCurrentTxn)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(100)))

	d.NotifyCommitted(0)

	v, err = d.ReadLatestCommittedValue(id, 1, aggregator.BeforeCurrentTxn)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(110)))

	// Txn 1's own entry is visible only after the current txn position.
	d.NotifyCommitted(1)
	v, err = d.ReadLatestCommittedValue(id, 1, aggregator.BeforeCurrentTxn)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(110)))
	v, err = d.ReadLatestCommittedValue(id, 1, aggregator.AfterCurrentTxn)
	require.NoError(t, err)
	require.True(t, v.Equal(aggregator.AggregatorValue(120)))
}

func TestUnsyncMapBasics(t *testing.T) {
	t.Parallel()

	u := NewUnsyncMap()
	key := groupKeyFor(9)

	_, err := u.FetchGroupTaggedData(key, types.Tag(1))
	require.ErrorIs(t, err, ErrUninitialized)

	u.SetGroupBaseValues(key, []TagValue{
		{Tag: types.Tag(1), Op: creation([]byte("a"))},
	})

	v, err := u.FetchGroupTaggedData(key, types.Tag(1))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v.Op.Bytes())

	size, err := u.GetGroupSize(key)
	require.NoError(t, err)
	require.NotZero(t, size)

	id := aggregator.DelayedFieldID(5)
	_, ok := u.FetchDelayedField(id)
	require.False(t, ok)
	u.WriteDelayedField(id, aggregator.AggregatorValue(25))
	dv, ok := u.FetchDelayedField(id)
	require.True(t, ok)
	require.True(t, dv.Equal(aggregator.AggregatorValue(25)))
}
