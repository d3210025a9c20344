package aggregator

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestUnsignedAddDelta(t *testing.T) {
	t.Parallel()

	math := NewBoundedMath64(600)

	v, err := math.UnsignedAddDelta(uint256.NewInt(100), PosDelta(300))
	require.NoError(t, err)
	require.Equal(t, uint64(400), v.Uint64())

	v, err = math.UnsignedAddDelta(uint256.NewInt(100), NegDelta(100))
	require.NoError(t, err)
	require.True(t, v.IsZero())

	_, err = math.UnsignedAddDelta(uint256.NewInt(500), PosDelta(101))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = math.UnsignedAddDelta(uint256.NewInt(100), NegDelta(101))
	require.ErrorIs(t, err, ErrUnderflow)

	// Exactly reaching the bounds is fine.
	v, err = math.UnsignedAddDelta(uint256.NewInt(100), PosDelta(500))
	require.NoError(t, err)
	require.Equal(t, uint64(600), v.Uint64())
}

func TestSignedAdd(t *testing.T) {
	t.Parallel()

	math := NewBoundedMath64(600)

	sum, err := math.SignedAdd(PosDelta(300), PosDelta(100))
	require.NoError(t, err)
	require.True(t, sum.Equal(PosDelta(400)))

	sum, err = math.SignedAdd(PosDelta(400), NegDelta(450))
	require.NoError(t, err)
	require.True(t, sum.Equal(NegDelta(50)))

	sum, err = math.SignedAdd(NegDelta(50), PosDelta(50))
	require.NoError(t, err)
	require.True(t, sum.IsZero())
	require.False(t, sum.IsNegative())

	_, err = math.SignedAdd(PosDelta(400), PosDelta(300))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = math.SignedAdd(NegDelta(400), NegDelta(300))
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestSignedU128Normalization(t *testing.T) {
	t.Parallel()

	require.False(t, NegDelta(0).IsNegative())
	require.False(t, PosDelta(10).Minus().Minus().IsNegative())
	require.True(t, PosDelta(10).Minus().IsNegative())
	require.False(t, NewSignedU128(true, uint256.NewInt(0)).IsNegative())
	require.Equal(t, uint64(7), NegDelta(7).Abs().Uint64())
}

func TestOkOverflowExpectOk(t *testing.T) {
	t.Parallel()

	math := NewBoundedMath64(100)

	v, err := OkOverflow(math.UnsignedAddDelta(uint256.NewInt(90), PosDelta(20)))
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = OkOverflow(math.UnsignedAddDelta(uint256.NewInt(10), NegDelta(20)))
	require.ErrorIs(t, err, ErrUnderflow)

	_, err = ExpectOk(math.UnsignedAddDelta(uint256.NewInt(10), NegDelta(20)))
	require.True(t, IsInvariantError(err))
}
