package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	t.Run("AcceptsIntegerMinorUnits", func(t *testing.T) {
		m, err := ParseMoney("1050")
		require.NoError(t, err)
		require.Equal(t, int64(1050), m.Int64())
	})

	t.Run("RejectsFractionalAmounts", func(t *testing.T) {
		_, err := ParseMoney("10.50")
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)
	})

	t.Run("RejectsGarbage", func(t *testing.T) {
		_, err := ParseMoney("ten dollars")
		var vf *ErrValidationFail
		require.ErrorAs(t, err, &vf)
	})
}

func TestMoneySplit(t *testing.T) {
	cases := []struct {
		total, n                 int64
		wantShare, wantRemainder int64
	}{
		{100, 3, 33, 1},
		{100, 4, 25, 0},
		{50, 1, 50, 0},
		{2, 3, 0, 2},
		{0, 3, 0, 0},
	}
	for _, c := range cases {
		share, remainder := NewMoney(c.total).Split(int(c.n))
		require.Equal(t, c.wantShare, share.Int64(), "total=%d n=%d", c.total, c.n)
		require.Equal(t, c.wantRemainder, remainder.Int64(), "total=%d n=%d", c.total, c.n)

		// share*n + remainder reconstructs the total exactly.
		reconstructed := share.Int64()*c.n + remainder.Int64()
		require.Equal(t, c.total, reconstructed)
	}

	t.Run("ZeroRecipients", func(t *testing.T) {
		share, remainder := NewMoney(10).Split(0)
		require.True(t, share.IsZero())
		require.Equal(t, int64(10), remainder.Int64())
	})
}

func TestMoneyArithmetic(t *testing.T) {
	a := NewMoney(70)
	b := NewMoney(30)

	require.True(t, a.Add(b).Equal(NewMoney(100)))
	require.True(t, a.Sub(b).Equal(NewMoney(40)))
	require.True(t, b.Sub(a).IsNegative())
	require.True(t, b.LessThan(a))
	require.True(t, ZeroMoney.IsZero())
}

func TestCurrencySymbolValid(t *testing.T) {
	require.True(t, CurrencyUSD.Valid())
	require.True(t, CurrencyREEF.Valid())
	require.True(t, CurrencyETH.Valid())
	require.False(t, CurrencySymbol("DOGE").Valid())
}
