package utils

import (
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAmount(t *testing.T) {
	for _, v := range []string{"0", "1", "42", "1000000000000000000000000000"} {
		x, ok := new(big.Int).SetString(v, 10)
		require.True(t, ok)
		encoded := EncodeAmount(x)
		require.Len(t, encoded, 38)
		decoded, err := DecodeAmount(encoded)
		require.NoError(t, err)
		require.Zero(t, x.Cmp(decoded))
	}

	require.Equal(t, EncodeAmount(nil), EncodeAmount(new(big.Int)))

	_, err := DecodeAmount("00x1")
	require.Error(t, err)
}

func TestEncodeAmountOrdering(t *testing.T) {
	// The whole point of the fixed width: string order equals numeric
	// order, so SQLite can compare balances lexicographically.
	values := []int64{0, 1, 9, 10, 99, 100, 12345, 1 << 40}
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = EncodeAmount(big.NewInt(v))
	}
	require.True(t, sort.StringsAreSorted(encoded))
}

func TestParseAmount(t *testing.T) {
	x, err := ParseAmount("-150")
	require.NoError(t, err)
	require.Equal(t, int64(-150), x.Int64())

	x, err = ParseAmount(" 42 ")
	require.NoError(t, err)
	require.Equal(t, int64(42), x.Int64())

	_, err = ParseAmount("1.5")
	require.Error(t, err)
	_, err = ParseAmount("")
	require.Error(t, err)
}

func TestTokensFromFloat(t *testing.T) {
	require.Equal(t, int64(1500000), TokensFromFloat(1.5, 6).Int64())
	require.Equal(t, int64(1), TokensFromFloat(1, 0).Int64())
	require.Equal(t, int64(0), TokensFromFloat(0, 9).Int64())
}

func TestRatFloat(t *testing.T) {
	require.Equal(t, 1.6, RatFloat(big.NewInt(160), big.NewInt(100)))
	require.Equal(t, 0.0, RatFloat(big.NewInt(0), big.NewInt(100)))
}

func TestMax(t *testing.T) {
	a, b := big.NewInt(5), big.NewInt(7)
	require.Equal(t, b, Max(a, b))
	require.Equal(t, b, Max(b, a))
}
