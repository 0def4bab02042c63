package kmetric

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/persist"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCalculator(t *testing.T) (*kdb.Store, *Calculator) {
	t.Helper()
	s, err := kdb.NewStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &persist.Config{
		MinBalance:      big.NewInt(1),
		MinUSD:          1.0,
		OGEarlyWindow:   7 * 24 * time.Hour,
		OGHoldThreshold: 30 * 24 * time.Hour,
	}
	return s, NewCalculator(s, cfg, zap.NewNop())
}

func apply(t *testing.T, s *kdb.Store, wallet, sig string, slot uint64, amount int64) {
	t.Helper()
	_, err := s.UpsertWallet(kdb.BalanceChange{
		Mint:      "mint",
		Wallet:    wallet,
		Slot:      slot,
		BlockTime: time.Unix(int64(1700000000+slot), 0).UTC(),
		Amount:    big.NewInt(amount),
		Signature: sig,
	})
	require.NoError(t, err)
}

func TestRetention(t *testing.T) {
	require.Equal(t, 1.6, Retention(big.NewInt(160), big.NewInt(100)))
	require.Equal(t, 0.5, Retention(big.NewInt(50), big.NewInt(100)))
	require.Equal(t, 0.0, Retention(big.NewInt(0), big.NewInt(100)))

	// No recorded first buy counts as exactly maintained.
	require.Equal(t, 1.0, Retention(big.NewInt(42), nil))
	require.Equal(t, 1.0, Retention(big.NewInt(42), new(big.Int)))
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassAccumulator, Classify(1.5))
	require.Equal(t, ClassAccumulator, Classify(2.3))
	require.Equal(t, ClassMaintained, Classify(1.0))
	require.Equal(t, ClassMaintained, Classify(1.49))
	require.Equal(t, ClassReducer, Classify(0.5))
	require.Equal(t, ClassReducer, Classify(0.99))
	require.Equal(t, ClassExtractor, Classify(0.49))
	require.Equal(t, ClassExtractor, Classify(0.0))
}

func TestCalculate(t *testing.T) {
	s, calc := newTestCalculator(t)

	// One accumulator, one maintainer, one reducer, one extractor.
	apply(t, s, "acc", "a1", 1, 100)
	apply(t, s, "acc", "a2", 2, 60)
	apply(t, s, "maint", "m1", 1, 100)
	apply(t, s, "red", "r1", 1, 100)
	apply(t, s, "red", "r2", 2, -40)
	apply(t, s, "ext", "e1", 1, 100)
	apply(t, s, "ext", "e2", 2, -80)

	m, err := calc.Calculate()
	require.NoError(t, err)
	require.Equal(t, 4, m.Holders)
	require.Equal(t, 1, m.Accumulators)
	require.Equal(t, 1, m.Maintained)
	require.Equal(t, 1, m.Reducers)
	require.Equal(t, 1, m.Extractors)
	require.Equal(t, 2, m.NeverSold)
	require.Equal(t, 50, m.K)
	require.Greater(t, m.AvgHoldDays, 0.0)
}

func TestCalculateEmpty(t *testing.T) {
	_, calc := newTestCalculator(t)

	m, err := calc.Calculate()
	require.NoError(t, err)
	require.Zero(t, m.Holders)
	require.Zero(t, m.K)
}

func TestCalculateThresholdFilter(t *testing.T) {
	s, calc := newTestCalculator(t)
	calc.cfg.MinBalance = big.NewInt(50)

	apply(t, s, "acc", "a1", 1, 100)
	apply(t, s, "acc", "a2", 2, 60)
	apply(t, s, "maint", "m1", 1, 100)
	apply(t, s, "dust", "d1", 1, 100)
	apply(t, s, "dust", "d2", 2, -80)

	// The dust wallet sits below the threshold and drops out entirely.
	m, err := calc.Calculate()
	require.NoError(t, err)
	require.Equal(t, 2, m.Holders)
	require.Equal(t, 100, m.K)
}

func TestThreshold(t *testing.T) {
	s, calc := newTestCalculator(t)
	calc.cfg.MinBalance = big.NewInt(777)

	// Without a price the static minimum applies.
	require.Equal(t, int64(777), calc.Threshold().Int64())

	// With a price, the threshold is the USD minimum in raw tokens.
	require.NoError(t, s.SetSyncValue(kdb.SyncKeyOneUSDThreshold, "1000"))
	calc.cfg.MinUSD = 2.5
	require.Equal(t, int64(2500), calc.Threshold().Int64())

	// A malformed stored value falls back too.
	require.NoError(t, s.SetSyncValue(kdb.SyncKeyOneUSDThreshold, "not-a-number"))
	require.Equal(t, int64(777), calc.Threshold().Int64())
}

func TestIsOG(t *testing.T) {
	_, calc := newTestCalculator(t)
	now := time.Now().UTC()

	// Without a launch timestamp nobody is OG.
	require.False(t, calc.IsOG(now.AddDate(0, 0, -100)))

	calc.cfg.TokenLaunch = now.AddDate(0, 0, -100)
	require.True(t, calc.IsOG(now.AddDate(0, 0, -95)))

	// Bought after the early window.
	require.False(t, calc.IsOG(now.AddDate(0, 0, -50)))

	// Bought early but not held long enough.
	calc.cfg.TokenLaunch = now.AddDate(0, 0, -10)
	require.False(t, calc.IsOG(now.AddDate(0, 0, -9)))
}

func TestCachedAndInvalidate(t *testing.T) {
	s, calc := newTestCalculator(t)

	apply(t, s, "maint", "m1", 1, 100)
	m, err := calc.Cached()
	require.NoError(t, err)
	require.Equal(t, 1, m.Holders)

	// The cache hides writes until invalidated.
	apply(t, s, "other", "o1", 1, 100)
	m, err = calc.Cached()
	require.NoError(t, err)
	require.Equal(t, 1, m.Holders)

	calc.Invalidate()
	m, err = calc.Cached()
	require.NoError(t, err)
	require.Equal(t, 2, m.Holders)
}

func TestCalculateAndSave(t *testing.T) {
	s, calc := newTestCalculator(t)

	apply(t, s, "acc", "a1", 1, 100)
	apply(t, s, "acc", "a2", 2, 60)
	apply(t, s, "red", "r1", 1, 100)
	apply(t, s, "red", "r2", 2, -40)

	m, err := calc.CalculateAndSave()
	require.NoError(t, err)
	require.Equal(t, 50, m.K)

	snap, ok, err := s.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, m.K, snap.K)
	require.Equal(t, m.Holders, snap.Holders)
	require.Equal(t, m.Accumulators, snap.Accumulators)
	require.Equal(t, m.Reducers, snap.Reducers)
}
