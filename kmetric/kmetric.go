// Package kmetric computes the holder-conviction score of the primary
// token from the persisted wallet state.
package kmetric

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/persist"
	"go.uber.org/zap"
)

// cacheTTL bounds the staleness of cached metric reads.
const cacheTTL = 30 * time.Second

// Class re-exports the store's retention bucketing; the thresholds
// live in kdb so filtered holder queries use the same ones.
type Class = kdb.Class

// The retention classes.
const (
	ClassAccumulator = kdb.ClassAccumulator
	ClassMaintained  = kdb.ClassMaintained
	ClassReducer     = kdb.ClassReducer
	ClassExtractor   = kdb.ClassExtractor
)

// Retention returns current balance over first-buy amount. Wallets
// without a recorded first buy count as exactly maintained.
func Retention(current, firstBuy *big.Int) float64 {
	return kdb.Retention(current, firstBuy)
}

// Classify buckets a retention value.
func Classify(retention float64) Class {
	return kdb.ClassifyRetention(retention)
}

// IsOG reports whether a first buy fell into the early window after
// launch and has been held past the minimum.
func (c *Calculator) IsOG(firstBuy time.Time) bool {
	if c.cfg.TokenLaunch.IsZero() || firstBuy.IsZero() {
		return false
	}
	if firstBuy.After(c.cfg.TokenLaunch.Add(c.cfg.OGEarlyWindow)) {
		return false
	}
	return time.Since(firstBuy) >= c.cfg.OGHoldThreshold
}

// Metrics is the result of one score calculation over all qualifying
// holders.
type Metrics struct {
	K            int       `json:"k"`
	Holders      int       `json:"holders"`
	NeverSold    int       `json:"neverSold"`
	Accumulators int       `json:"accumulators"`
	Maintained   int       `json:"maintained"`
	Reducers     int       `json:"partialSellers"`
	Extractors   int       `json:"majorSellers"`
	OG           int       `json:"og"`
	AvgHoldDays  float64   `json:"avgHoldDays"`
	CalculatedAt time.Time `json:"calculatedAt"`
}

// A Calculator computes metrics from Store state. It never writes to
// wallets; CalculateAndSave appends to the snapshots table only.
type Calculator struct {
	store *kdb.Store
	cfg   *persist.Config
	log   *zap.Logger

	mu       sync.Mutex
	cached   Metrics
	cachedAt time.Time
}

// NewCalculator returns a Calculator over the given store.
func NewCalculator(store *kdb.Store, cfg *persist.Config, logger *zap.Logger) *Calculator {
	return &Calculator{
		store: store,
		cfg:   cfg,
		log:   logger,
	}
}

// Threshold returns the minimum qualifying balance: the USD minimum
// translated into raw tokens at the last known price, falling back to
// the static minimum when no price is available.
func (c *Calculator) Threshold() *big.Int {
	oneUSD, err := c.store.SyncValue(kdb.SyncKeyOneUSDThreshold)
	if err != nil || oneUSD == "" {
		return c.cfg.MinBalance
	}
	raw, err := utils.ParseAmount(oneUSD)
	if err != nil || raw.Sign() <= 0 {
		return c.cfg.MinBalance
	}
	min := new(big.Rat).Mul(new(big.Rat).SetInt(raw), new(big.Rat).SetFloat64(c.cfg.MinUSD))
	return new(big.Int).Quo(min.Num(), min.Denom())
}

// Calculate computes the metrics from the current Store state.
func (c *Calculator) Calculate() (Metrics, error) {
	wallets, err := c.store.Wallets(c.Threshold())
	if err != nil {
		return Metrics{}, utils.AddContext(err, "couldn't load wallets")
	}

	now := time.Now().UTC()
	m := Metrics{CalculatedAt: now}
	var totalHoldDays float64
	ogWindowEnd := c.cfg.TokenLaunch.Add(c.cfg.OGEarlyWindow)

	for _, w := range wallets {
		if w.CurrentBalance.Sign() <= 0 {
			continue
		}
		m.Holders++

		switch Classify(Retention(w.CurrentBalance, w.FirstBuyAmount)) {
		case ClassAccumulator:
			m.Accumulators++
		case ClassMaintained:
			m.Maintained++
		case ClassReducer:
			m.Reducers++
		case ClassExtractor:
			m.Extractors++
		}

		if w.TotalSent.Sign() == 0 {
			m.NeverSold++
		}
		if !w.FirstBuyTime.IsZero() {
			held := now.Sub(w.FirstBuyTime)
			totalHoldDays += held.Hours() / 24
			if !c.cfg.TokenLaunch.IsZero() &&
				!w.FirstBuyTime.After(ogWindowEnd) &&
				held >= c.cfg.OGHoldThreshold {
				m.OG++
			}
		}
	}

	if m.Holders > 0 {
		m.K = int(math.Round(100 * float64(m.Accumulators+m.Maintained) / float64(m.Holders)))
		m.AvgHoldDays = totalHoldDays / float64(m.Holders)
	}
	return m, nil
}

// Cached returns the metrics, recomputing only when the cached copy
// is older than 30 seconds.
func (c *Calculator) Cached() (Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.cachedAt) < cacheTTL {
		return c.cached, nil
	}
	m, err := c.Calculate()
	if err != nil {
		return Metrics{}, err
	}
	c.cached = m
	c.cachedAt = time.Now()
	return m, nil
}

// Invalidate drops the cached metrics.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// CalculateAndSave computes the metrics and appends a snapshot.
func (c *Calculator) CalculateAndSave() (Metrics, error) {
	m, err := c.Calculate()
	if err != nil {
		return Metrics{}, err
	}
	err = c.store.SaveSnapshot(kdb.Snapshot{
		K:            m.K,
		Holders:      m.Holders,
		Accumulators: m.Accumulators,
		Maintained:   m.Maintained,
		Reducers:     m.Reducers,
		Extractors:   m.Extractors,
		AvgHoldDays:  m.AvgHoldDays,
		CreatedAt:    m.CalculatedAt,
	})
	if err != nil {
		return Metrics{}, utils.AddContext(err, "couldn't save snapshot")
	}
	c.mu.Lock()
	c.cached = m
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return m, nil
}
