package scorer

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"go.uber.org/zap"
)

const (
	// tokenScoreTTL is how long a computed token score stays fresh.
	tokenScoreTTL = time.Hour

	// tokenTopHolders is the sample size of the holder scan.
	tokenTopHolders = 50

	// tokenConcurrency bounds the parallel per-holder history walks.
	tokenConcurrency = 5

	// tokenHistoryPages bounds each holder's history walk.
	tokenHistoryPages = 5

	maxTokenAttempts  = 3
	tokenPollInterval = 5 * time.Second
)

// A TokenScorer consumes the token queue and computes conviction
// scores of arbitrary mints from a top-holder sample.
type TokenScorer struct {
	store *kdb.Store
	chain *chain.Client
	log   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTokenScorer creates a TokenScorer and starts its worker.
func NewTokenScorer(store *kdb.Store, client *chain.Client, logger *zap.Logger) *TokenScorer {
	ts := &TokenScorer{
		store:    store,
		chain:    client,
		log:      logger,
		stopChan: make(chan struct{}),
	}
	ts.wg.Add(1)
	go ts.worker()
	return ts
}

// Close shuts the scorer down.
func (ts *TokenScorer) Close() {
	close(ts.stopChan)
	ts.wg.Wait()
}

// Fresh reports whether a cached score exists and is within its TTL.
func (ts *TokenScorer) Fresh(mint string) (kdb.TokenScore, bool, error) {
	score, err := ts.store.TokenScore(mint)
	if errors.Is(err, kdb.ErrTokenScoreNotFound) {
		return kdb.TokenScore{}, false, nil
	}
	if err != nil {
		return kdb.TokenScore{}, false, err
	}
	return score, time.Since(score.LastSync) < tokenScoreTTL, nil
}

// Request queues a mint for scoring unless a fresh score exists. It
// returns the cached score and whether it is fresh.
func (ts *TokenScorer) Request(mint string, priority int) (kdb.TokenScore, bool, error) {
	score, fresh, err := ts.Fresh(mint)
	if err != nil || fresh {
		return score, fresh, err
	}
	if err := ts.store.TokenQueue().Enqueue(mint, priority); err != nil {
		return kdb.TokenScore{}, false, err
	}
	return score, false, nil
}

func (ts *TokenScorer) worker() {
	defer ts.wg.Done()
	for {
		select {
		case <-ts.stopChan:
			return
		default:
		}
		entry, err := ts.store.TokenQueue().Dequeue()
		if err != nil {
			ts.log.Error("couldn't dequeue mint", zap.Error(err))
		}
		if entry == nil {
			select {
			case <-ts.stopChan:
				return
			case <-time.After(tokenPollInterval):
			}
			continue
		}
		ts.process(entry)
	}
}

func (ts *TokenScorer) process(entry *kdb.QueueEntry) {
	// A fresh score may have landed while the entry waited.
	if _, fresh, err := ts.Fresh(entry.Key); err == nil && fresh {
		ts.store.TokenQueue().Complete(entry.Key)
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), entry.LockedUntil)
	defer cancel()

	if err := ts.Score(ctx, entry.Key); err != nil {
		ts.log.Warn("token scoring failed",
			zap.String("mint", entry.Key),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err))
		if entry.Attempts+1 >= maxTokenAttempts {
			ts.store.TokenQueue().Complete(entry.Key)
			return
		}
		if err := ts.store.TokenQueue().Fail(entry.Key, err.Error()); err != nil {
			ts.log.Error("couldn't record failure", zap.Error(err))
		}
		return
	}
	if err := ts.store.TokenQueue().Complete(entry.Key); err != nil {
		ts.log.Error("couldn't complete entry", zap.Error(err))
	}
}

// Score samples the top holders of a mint, reconstructs each one's
// position in it, and persists the aggregated score.
func (ts *TokenScorer) Score(ctx context.Context, mint string) error {
	holders, err := ts.chain.FetchHolders(ctx, mint)
	if err != nil {
		return utils.AddContext(err, "couldn't fetch holders")
	}
	sort.Slice(holders, func(i, j int) bool {
		if c := holders[i].Balance.Cmp(holders[j].Balance); c != 0 {
			return c > 0
		}
		return holders[i].Owner < holders[j].Owner
	})
	if len(holders) > tokenTopHolders {
		holders = holders[:tokenTopHolders]
	}

	// Liquidity pools would dominate the sample; drop them.
	owners := make([]string, len(holders))
	for i, h := range holders {
		owners[i] = h.Owner
	}
	classes, err := ts.chain.ClassifyAddresses(ctx, owners)
	if err != nil {
		return utils.AddContext(err, "couldn't classify holders")
	}

	var (
		mu    sync.Mutex
		score kdb.TokenScore
	)
	score.Mint = mint
	sem := make(chan struct{}, tokenConcurrency)
	var wg sync.WaitGroup
	for _, h := range holders {
		if classes[h.Owner].IsPool {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(h chain.HolderBalance) {
			defer wg.Done()
			defer func() { <-sem }()

			positions, err := ts.chain.CrossTokenHistory(ctx, h.Owner, tokenHistoryPages)
			if err != nil {
				ts.log.Debug("couldn't walk holder history",
					zap.String("holder", h.Owner),
					zap.Error(err))
				return
			}
			pos, ok := positions[mint]

			mu.Lock()
			defer mu.Unlock()
			score.Sampled++
			score.Holders++
			if !ok || pos.FirstBuyAmount.Sign() <= 0 {
				// No reconstructable first buy; count as maintained.
				score.Maintained++
				return
			}
			switch kmetric.Classify(kmetric.Retention(h.Balance, pos.FirstBuyAmount)) {
			case kmetric.ClassAccumulator:
				score.Accumulators++
			case kmetric.ClassMaintained:
				score.Maintained++
			case kmetric.ClassReducer:
				score.Reducers++
			case kmetric.ClassExtractor:
				score.Extractors++
			}
		}(h)
	}
	wg.Wait()

	if score.Holders > 0 {
		score.K = int(math.Round(100 * float64(score.Accumulators+score.Maintained) / float64(score.Holders)))
	}
	score.LastSync = time.Now().UTC()
	return ts.store.SaveTokenScore(score)
}
