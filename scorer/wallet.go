// Package scorer runs the background scoring workers: the per-wallet
// cross-token score and the on-demand score of arbitrary mints.
package scorer

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"go.uber.org/zap"
)

const (
	// walletWorkers is the number of concurrent wallet scorers.
	walletWorkers = 3

	// walletHistoryPages bounds the history walk per wallet.
	walletHistoryPages = 10

	// maxWalletAttempts is the attempt cap before an entry is dropped.
	maxWalletAttempts = 5

	// kWalletStaleAfter is the age at which a score is re-queued.
	kWalletStaleAfter = 24 * time.Hour

	walletPollInterval = 5 * time.Second
	staleScanInterval  = time.Hour
	staleScanBatch     = 100

	// staleScanPriority sits below every ingest-driven enqueue, so
	// live activity always scores first.
	staleScanPriority = 1
)

// A WalletScorer consumes the wallet queue and computes cross-token
// conviction scores.
type WalletScorer struct {
	store *kdb.Store
	chain *chain.Client
	cfg   *persist.Config
	log   *zap.Logger

	stopChan chan struct{}
}

// NewWalletScorer creates a WalletScorer and starts its workers and
// the staleness scanner.
func NewWalletScorer(store *kdb.Store, client *chain.Client, cfg *persist.Config, logger *zap.Logger) *WalletScorer {
	ws := &WalletScorer{
		store:    store,
		chain:    client,
		cfg:      cfg,
		log:      logger,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < walletWorkers; i++ {
		go ws.worker()
	}
	go ws.staleScanner()
	return ws
}

// Close shuts the scorer down.
func (ws *WalletScorer) Close() {
	close(ws.stopChan)
}

func (ws *WalletScorer) worker() {
	for {
		select {
		case <-ws.stopChan:
			return
		default:
		}
		entry, err := ws.store.KWalletQueue().Dequeue()
		if err != nil {
			ws.log.Error("couldn't dequeue wallet", zap.Error(err))
		}
		if entry == nil {
			select {
			case <-ws.stopChan:
				return
			case <-time.After(walletPollInterval):
			}
			continue
		}
		ws.process(entry)
	}
}

func (ws *WalletScorer) process(entry *kdb.QueueEntry) {
	ctx, cancel := context.WithDeadline(context.Background(), entry.LockedUntil)
	defer cancel()

	if err := ws.Score(ctx, entry.Key); err != nil {
		ws.log.Warn("wallet scoring failed",
			zap.String("wallet", entry.Key),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err))
		if err := ws.store.KWalletQueue().Fail(entry.Key, err.Error()); err != nil {
			ws.log.Error("couldn't record failure", zap.Error(err))
		}
		return
	}
	if err := ws.store.KWalletQueue().Complete(entry.Key); err != nil {
		ws.log.Error("couldn't complete entry", zap.Error(err))
	}
}

// Score computes and persists the cross-token score of one wallet.
// Only the primary mint and ecosystem mints count; the primary mint's
// position always comes from the local ledger rather than the
// reconstructed history.
func (ws *WalletScorer) Score(ctx context.Context, address string) error {
	positions, err := ws.chain.CrossTokenHistory(ctx, address, walletHistoryPages)
	if err != nil {
		return utils.AddContext(err, "couldn't reconstruct history")
	}

	var total, held int
	for mint, pos := range positions {
		if mint == ws.cfg.TokenMint {
			continue
		}
		if !utils.MatchesSuffix(mint, ws.cfg.MintSuffixes) {
			continue
		}
		if pos.FirstBuyAmount.Sign() <= 0 {
			continue
		}
		total++
		if kmetric.Retention(pos.Current, pos.FirstBuyAmount) >= 1.0 {
			held++
		}
	}

	// The primary token's ledger is authoritative for its own mint.
	w, err := ws.store.Wallet(address)
	if err == nil && w.FirstBuyAmount.Sign() > 0 {
		total++
		if kmetric.Retention(w.CurrentBalance, w.FirstBuyAmount) >= 1.0 {
			held++
		}
	} else if err != nil && !errors.Is(err, kdb.ErrWalletNotFound) {
		return utils.AddContext(err, "couldn't load wallet")
	}

	kWallet := 0
	if total > 0 {
		kWallet = int(math.Round(100 * float64(held) / float64(total)))
	}
	slot, err := ws.store.LastProcessedSlot()
	if err != nil {
		return utils.AddContext(err, "couldn't read watermark")
	}
	return ws.store.UpdateWalletKScore(address, kWallet, total, slot)
}

// staleScanner re-queues wallets whose score has aged out and drops
// entries that keep failing.
func (ws *WalletScorer) staleScanner() {
	for {
		select {
		case <-ws.stopChan:
			return
		case <-time.After(staleScanInterval):
		}

		if n, err := ws.store.KWalletQueue().Cleanup(maxWalletAttempts); err != nil {
			ws.log.Error("couldn't clean up queue", zap.Error(err))
		} else if n > 0 {
			ws.log.Info("dropped exhausted queue entries", zap.Int64("count", n))
		}

		cutoff := time.Now().Add(-kWalletStaleAfter)
		stale, err := ws.store.StaleKWallets(cutoff, staleScanBatch)
		if err != nil {
			ws.log.Error("couldn't scan stale wallets", zap.Error(err))
			continue
		}
		for _, addr := range stale {
			if err := ws.store.KWalletQueue().Enqueue(addr, staleScanPriority); err != nil {
				ws.log.Error("couldn't enqueue stale wallet",
					zap.String("wallet", addr),
					zap.Error(err))
			}
		}
		if len(stale) > 0 {
			ws.log.Info("queued stale wallets for rescoring", zap.Int("count", len(stale)))
		}
	}
}
