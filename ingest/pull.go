package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
)

const (
	// pullInterval is the reconciliation cadence. The pull path backs
	// up the push path; anything a webhook missed lands here.
	pullInterval = 300 * time.Second

	// pullDeadline bounds one reconciliation pass.
	pullDeadline = 60 * time.Second

	// pullSignatureLimit is how many recent signatures one pass
	// inspects.
	pullSignatureLimit = 1000

	// pullFetchConcurrency bounds the parallel transaction fetches.
	pullFetchConcurrency = 5
)

// A Puller periodically reconciles the store against the chain by
// replaying recent transactions of the token mint.
type Puller struct {
	pipeline *Pipeline
	chain    *chain.Client
	store    *kdb.Store
	mint     string
	log      *zap.Logger

	// syncing makes concurrent Sync calls single-flight.
	syncing  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPuller creates a Puller and starts its loop.
func NewPuller(pipeline *Pipeline, client *chain.Client, store *kdb.Store, mint string, logger *zap.Logger) *Puller {
	p := &Puller{
		pipeline: pipeline,
		chain:    client,
		store:    store,
		mint:     mint,
		log:      logger,
		stopChan: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Close shuts the loop down.
func (p *Puller) Close() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Puller) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case <-time.After(pullInterval):
		}
		applied, err := p.Sync(context.Background())
		if err != nil {
			p.log.Error("reconciliation pass failed", zap.Error(err))
			continue
		}
		if applied > 0 {
			p.log.Info("reconciliation applied missed changes", zap.Int("applied", applied))
		}
	}
}

// Sync runs one reconciliation pass: fetch the recent signatures of
// the mint, drop everything at or below the watermark, replay the
// rest through the pipeline. Overlapping calls run one at a time.
func (p *Puller) Sync(ctx context.Context) (int, error) {
	p.syncing.Lock()
	defer p.syncing.Unlock()

	ctx, cancel := context.WithTimeout(ctx, pullDeadline)
	defer cancel()

	watermark, err := p.store.LastProcessedSlot()
	if err != nil {
		return 0, utils.AddContext(err, "couldn't read watermark")
	}
	sigs, err := p.chain.SignaturesSince(ctx, p.mint, pullSignatureLimit)
	if err != nil {
		return 0, utils.AddContext(err, "couldn't fetch signatures")
	}

	var fresh []chain.SignatureInfo
	for _, sig := range sigs {
		if sig.Slot > watermark {
			fresh = append(fresh, sig)
		}
	}
	if len(fresh) == 0 {
		return 0, p.stampSync()
	}

	changes := p.fetchChanges(ctx, fresh)
	applied, err := p.pipeline.ApplyBatch(changes)
	if err != nil {
		return applied, err
	}
	return applied, p.stampSync()
}

// fetchChanges fetches and parses the transactions behind a signature
// set with bounded parallelism. Individual fetch failures are logged
// and skipped; the slot stays below the watermark and the next pass
// retries them.
func (p *Puller) fetchChanges(ctx context.Context, sigs []chain.SignatureInfo) []kdb.BalanceChange {
	var (
		mu      sync.Mutex
		changes []kdb.BalanceChange
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, pullFetchConcurrency)
	for _, sig := range sigs {
		wg.Add(1)
		sem <- struct{}{}
		go func(sig chain.SignatureInfo) {
			defer wg.Done()
			defer func() { <-sem }()

			raw, err := p.chain.FetchTransaction(ctx, sig.Signature)
			if err != nil {
				p.log.Warn("couldn't fetch transaction",
					zap.String("signature", sig.Signature),
					zap.Error(err))
				return
			}
			parsed := chain.ParseTransaction(raw, p.mint)
			if len(parsed) == 0 {
				return
			}
			mu.Lock()
			changes = append(changes, parsed...)
			mu.Unlock()
		}(sig)
	}
	wg.Wait()
	return changes
}

func (p *Puller) stampSync() error {
	err := p.store.SetSyncValue(kdb.SyncKeyLastFullSync, strconv.FormatInt(time.Now().Unix(), 10))
	return utils.AddContext(err, "couldn't stamp sync time")
}
