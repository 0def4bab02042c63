// Package ingest feeds balance changes into the store, from signed
// webhook pushes and from the periodic reconciliation pull, and emits
// the resulting events.
package ingest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/koracle-dev/koracle/fanout"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"go.uber.org/zap"
)

// ingestPriority is the wallet-queue priority of live activity. It
// outranks the staleness scanner.
const ingestPriority = 10

// A Pipeline applies batches of balance changes and fans out the
// resulting events. Both ingest paths converge here, so dedup and
// ordering hold regardless of the source.
type Pipeline struct {
	store      *kdb.Store
	calc       *kmetric.Calculator
	hub        *fanout.Hub
	dispatcher *fanout.Dispatcher
	cfg        *persist.Config
	log        *zap.Logger

	mu    sync.Mutex
	lastK int
}

// NewPipeline creates a Pipeline. The K baseline is seeded from the
// latest snapshot so a restart does not replay a stale delta.
func NewPipeline(store *kdb.Store, calc *kmetric.Calculator, hub *fanout.Hub, dispatcher *fanout.Dispatcher, cfg *persist.Config, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		store:      store,
		calc:       calc,
		hub:        hub,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger,
		lastK:      -1,
	}
	if snap, ok, err := store.LatestSnapshot(); err == nil && ok {
		p.lastK = snap.K
	}
	return p
}

// ApplyBatch records and applies a batch of balance changes in slot
// order. A change already recorded under its (signature, wallet) key
// is skipped entirely, making replays harmless. It returns the number
// of applied changes.
func (p *Pipeline) ApplyBatch(changes []kdb.BalanceChange) (int, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Slot < changes[j].Slot
	})

	applied := 0
	for _, bc := range changes {
		inserted, err := p.store.RecordTransaction(bc)
		if err != nil {
			return applied, utils.AddContext(err, "couldn't record transaction")
		}
		if !inserted {
			continue
		}
		upd, err := p.store.UpsertWallet(bc)
		if err != nil {
			return applied, utils.AddContext(err, "couldn't apply change")
		}
		if !upd.Applied {
			continue
		}
		applied++
		p.emit(bc, upd)

		if err := p.store.KWalletQueue().Enqueue(bc.Wallet, ingestPriority); err != nil {
			p.log.Error("couldn't enqueue wallet",
				zap.String("wallet", bc.Wallet),
				zap.Error(err))
		}
	}

	if applied > 0 {
		p.calc.Invalidate()
		p.checkKChange()
	}
	return applied, nil
}

func (p *Pipeline) emit(bc kdb.BalanceChange, upd kdb.WalletUpdate) {
	p.hub.Broadcast(fanout.WSEventTx, map[string]any{
		"wallet":    bc.Wallet,
		"amount":    bc.Amount.String(),
		"slot":      bc.Slot,
		"signature": bc.Signature,
	})
	if upd.NewHolder {
		data := map[string]any{
			"address":      bc.Wallet,
			"balance":      upd.Wallet.CurrentBalance.String(),
			"tx_signature": bc.Signature,
		}
		p.hub.Broadcast(fanout.WSEventHolderNew, data)
		p.dispatcher.Dispatch(fanout.EventHolderNew, data)
	}
	if upd.Exited {
		data := map[string]any{
			"address":          bc.Wallet,
			"previous_balance": upd.PrevBalance.String(),
			"tx_signature":     bc.Signature,
		}
		p.hub.Broadcast(fanout.WSEventHolderExit, data)
		p.dispatcher.Dispatch(fanout.EventHolderExit, data)
	}
}

// checkKChange recomputes K and pushes k_change when the score moved
// by at least a full point, plus threshold_alert when it crossed the
// configured line.
func (p *Pipeline) checkKChange() {
	m, err := p.calc.Cached()
	if err != nil {
		p.log.Error("couldn't recompute score", zap.Error(err))
		return
	}

	p.mu.Lock()
	prev := p.lastK
	p.lastK = m.K
	p.mu.Unlock()

	if prev < 0 || prev == m.K {
		return
	}
	direction := "up"
	if m.K < prev {
		direction = "down"
	}
	p.hub.Broadcast(fanout.WSEventK, map[string]any{
		"k":       m.K,
		"holders": m.Holders,
	})
	p.dispatcher.Dispatch(fanout.EventKChange, map[string]any{
		"previous_k": prev,
		"new_k":      m.K,
		"delta":      m.K - prev,
		"holders":    m.Holders,
		"direction":  direction,
	})

	t := p.cfg.KAlertThreshold
	if t > 0 && (prev < t) != (m.K < t) {
		alert := map[string]any{
			"threshold": t,
			"direction": direction,
			"current_k": m.K,
			"message":   fmt.Sprintf("K crossed %d: %d -> %d", t, prev, m.K),
		}
		p.hub.Broadcast(fanout.WSEventStatus, alert)
		p.dispatcher.Dispatch(fanout.EventThresholdAlert, alert)
	}
}
