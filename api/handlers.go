package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/ingest"
	"github.com/koracle-dev/koracle/internal/build"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"go.uber.org/zap"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365

	defaultHoldersLimit = 100
	maxHoldersLimit     = 1000

	// kWalletStaleAfter mirrors the scorer's staleness horizon.
	kWalletStaleAfter = 24 * time.Hour

	// liveScorePriority is the queue priority of an interactive
	// k-global request.
	liveScorePriority = 10
)

func (api *API) tokenBlock() map[string]any {
	price := 0.0
	if v, err := api.store.SyncValue(kdb.SyncKeyTokenPrice); err == nil && v != "" {
		price, _ = strconv.ParseFloat(v, 64)
	}
	return map[string]any{
		"mint":     api.cfg.TokenMint,
		"symbol":   api.cfg.TokenSymbol,
		"decimals": api.cfg.TokenDecimals,
		"price":    price,
	}
}

func (api *API) kMetricHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	m, err := api.calc.Cached()
	if err != nil {
		api.log.Error("couldn't compute metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't compute metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"k":              m.K,
		"holders":        m.Holders,
		"neverSold":      m.NeverSold,
		"accumulators":   m.Accumulators,
		"maintained":     m.Maintained,
		"partialSellers": m.Reducers,
		"majorSellers":   m.Extractors,
		"avgHoldDays":    m.AvgHoldDays,
		"og":             m.OG,
		"token":          api.tokenBlock(),
		"calculatedAt":   m.CalculatedAt,
	})
}

func (api *API) historyHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	days := defaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryDays {
			writeError(w, http.StatusBadRequest, errValidation, "days must be between 1 and 365")
			return
		}
		days = n
	}
	history, err := api.store.SnapshotHistory(days)
	if err != nil {
		api.log.Error("couldn't load history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load history")
		return
	}
	entries := make([]map[string]any, 0, len(history))
	for _, snap := range history {
		entries = append(entries, map[string]any{
			"date":           snap.CreatedAt.Format("2006-01-02"),
			"k":              snap.K,
			"holders":        snap.Holders,
			"accumulators":   snap.Accumulators,
			"maintained":     snap.Maintained,
			"partialSellers": snap.Reducers,
			"majorSellers":   snap.Extractors,
			"avgHoldDays":    snap.AvgHoldDays,
			"createdAt":      snap.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

type holderEntry struct {
	Address        string  `json:"address"`
	Balance        string  `json:"balance"`
	Retention      float64 `json:"retention"`
	Classification string  `json:"classification"`
	HoldDays       float64 `json:"holdDays"`
	IsOG           bool    `json:"isOG"`
	IsPool         bool    `json:"isPool"`
	PoolProgram    string  `json:"poolProgram,omitempty"`
	KWallet        *int    `json:"k_wallet"`
}

func (api *API) holdersHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit := defaultHoldersLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHoldersLimit {
			writeError(w, http.StatusBadRequest, errValidation, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	excludePools := q.Get("exclude_pools") == "true" || q.Get("exclude_pools") == "1"

	minBalance := api.calc.Threshold()
	if v := q.Get("min_usd"); v != "" {
		minUSD, err := strconv.ParseFloat(v, 64)
		if err != nil || minUSD < 0 {
			writeError(w, http.StatusBadRequest, errValidation, "min_usd must be a non-negative number")
			return
		}
		if oneUSD, err := api.store.SyncValue(kdb.SyncKeyOneUSDThreshold); err == nil && oneUSD != "" {
			if raw, err := utils.ParseAmount(oneUSD); err == nil && raw.Sign() > 0 {
				scaled := new(big.Rat).Mul(new(big.Rat).SetInt(raw), new(big.Rat).SetFloat64(minUSD))
				minBalance = new(big.Int).Quo(scaled.Num(), scaled.Denom())
			}
		}
	}
	filter := kdb.HolderFilter{MinBalance: minBalance}
	if v := q.Get("k_min"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			writeError(w, http.StatusBadRequest, errValidation, "k_min must be between 0 and 100")
			return
		}
		filter.KMin = n
	}
	if v := q.Get("classification"); v != "" {
		class, ok := parseClass(v)
		if !ok {
			writeError(w, http.StatusBadRequest, errValidation, "unknown classification")
			return
		}
		filter.Classification = class
	}

	wallets, err := api.store.HoldersFiltered(filter)
	if err != nil {
		api.log.Error("couldn't load holders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load holders")
		return
	}
	total := len(wallets)
	if len(wallets) > limit {
		wallets = wallets[:limit]
	}

	addrs := make([]string, len(wallets))
	for i, wlt := range wallets {
		addrs[i] = wlt.Address
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	classes, err := api.chain.ClassifyAddresses(ctx, addrs)
	if err != nil {
		// Classification is best-effort; the list is still useful
		// without pool flags.
		api.log.Warn("couldn't classify holders", zap.Error(err))
		classes = make(map[string]chain.Classification)
	}

	now := time.Now().UTC()
	holders := make([]holderEntry, 0, len(wallets))
	poolsDetected := 0
	for _, wlt := range wallets {
		cl := classes[wlt.Address]
		if cl.IsPool {
			poolsDetected++
			if excludePools {
				continue
			}
		}
		entry := holderEntry{
			Address:        wlt.Address,
			Balance:        wlt.CurrentBalance.String(),
			Retention:      kmetric.Retention(wlt.CurrentBalance, wlt.FirstBuyAmount),
			Classification: string(kmetric.Classify(kmetric.Retention(wlt.CurrentBalance, wlt.FirstBuyAmount))),
			IsOG:           api.calc.IsOG(wlt.FirstBuyTime),
			IsPool:         cl.IsPool,
			PoolProgram:    cl.Program,
		}
		if !wlt.FirstBuyTime.IsZero() {
			entry.HoldDays = now.Sub(wlt.FirstBuyTime).Hours() / 24
		}
		if wlt.HasKWallet() {
			k := wlt.KWallet
			entry.KWallet = &k
		}
		holders = append(holders, entry)
	}

	scored, holdersTotal, err := api.store.KWalletCoverage()
	if err != nil {
		api.log.Error("couldn't compute coverage", zap.Error(err))
	}
	coverage := 0.0
	if holdersTotal > 0 {
		coverage = float64(scored) / float64(holdersTotal)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holders":        holders,
		"total":          total,
		"pools_detected": poolsDetected,
		"filter": map[string]any{
			"limit":          limit,
			"exclude_pools":  excludePools,
			"min_balance":    minBalance.String(),
			"k_min":          filter.KMin,
			"classification": string(filter.Classification),
		},
		"k_wallet_coverage": coverage,
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	slot, err := api.store.LastProcessedSlot()
	if err != nil {
		api.log.Error("couldn't read watermark", zap.Error(err))
	}
	lastSync, _ := api.store.SyncValue(kdb.SyncKeyLastFullSync)
	kwPending, kwLeased, _ := api.store.KWalletQueue().Depth()
	tokPending, tokLeased, _ := api.store.TokenQueue().Depth()
	holders, _ := api.store.HolderCount()
	txns, _ := api.store.TransactionCount()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"version": build.NodeVersion,
		"sync": map[string]any{
			"lastProcessedSlot": slot,
			"lastFullSync":      lastSync,
			"transactions":      txns,
		},
		"gating": map[string]any{
			"kGlobalGated": api.cfg.KGlobalGated,
			"failClosed":   api.cfg.KGlobalFailClosed,
		},
		"queues": map[string]any{
			"kWallet": map[string]int{"pending": kwPending, "leased": kwLeased},
			"token":   map[string]int{"pending": tokPending, "leased": tokLeased},
		},
		"holders":       holders,
		"wsConnections": api.hub.ConnectionCount(),
		"maintenance":   api.cfg.Maintenance,
		"uptimeSeconds": int(time.Since(api.startTime).Seconds()),
		"memoryMB":      mem.Alloc / 1024 / 1024,
	})
}

func (api *API) kScoreHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	addr := ps.ByName("addr")
	if !utils.IsValidAddress(addr) {
		writeError(w, http.StatusBadRequest, errValidation, "invalid wallet address")
		return
	}
	wlt, err := api.store.Wallet(addr)
	if errors.Is(err, kdb.ErrWalletNotFound) {
		writeError(w, http.StatusNotFound, errNotFound, "wallet has no recorded position")
		return
	}
	if err != nil {
		api.log.Error("couldn't load wallet", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load wallet")
		return
	}

	retention := kmetric.Retention(wlt.CurrentBalance, wlt.FirstBuyAmount)
	resp := map[string]any{
		"address":        wlt.Address,
		"balance":        wlt.CurrentBalance.String(),
		"peakBalance":    wlt.PeakBalance.String(),
		"firstBuyTime":   wlt.FirstBuyTime,
		"firstBuyAmount": wlt.FirstBuyAmount.String(),
		"totalReceived":  wlt.TotalReceived.String(),
		"totalSent":      wlt.TotalSent.String(),
		"retention":      retention,
		"classification": string(kmetric.Classify(retention)),
		"isOG":           api.calc.IsOG(wlt.FirstBuyTime),
		"lastSlot":       wlt.LastSlot,
	}
	if !wlt.FirstBuyTime.IsZero() {
		resp["holdDays"] = time.Since(wlt.FirstBuyTime).Hours() / 24
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) kGlobalHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	addr := ps.ByName("addr")
	if !utils.IsValidAddress(addr) {
		writeError(w, http.StatusBadRequest, errValidation, "invalid wallet address")
		return
	}
	if allowed, reason := api.verifyHolder(r, addr); !allowed {
		writeErrorFields(w, http.StatusForbidden, errForbidden, map[string]any{
			"reason": reason,
		})
		return
	}

	wlt, err := api.store.Wallet(addr)
	if err != nil && !errors.Is(err, kdb.ErrWalletNotFound) {
		api.log.Error("couldn't load wallet", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load wallet")
		return
	}
	if err == nil && wlt.HasKWallet() {
		age := time.Since(wlt.KWalletUpdatedAt)
		writeJSON(w, http.StatusOK, map[string]any{
			"address":         wlt.Address,
			"k_wallet":        wlt.KWallet,
			"tokens_analyzed": wlt.KWalletTokens,
			"source":          "db",
			"stale":           age > kWalletStaleAfter,
			"age_seconds":     int(age.Seconds()),
			"updated_at":      wlt.KWalletUpdatedAt,
			"poh":             map[string]any{"slot": wlt.KWalletSlot},
		})
		return
	}

	// No score yet; queue the wallet and tell the caller to retry.
	if err := api.store.KWalletQueue().Enqueue(addr, liveScorePriority); err != nil {
		api.log.Error("couldn't enqueue wallet", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't queue wallet")
		return
	}
	status := "queued"
	if _, leased, err := api.store.KWalletQueue().Depth(); err == nil && leased > 0 {
		status = "calculating"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"address":     addr,
		"status":      status,
		"retry_after": 5,
	})
}

func (api *API) inboundWebhookHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	applied, err := api.pipe.HandleWebhook(body, r.Header.Get("X-Helius-Signature"))
	if errors.Is(err, ingest.ErrBadSignature) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "webhook signature mismatch")
		return
	}
	if errors.Is(err, ingest.ErrNoSecret) {
		writeError(w, http.StatusServiceUnavailable, errMaintenance, "webhook ingest not configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "couldn't parse webhook payload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  applied,
	})
}

func (api *API) syncHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "admin key required")
		return
	}
	applied, err := api.puller.Sync(r.Context())
	if err != nil {
		api.log.Error("manual sync failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, errUpstream, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"synced":  true,
		"applied": applied,
	})
}

func (api *API) backupHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "admin key required")
		return
	}
	name, err := api.store.Backup(api.cfg.BackupDir)
	if err != nil {
		api.log.Error("backup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backup": name,
	})
}
