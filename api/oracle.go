package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/koracle-dev/koracle/internal/build"
	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"go.uber.org/zap"
)

const (
	maxBatchWallets = 100
	maxBatchTokens  = 50

	// tokenRequestPriority is the queue priority of an interactive
	// token score request.
	tokenRequestPriority = 5
)

// Batch item states.
const (
	statusReady       = "ready"
	statusQueued      = "queued"
	statusCalculating = "calculating"
	statusSyncing     = "syncing"
)

func (api *API) oracleStatusHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	m, err := api.calc.Cached()
	if err != nil {
		api.log.Error("couldn't compute metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't compute metrics")
		return
	}
	slot, _ := api.store.LastProcessedSlot()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       build.NodeVersion,
		"token":         api.tokenBlock(),
		"k":             m.K,
		"holders":       m.Holders,
		"lastSlot":      slot,
		"uptimeSeconds": int(time.Since(api.startTime).Seconds()),
	})
}

// validMint accepts the primary mint and ecosystem mints matching a
// configured suffix.
func (api *API) validMint(mint string) bool {
	if !utils.IsValidAddress(mint) {
		return false
	}
	return mint == api.cfg.TokenMint || utils.MatchesSuffix(mint, api.cfg.MintSuffixes)
}

// tokenEntry resolves one mint to a batch-item response, queuing the
// scoring work when needed.
func (api *API) tokenEntry(mint string) map[string]any {
	entry := map[string]any{"mint": mint}
	if !api.validMint(mint) {
		entry["status"] = "invalid"
		return entry
	}
	score, fresh, err := api.tokens.Request(mint, tokenRequestPriority)
	if err != nil {
		api.log.Error("couldn't request token score", zap.String("mint", mint), zap.Error(err))
		entry["status"] = statusSyncing
		return entry
	}
	if fresh {
		entry["status"] = statusReady
		entry["k"] = score.K
		entry["holders"] = score.Holders
		entry["accumulators"] = score.Accumulators
		entry["maintained"] = score.Maintained
		entry["partialSellers"] = score.Reducers
		entry["majorSellers"] = score.Extractors
		entry["sampled"] = score.Sampled
		entry["lastSync"] = score.LastSync
		return entry
	}
	if !score.LastSync.IsZero() {
		// A stale score is still worth returning while it refreshes.
		entry["status"] = statusSyncing
		entry["k"] = score.K
		entry["stale"] = true
		entry["lastSync"] = score.LastSync
		return entry
	}
	if leased := api.tokenLeased(mint); leased {
		entry["status"] = statusCalculating
	} else {
		entry["status"] = statusQueued
	}
	entry["retry_after"] = 10
	return entry
}

func (api *API) tokenLeased(mint string) bool {
	queued, err := api.store.TokenQueue().Contains(mint)
	if err != nil || !queued {
		return false
	}
	_, leased, err := api.store.TokenQueue().Depth()
	return err == nil && leased > 0
}

// walletEntry resolves one wallet to a batch-item response.
func (api *API) walletEntry(addr string) map[string]any {
	entry := map[string]any{"address": addr}
	if !utils.IsValidAddress(addr) {
		entry["status"] = "invalid"
		return entry
	}
	wlt, err := api.store.Wallet(addr)
	if err == nil && wlt.HasKWallet() {
		entry["status"] = statusReady
		entry["k_wallet"] = wlt.KWallet
		entry["tokens_analyzed"] = wlt.KWalletTokens
		entry["updated_at"] = wlt.KWalletUpdatedAt
		entry["stale"] = time.Since(wlt.KWalletUpdatedAt) > kWalletStaleAfter
		return entry
	}
	if err != nil && !errors.Is(err, kdb.ErrWalletNotFound) {
		api.log.Error("couldn't load wallet", zap.Error(err))
		entry["status"] = statusSyncing
		return entry
	}
	if err := api.store.KWalletQueue().Enqueue(addr, tokenRequestPriority); err != nil {
		api.log.Error("couldn't enqueue wallet", zap.Error(err))
	}
	entry["status"] = statusQueued
	entry["retry_after"] = 5
	return entry
}

func (api *API) oracleTokenHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	mint := ps.ByName("mint")
	if !api.validMint(mint) {
		writeError(w, http.StatusBadRequest, errValidation, "mint is not part of the tracked ecosystem")
		return
	}
	entry := api.tokenEntry(mint)
	status := http.StatusOK
	if s, _ := entry["status"].(string); s == statusQueued || s == statusCalculating {
		status = http.StatusAccepted
	}
	writeJSON(w, status, entry)
}

func (api *API) oracleWalletHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	addr := ps.ByName("addr")
	if !utils.IsValidAddress(addr) {
		writeError(w, http.StatusBadRequest, errValidation, "invalid wallet address")
		return
	}
	entry := api.walletEntry(addr)
	status := http.StatusOK
	if s, _ := entry["status"].(string); s == statusQueued || s == statusCalculating {
		status = http.StatusAccepted
	}
	writeJSON(w, status, entry)
}

func summarize(entries []map[string]any) map[string]int {
	summary := make(map[string]int)
	for _, entry := range entries {
		if s, ok := entry["status"].(string); ok {
			summary[s]++
		}
	}
	return summary
}

func (api *API) oracleWalletsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Wallets []string `json:"wallets"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Wallets) == 0 {
		writeError(w, http.StatusBadRequest, errValidation, "wallets array required")
		return
	}
	if len(req.Wallets) > maxBatchWallets {
		writeError(w, http.StatusBadRequest, errValidation, "at most 100 wallets per batch")
		return
	}
	entries := make([]map[string]any, 0, len(req.Wallets))
	for _, addr := range req.Wallets {
		entries = append(entries, api.walletEntry(addr))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallets": entries,
		"summary": summarize(entries),
	})
}

func (api *API) oracleTokensHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, errValidation, "tokens array required")
		return
	}
	if len(req.Tokens) > maxBatchTokens {
		writeError(w, http.StatusBadRequest, errValidation, "at most 50 tokens per batch")
		return
	}
	entries := make([]map[string]any, 0, len(req.Tokens))
	for _, mint := range req.Tokens {
		entries = append(entries, api.tokenEntry(mint))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":  entries,
		"summary": summarize(entries),
	})
}

func (api *API) oracleHoldersHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	filter := kdb.HolderFilter{
		MinBalance: api.calc.Threshold(),
		Limit:      defaultHoldersLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHoldersLimit {
			writeError(w, http.StatusBadRequest, errValidation, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
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
	holders := make([]map[string]any, 0, len(wallets))
	for _, wlt := range wallets {
		retention := kmetric.Retention(wlt.CurrentBalance, wlt.FirstBuyAmount)
		entry := map[string]any{
			"address":        wlt.Address,
			"balance":        wlt.CurrentBalance.String(),
			"retention":      retention,
			"classification": string(kmetric.Classify(retention)),
		}
		if wlt.HasKWallet() {
			entry["k_wallet"] = wlt.KWallet
		}
		holders = append(holders, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holders": holders,
		"count":   len(holders),
		"filter": map[string]any{
			"limit":          filter.Limit,
			"k_min":          filter.KMin,
			"classification": string(filter.Classification),
		},
	})
}

// parseClass validates a classification query parameter.
func parseClass(v string) (kdb.Class, bool) {
	switch c := kdb.Class(v); c {
	case kdb.ClassAccumulator, kdb.ClassMaintained, kdb.ClassReducer, kdb.ClassExtractor:
		return c, true
	}
	return "", false
}
