package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
)

// backfillPriority sits between the staleness scanner and live
// ingest.
const backfillPriority = 2

// requireAdmin writes the rejection itself and reports whether the
// caller may proceed.
func (api *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !api.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "admin key required")
		return false
	}
	return true
}

func (api *API) adminKeysListHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	keys, err := api.store.APIKeys()
	if err != nil {
		api.log.Error("couldn't list api keys", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't list api keys")
		return
	}
	if keys == nil {
		keys = []kdb.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (api *API) adminKeysCreateHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Tier        string `json:"tier"`
		PerMinute   int    `json:"perMinute"`
		PerDay      int    `json:"perDay"`
		ExpiresDays int    `json:"expiresDays"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, errValidation, "name required")
		return
	}
	tier, err := kdb.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, errValidation, err.Error())
		return
	}
	var expiresAt time.Time
	if req.ExpiresDays > 0 {
		expiresAt = time.Now().UTC().AddDate(0, 0, req.ExpiresDays)
	}
	plain, key, err := api.store.CreateAPIKey(req.Name, tier, req.PerMinute, req.PerDay, expiresAt)
	if err != nil {
		api.log.Error("couldn't create api key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't create api key")
		return
	}
	api.log.Info("issued api key",
		zap.Int64("id", key.ID),
		zap.String("name", key.Name),
		zap.String("tier", string(key.Tier)))
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    plain, // shown exactly once
		"record": key,
	})
}

func (api *API) keyIDParam(w http.ResponseWriter, ps httprouter.Params) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errValidation, "invalid key id")
		return 0, false
	}
	return id, true
}

func (api *API) adminKeysDeleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	id, ok := api.keyIDParam(w, ps)
	if !ok {
		return
	}
	err := api.store.DeleteAPIKey(id)
	if errors.Is(err, kdb.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, errNotFound, "api key not found")
		return
	}
	if err != nil {
		api.log.Error("couldn't delete api key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't delete api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (api *API) adminKeysDeactivateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	id, ok := api.keyIDParam(w, ps)
	if !ok {
		return
	}
	err := api.store.SetAPIKeyActive(id, false)
	if errors.Is(err, kdb.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, errNotFound, "api key not found")
		return
	}
	if err != nil {
		api.log.Error("couldn't deactivate api key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't deactivate api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

func (api *API) adminKeyUsageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	id, ok := api.keyIDParam(w, ps)
	if !ok {
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}
	usage, err := api.store.Usage(id, days)
	if err != nil {
		api.log.Error("couldn't load usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load usage")
		return
	}
	if usage == nil {
		usage = []kdb.UsageDay{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": usage,
		"days":  days,
	})
}

func (api *API) adminQueuesHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	kwPending, kwLeased, err := api.store.KWalletQueue().Depth()
	if err != nil {
		api.log.Error("couldn't read queue depth", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't read queue depth")
		return
	}
	tokPending, tokLeased, err := api.store.TokenQueue().Depth()
	if err != nil {
		api.log.Error("couldn't read queue depth", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kWallet": map[string]int{"pending": kwPending, "leased": kwLeased},
		"token":   map[string]int{"pending": tokPending, "leased": tokLeased},
	})
}

func (api *API) adminRecalculateHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	m, err := api.calc.CalculateAndSave()
	if err != nil {
		api.log.Error("recalculation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "recalculation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"k":            m.K,
		"holders":      m.Holders,
		"calculatedAt": m.CalculatedAt,
	})
}

// adminBackfillHandler queues every current holder without a
// cross-token score.
func (api *API) adminBackfillHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !api.requireAdmin(w, r) {
		return
	}
	wallets, err := api.store.Wallets(new(big.Int))
	if err != nil {
		api.log.Error("couldn't load wallets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load wallets")
		return
	}
	queued := 0
	for _, wlt := range wallets {
		if wlt.HasKWallet() || wlt.CurrentBalance.Sign() <= 0 {
			continue
		}
		if err := api.store.KWalletQueue().Enqueue(wlt.Address, backfillPriority); err != nil {
			api.log.Error("couldn't enqueue wallet",
				zap.String("wallet", wlt.Address),
				zap.Error(err))
			continue
		}
		queued++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued": queued,
	})
}
