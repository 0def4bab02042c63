package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
)

const (
	// keyCacheTTL is how long resolved and rejected keys are cached.
	keyCacheTTL = 5 * time.Minute

	keyCacheSize = 10000

	gatingTimeout = 10 * time.Second
)

// Gating denial reasons.
const (
	reasonNotHolder           = "not_holder"
	reasonInsufficientBalance = "insufficient_balance"
	reasonUnavailable         = "verification_unavailable"
)

// resolveKey reads the caller's API key from the X-Oracle-Key header
// (or the key query parameter for WebSocket upgrades) and resolves it
// through the caches. A nil key with ok=true means no key was
// presented; ok=false means a key was presented but did not resolve.
func (api *API) resolveKey(r *http.Request) (key *kdb.APIKey, ok bool) {
	plain := r.Header.Get("X-Oracle-Key")
	if plain == "" {
		plain = r.URL.Query().Get("key")
	}
	if plain == "" {
		return nil, true
	}

	hash := kdb.HashKey(plain)
	if cached, found := api.keyCache.Get(hash); found {
		return &cached, true
	}
	if _, found := api.negKeyCache.Get(hash); found {
		return nil, false
	}

	resolved, err := api.store.ValidateAPIKey(plain)
	if errors.Is(err, kdb.ErrKeyNotFound) {
		api.negKeyCache.Add(hash, struct{}{})
		return nil, false
	}
	if err != nil {
		api.log.Error("couldn't validate api key", zap.Error(err))
		return nil, false
	}
	api.keyCache.Add(hash, resolved)
	return &resolved, true
}

// isAdmin reports whether the request carries the admin key. The
// comparison is constant-time; an unset admin key never matches.
func (api *API) isAdmin(r *http.Request) bool {
	if api.cfg.AdminKey == "" {
		return false
	}
	presented := r.Header.Get("X-Admin-Key")
	if presented == "" {
		presented = r.Header.Get("X-Oracle-Key")
	}
	if len(presented) != len(api.cfg.AdminKey) {
		// Compare against self to keep timing flat.
		subtle.ConstantTimeCompare([]byte(api.cfg.AdminKey), []byte(api.cfg.AdminKey))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(api.cfg.AdminKey)) == 1
}

// verifyHolder decides whether the cross-token score of addr may be
// served. The address itself must hold the primary token; when the
// store has no record, a chain lookup is the fallback, and when even
// that fails the configured fail-closed policy decides.
func (api *API) verifyHolder(r *http.Request, addr string) (allowed bool, reason string) {
	if !api.cfg.KGlobalGated || api.isAdmin(r) {
		return true, ""
	}

	minBalance := api.cfg.KGlobalMinBalance
	w, err := api.store.Wallet(addr)
	if err == nil {
		if w.CurrentBalance.Sign() <= 0 {
			return false, reasonNotHolder
		}
		if w.CurrentBalance.Cmp(minBalance) < 0 {
			return false, reasonInsufficientBalance
		}
		return true, ""
	}
	if !errors.Is(err, kdb.ErrWalletNotFound) {
		api.log.Error("holder check failed", zap.Error(err))
		return api.failOpen(), reasonUnavailable
	}

	ctx, cancel := context.WithTimeout(r.Context(), gatingTimeout)
	defer cancel()
	balance, err := api.chain.FetchWalletBalance(ctx, addr, api.cfg.TokenMint)
	if err != nil {
		api.log.Warn("holder fallback lookup failed", zap.Error(err))
		return api.failOpen(), reasonUnavailable
	}
	if balance.Sign() <= 0 {
		return false, reasonNotHolder
	}
	if balance.Cmp(minBalance) < 0 {
		return false, reasonInsufficientBalance
	}
	return true, ""
}

func (api *API) failOpen() bool {
	return !api.cfg.KGlobalFailClosed
}
