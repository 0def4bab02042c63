package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, cfg *persist.Config) *API {
	t.Helper()
	s, err := kdb.NewStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.MinBalance == nil {
		cfg.MinBalance = big.NewInt(1)
	}
	if cfg.KGlobalMinBalance == nil {
		cfg.KGlobalMinBalance = big.NewInt(1)
	}

	api := &API{
		store:       s,
		cfg:         cfg,
		calc:        kmetric.NewCalculator(s, cfg, zap.NewNop()),
		log:         zap.NewNop(),
		keyCache:    lru.NewLRU[string, kdb.APIKey](keyCacheSize, nil, keyCacheTTL),
		negKeyCache: lru.NewLRU[string, struct{}](keyCacheSize, nil, keyCacheTTL),
		startTime:   time.Now(),
		stopChan:    make(chan struct{}),
	}
	t.Cleanup(func() { close(api.stopChan) })
	api.rl = newRatelimiter(api.stopChan)
	api.buildHTTPRoutes()
	return api
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestOriginAllowed(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})
	require.True(t, api.originAllowed("https://anything.example.com"))

	api.cfg.CORSOrigins = []string{"https://app.example.com", "https://*.koracle.dev"}
	require.True(t, api.originAllowed("https://app.example.com"))
	require.True(t, api.originAllowed("https://dash.koracle.dev"))
	require.False(t, api.originAllowed("https://evil.example.com"))
	require.False(t, api.originAllowed("https://.koracle.dev"))
}

func TestCORSPreflight(t *testing.T) {
	api := newTestGateway(t, &persist.Config{CORSOrigins: []string{"https://app.example.com"}})

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	r.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, errForbidden, decodeError(t, rec)["error"])
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	api := newTestGateway(t, &persist.Config{Maintenance: true})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	// A provided request ID is echoed back.
	r = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	r.Header.Set("X-Request-ID", "req-abc")
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
}

func TestProductionRedirect(t *testing.T) {
	api := newTestGateway(t, &persist.Config{Production: true, Maintenance: true})

	r := httptest.NewRequest(http.MethodGet, "http://oracle.example.com/api/v1/status?x=1", nil)
	r.Header.Set("X-Forwarded-Proto", "http")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusPermanentRedirect, rec.Code)
	require.Equal(t, "https://oracle.example.com/api/v1/status?x=1", rec.Header().Get("Location"))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.NotEqual(t, http.StatusPermanentRedirect, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestInvalidAPIKey(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	r.Header.Set("X-Oracle-Key", "ko_bogus")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, errUnauthorized, decodeError(t, rec)["error"])
}

func TestResolveKey(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	// No key presented is fine; the caller is public.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	key, ok := api.resolveKey(r)
	require.True(t, ok)
	require.Nil(t, key)

	plain, created, err := api.store.CreateAPIKey("tester", kdb.TierPremium, 0, 0, time.Time{})
	require.NoError(t, err)

	r.Header.Set("X-Oracle-Key", plain)
	key, ok = api.resolveKey(r)
	require.True(t, ok)
	require.NotNil(t, key)
	require.Equal(t, created.ID, key.ID)
	require.Equal(t, kdb.TierPremium, key.Tier)

	// The second resolution comes from the cache.
	_, found := api.keyCache.Get(kdb.HashKey(plain))
	require.True(t, found)

	// WebSocket upgrades pass the key as a query parameter.
	r = httptest.NewRequest(http.MethodGet, "/ws?key="+plain, nil)
	key, ok = api.resolveKey(r)
	require.True(t, ok)
	require.NotNil(t, key)

	// Unknown keys are negatively cached.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Oracle-Key", "ko_unknown")
	_, ok = api.resolveKey(r)
	require.False(t, ok)
	_, found = api.negKeyCache.Get(kdb.HashKey("ko_unknown"))
	require.True(t, found)
}

func TestRateLimitResponse(t *testing.T) {
	api := newTestGateway(t, &persist.Config{Maintenance: true})

	perMinute, _ := kdb.TierPublic.Limits()
	var rec *httptest.ResponseRecorder
	for i := 0; i <= perMinute; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		rec = httptest.NewRecorder()
		api.ServeHTTP(rec, r)
	}

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "public", rec.Header().Get("X-RateLimit-Tier"))
	body := decodeError(t, rec)
	require.Equal(t, errMinuteLimit, body["error"])
	require.NotNil(t, body["retry_after"])
}

func TestCustomKeyLimits(t *testing.T) {
	api := newTestGateway(t, &persist.Config{Maintenance: true})

	// A key provisioned with a custom minute limit below its tier
	// default hits its own ceiling, not the tier's.
	plain, _, err := api.store.CreateAPIKey("limited", kdb.TierFree, 3, 50, time.Time{})
	require.NoError(t, err)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		r.Header.Set("X-Oracle-Key", plain)
		rec = httptest.NewRecorder()
		api.ServeHTTP(rec, r)
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "free", rec.Header().Get("X-RateLimit-Tier"))
}

func TestMaintenanceMode(t *testing.T) {
	api := newTestGateway(t, &persist.Config{Maintenance: true})

	r := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, errMaintenance, decodeError(t, rec)["error"])

	require.True(t, api.maintenanceExempt("/k-metric/status"))
	require.True(t, api.maintenanceExempt("/admin/keys"))
	require.False(t, api.maintenanceExempt("/api/v1/status"))
}

func TestUnknownRoute(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	r := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, errNotFound, decodeError(t, rec)["error"])
}

func TestBodyTooLarge(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/wallets", strings.NewReader(strings.Repeat("a", maxBodySize+1)))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, errTooLarge, decodeError(t, rec)["error"])
}

func TestBatchValidation(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/wallets", strings.NewReader(`{"wallets":[]}`))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, errValidation, decodeError(t, rec)["error"])
}

func TestHoldersEndpointFilters(t *testing.T) {
	api := newTestGateway(t, &persist.Config{})

	seed := func(addr, sig string, slot uint64, amount int64) {
		_, err := api.store.UpsertWallet(kdb.BalanceChange{
			Wallet:    addr,
			Slot:      slot,
			BlockTime: time.Now(),
			Amount:    big.NewInt(amount),
			Signature: sig,
		})
		require.NoError(t, err)
	}
	// acc doubled their first buy, red sold 40% of it.
	seed("acc", "sig1", 1, 100)
	seed("acc", "sig2", 2, 100)
	seed("red", "sig3", 1, 100)
	seed("red", "sig4", 2, -40)
	require.NoError(t, api.store.UpdateWalletKScore("acc", 80, 4, 10))

	get := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.ServeHTTP(rec, r)
		return rec
	}

	rec := get("/api/v1/holders?classification=accumulator")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeError(t, rec)
	holders, ok := body["holders"].([]any)
	require.True(t, ok)
	require.Len(t, holders, 1)
	entry, ok := holders[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "acc", entry["address"])
	require.EqualValues(t, 80, entry["k_wallet"])

	rec = get("/api/v1/holders?k_min=50")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeError(t, rec)
	require.Len(t, body["holders"], 1)

	// The unscored reducer passes only the unfiltered listing.
	rec = get("/api/v1/holders")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeError(t, rec)
	require.Len(t, body["holders"], 2)

	rec = get("/api/v1/holders?k_min=101")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get("/api/v1/holders?classification=banana")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIsAdmin(t *testing.T) {
	api := newTestGateway(t, &persist.Config{AdminKey: "hunter2hunter2"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, api.isAdmin(r))

	r.Header.Set("X-Admin-Key", "hunter2hunter2")
	require.True(t, api.isAdmin(r))

	r.Header.Set("X-Admin-Key", "wrongwrongwrong")
	require.False(t, api.isAdmin(r))

	// The admin key also works through the regular key header.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Oracle-Key", "hunter2hunter2")
	require.True(t, api.isAdmin(r))

	// An unset admin key never matches, not even an empty guess.
	api.cfg.AdminKey = ""
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	require.False(t, api.isAdmin(r))
}

func TestVerifyHolder(t *testing.T) {
	api := newTestGateway(t, &persist.Config{
		AdminKey:          "hunter2hunter2",
		KGlobalGated:      true,
		KGlobalMinBalance: big.NewInt(100),
	})

	seed := func(addr string, balance int64) {
		_, err := api.store.UpsertWallet(kdb.BalanceChange{
			Wallet:    addr,
			Slot:      1,
			BlockTime: time.Now(),
			Amount:    big.NewInt(balance),
			Signature: "sig-" + addr,
		})
		require.NoError(t, err)
	}
	seed("whale", 150)
	seed("shrimp", 50)
	seed("ghost", 50)
	_, err := api.store.UpsertWallet(kdb.BalanceChange{
		Wallet: "ghost", Slot: 2, BlockTime: time.Now(),
		Amount: big.NewInt(-50), Signature: "sig-ghost-2",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)

	allowed, reason := api.verifyHolder(r, "whale")
	require.True(t, allowed)
	require.Empty(t, reason)

	allowed, reason = api.verifyHolder(r, "shrimp")
	require.False(t, allowed)
	require.Equal(t, reasonInsufficientBalance, reason)

	allowed, reason = api.verifyHolder(r, "ghost")
	require.False(t, allowed)
	require.Equal(t, reasonNotHolder, reason)

	// The admin key bypasses gating entirely.
	r.Header.Set("X-Admin-Key", "hunter2hunter2")
	allowed, _ = api.verifyHolder(r, "shrimp")
	require.True(t, allowed)

	// So does disabling the gate.
	r.Header.Del("X-Admin-Key")
	api.cfg.KGlobalGated = false
	allowed, _ = api.verifyHolder(r, "ghost")
	require.True(t, allowed)
}

func TestFailClosedPolicy(t *testing.T) {
	api := newTestGateway(t, &persist.Config{KGlobalFailClosed: true})
	require.False(t, api.failOpen())

	api.cfg.KGlobalFailClosed = false
	require.True(t, api.failOpen())
}
