// Package api implements the HTTP gateway of the oracle: the
// dashboard endpoints, the versioned oracle API, webhook subscription
// management, the admin surface and the WebSocket upgrade.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/julienschmidt/httprouter"
	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/fanout"
	"github.com/koracle-dev/koracle/ingest"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"github.com/koracle-dev/koracle/scorer"
	"go.uber.org/zap"
)

const (
	// maxBodySize caps request bodies.
	maxBodySize = 1 << 20

	// readTimeout protects the server from slow request bodies.
	readTimeout = 30 * time.Second
)

type ctxKey int

const ctxKeyAPIKey ctxKey = 0

type API struct {
	router *httprouter.Router
	store  *kdb.Store
	cfg    *persist.Config
	calc   *kmetric.Calculator
	chain  *chain.Client
	hub    *fanout.Hub
	pipe   *ingest.Pipeline
	puller *ingest.Puller
	tokens *scorer.TokenScorer
	log    *zap.Logger

	rl          *ratelimiter
	keyCache    *lru.LRU[string, kdb.APIKey]
	negKeyCache *lru.LRU[string, struct{}]

	startTime time.Time
	stopChan  chan struct{}
	srv       *http.Server
}

// NewAPI wires the gateway and starts listening on the configured
// address.
func NewAPI(store *kdb.Store, cfg *persist.Config, calc *kmetric.Calculator, client *chain.Client, hub *fanout.Hub, pipe *ingest.Pipeline, puller *ingest.Puller, tokens *scorer.TokenScorer, logger *zap.Logger) (*API, error) {
	api := &API{
		store:       store,
		cfg:         cfg,
		calc:        calc,
		chain:       client,
		hub:         hub,
		pipe:        pipe,
		puller:      puller,
		tokens:      tokens,
		log:         logger,
		keyCache:    lru.NewLRU[string, kdb.APIKey](keyCacheSize, nil, keyCacheTTL),
		negKeyCache: lru.NewLRU[string, struct{}](keyCacheSize, nil, keyCacheTTL),
		startTime:   time.Now(),
		stopChan:    make(chan struct{}),
	}
	api.rl = newRatelimiter(api.stopChan)
	api.buildHTTPRoutes()

	api.srv = &http.Server{
		Addr:        cfg.APIAddr,
		Handler:     api,
		ReadTimeout: readTimeout,
	}
	go func() {
		if err := api.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("gateway failed", zap.Error(err))
		}
	}()
	return api, nil
}

// Close shuts the gateway down.
func (api *API) Close() error {
	close(api.stopChan)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.srv.Shutdown(ctx)
}

func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Request correlation first, so even rejections carry the ID.
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	if api.cfg.Production {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
			return
		}
	}

	origin := r.Header.Get("Origin")
	if origin != "" {
		if !api.originAllowed(origin) {
			if r.Method == http.MethodOptions {
				writeError(w, http.StatusForbidden, errForbidden, "origin not allowed")
				return
			}
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Oracle-Key, X-Admin-Key, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}

	key, keyOK := api.resolveKey(r)
	if !keyOK {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "invalid or expired api key")
		return
	}

	tier := kdb.TierPublic
	identity := "ip:" + getRemoteHost(r)
	if key != nil {
		tier = key.Tier
		identity = "key:" + strconv.FormatInt(key.ID, 10)
	}
	res := api.rl.check(identity, tier, key)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.reset, 10))
	w.Header().Set("X-RateLimit-Tier", string(res.tier))
	if !res.allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(res.retryAfter, 10))
		writeErrorFields(w, http.StatusTooManyRequests, res.reason, map[string]any{
			"retry_after": res.retryAfter,
		})
		return
	}

	if api.cfg.Maintenance && !api.maintenanceExempt(r.URL.Path) {
		writeError(w, http.StatusServiceUnavailable, errMaintenance, "oracle is under maintenance")
		return
	}

	if key != nil {
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyAPIKey, key))
		// Accounting must not block the response.
		go api.accountUsage(key.ID)
	}

	api.router.ServeHTTP(w, r)
}

func (api *API) maintenanceExempt(path string) bool {
	return path == "/k-metric/status" || strings.HasPrefix(path, "/admin/")
}

func (api *API) accountUsage(keyID int64) {
	date := time.Now().UTC().Format("20060102")
	if err := api.store.IncrementUsage(keyID, date); err != nil {
		api.log.Error("couldn't account usage", zap.Error(err))
	}
	if err := api.store.TouchAPIKey(keyID); err != nil {
		api.log.Error("couldn't touch api key", zap.Error(err))
	}
}

// originAllowed checks the origin against the allow-list. List
// entries may carry a single leading wildcard, e.g.
// https://*.example.com.
func (api *API) originAllowed(origin string) bool {
	if len(api.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range api.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if i := strings.Index(allowed, "*"); i >= 0 {
			prefix, suffix := allowed[:i], allowed[i+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) &&
				len(origin) > len(prefix)+len(suffix) {
				return true
			}
		}
	}
	return false
}

// requestKey returns the API key attached to the request, if any.
func requestKey(r *http.Request) *kdb.APIKey {
	key, _ := r.Context().Value(ctxKeyAPIKey).(*kdb.APIKey)
	return key
}

// readBody reads a capped request body. It writes the error response
// itself and reports success.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, errTooLarge, "body exceeds 1 MiB")
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusRequestTimeout, errReadTimeout, "couldn't read body")
		return nil, false
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, errTooLarge, "body exceeds 1 MiB")
		return nil, false
	}
	return body, true
}

func (api *API) buildHTTPRoutes() {
	router := httprouter.New()

	// Dashboard.
	router.GET("/k-metric", api.kMetricHandler)
	router.GET("/k-metric/history", api.historyHandler)
	router.GET("/k-metric/holders", api.holdersHandler)
	router.GET("/k-metric/status", api.statusHandler)
	router.GET("/k-metric/wallet/:addr/k-score", api.kScoreHandler)
	router.GET("/k-metric/wallet/:addr/k-global", api.kGlobalHandler)
	router.POST("/k-metric/webhook", api.inboundWebhookHandler)
	router.POST("/k-metric/sync", api.syncHandler)
	router.POST("/k-metric/backup", api.backupHandler)

	// Oracle API.
	router.GET("/api/v1/status", api.oracleStatusHandler)
	router.GET("/api/v1/token/:mint", api.oracleTokenHandler)
	router.GET("/api/v1/wallet/:addr", api.oracleWalletHandler)
	router.POST("/api/v1/wallets", api.oracleWalletsHandler)
	router.POST("/api/v1/tokens", api.oracleTokensHandler)
	router.GET("/api/v1/holders", api.oracleHoldersHandler)

	// Webhook subscriptions. The static "events" path shares the :id
	// segment; the handler tells them apart.
	router.GET("/api/v1/webhooks", api.webhooksListHandler)
	router.POST("/api/v1/webhooks", api.webhooksCreateHandler)
	router.GET("/api/v1/webhooks/:id", api.webhooksGetHandler)
	router.DELETE("/api/v1/webhooks/:id", api.webhooksDeleteHandler)
	router.GET("/api/v1/webhooks/:id/deliveries", api.webhooksDeliveriesHandler)

	// Admin.
	router.GET("/admin/keys", api.adminKeysListHandler)
	router.POST("/admin/keys", api.adminKeysCreateHandler)
	router.DELETE("/admin/keys/:id", api.adminKeysDeleteHandler)
	router.POST("/admin/keys/:id/deactivate", api.adminKeysDeactivateHandler)
	router.GET("/admin/keys/:id/usage", api.adminKeyUsageHandler)
	router.GET("/admin/queues", api.adminQueuesHandler)
	router.POST("/admin/recalculate", api.adminRecalculateHandler)
	router.POST("/admin/backfill", api.adminBackfillHandler)

	// WebSocket.
	router.GET("/ws", api.wsHandler)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errNotFound, "unknown route")
	})

	api.router = router
}

func (api *API) wsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tier := kdb.TierPublic
	identity := "ip:" + getRemoteHost(r)
	if key := requestKey(r); key != nil {
		tier = key.Tier
		identity = "key:" + strconv.FormatInt(key.ID, 10)
	}
	if err := api.hub.Serve(w, r, identity, tier); err != nil {
		api.log.Debug("websocket upgrade failed", zap.Error(err))
	}
}
