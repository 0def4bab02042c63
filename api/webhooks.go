package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/koracle-dev/koracle/fanout"
	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

// maxSubscriptionsPerKey caps how many webhook targets one key may
// register.
const maxSubscriptionsPerKey = 10

var webhookEventTypes = []string{
	fanout.EventKChange,
	fanout.EventHolderNew,
	fanout.EventHolderExit,
	fanout.EventThresholdAlert,
}

func validEventType(ev string) bool {
	for _, known := range webhookEventTypes {
		if ev == known {
			return true
		}
	}
	return false
}

// subscriberKey requires an API key on the request and returns it.
func (api *API) subscriberKey(w http.ResponseWriter, r *http.Request) (*kdb.APIKey, bool) {
	key := requestKey(r)
	if key == nil {
		writeError(w, http.StatusUnauthorized, errUnauthorized, "api key required")
		return nil, false
	}
	return key, true
}

func (api *API) webhooksListHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	key, ok := api.subscriberKey(w, r)
	if !ok {
		return
	}
	subs, err := api.store.Subscriptions(key.ID)
	if err != nil {
		api.log.Error("couldn't list subscriptions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't list subscriptions")
		return
	}
	if subs == nil {
		subs = []kdb.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": subs,
		"count":    len(subs),
	})
}

func (api *API) webhooksCreateHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	key, ok := api.subscriberKey(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid request body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, errValidation, "url must be a valid http(s) endpoint")
		return
	}
	if api.cfg.Production && u.Scheme != "https" {
		writeError(w, http.StatusBadRequest, errValidation, "url must use https")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, errValidation, "at least one event type required")
		return
	}
	for _, ev := range req.Events {
		if !validEventType(ev) {
			writeError(w, http.StatusBadRequest, errValidation, "unknown event type "+ev)
			return
		}
	}
	existing, err := api.store.Subscriptions(key.ID)
	if err != nil {
		api.log.Error("couldn't list subscriptions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't create subscription")
		return
	}
	if len(existing) >= maxSubscriptionsPerKey {
		writeError(w, http.StatusBadRequest, errValidation, "subscription limit reached")
		return
	}

	secret := req.Secret
	generated := false
	if secret == "" {
		secret = hex.EncodeToString(frand.Bytes(32))
		generated = true
	}
	sub, err := api.store.CreateSubscription(key.ID, req.URL, req.Events, secret)
	if err != nil {
		api.log.Error("couldn't create subscription", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't create subscription")
		return
	}
	resp := map[string]any{
		"id":        sub.ID,
		"url":       sub.URL,
		"events":    sub.Events,
		"isActive":  sub.IsActive,
		"createdAt": sub.CreatedAt,
	}
	if generated {
		// The generated secret is shown exactly once.
		resp["secret"] = secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (api *API) webhooksGetHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if id == "events" {
		writeJSON(w, http.StatusOK, map[string]any{
			"events": webhookEventTypes,
		})
		return
	}
	key, ok := api.subscriberKey(w, r)
	if !ok {
		return
	}
	sub, err := api.store.Subscription(id)
	if errors.Is(err, kdb.ErrSubscriptionNotFound) || (err == nil && sub.APIKeyID != key.ID) {
		writeError(w, http.StatusNotFound, errNotFound, "subscription not found")
		return
	}
	if err != nil {
		api.log.Error("couldn't load subscription", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (api *API) webhooksDeleteHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, ok := api.subscriberKey(w, r)
	if !ok {
		return
	}
	err := api.store.DeleteSubscription(ps.ByName("id"), key.ID)
	if errors.Is(err, kdb.ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, errNotFound, "subscription not found")
		return
	}
	if err != nil {
		api.log.Error("couldn't delete subscription", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (api *API) webhooksDeliveriesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, ok := api.subscriberKey(w, r)
	if !ok {
		return
	}
	id := ps.ByName("id")
	sub, err := api.store.Subscription(id)
	if errors.Is(err, kdb.ErrSubscriptionNotFound) || (err == nil && sub.APIKeyID != key.ID) {
		writeError(w, http.StatusNotFound, errNotFound, "subscription not found")
		return
	}
	if err != nil {
		api.log.Error("couldn't load subscription", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't load subscription")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	deliveries, err := api.store.Deliveries(id, limit)
	if err != nil {
		api.log.Error("couldn't list deliveries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errInternal, "couldn't list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []kdb.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}
