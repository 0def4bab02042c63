package fanout

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
	"go.uber.org/zap"
)

const (
	// deliveryInterval is how often due deliveries are claimed.
	deliveryInterval = 30 * time.Second

	// maxDeliveryAttempts bounds the attempt chain of one delivery.
	maxDeliveryAttempts = 3

	deliveryTimeout   = 10 * time.Second
	deliveryBatchSize = 50
	responseBodyCap   = 1024
)

// retrySchedule maps the attempt number to the wait before the next
// attempt.
var retrySchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Sign computes the hex HMAC-SHA256 of a payload under a subscription
// secret. The same signature is sent as X-Oracle-Signature.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// A Dispatcher turns oracle events into durable webhook deliveries
// and drives their attempt chains in the background.
type Dispatcher struct {
	store  *kdb.Store
	log    *zap.Logger
	client *http.Client

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewDispatcher creates a Dispatcher and starts its delivery loop.
func NewDispatcher(store *kdb.Store, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		log:      logger,
		client:   &http.Client{Timeout: deliveryTimeout},
		stopChan: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.deliveryLoop()
	return d
}

// Close shuts down the delivery loop.
func (d *Dispatcher) Close() {
	close(d.stopChan)
	d.wg.Wait()
}

// Dispatch records one pending delivery per active subscription
// listening for the event type. Delivery happens asynchronously.
func (d *Dispatcher) Dispatch(eventType string, data any) {
	subs, err := d.store.ActiveSubscriptionsFor(eventType)
	if err != nil {
		d.log.Error("couldn't list subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":     eventType,
		"data":      data,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		d.log.Error("couldn't marshal event", zap.Error(err))
		return
	}

	for _, sub := range subs {
		if _, err := d.store.CreateDelivery(sub.ID, eventType, payload); err != nil {
			d.log.Error("couldn't create delivery",
				zap.String("subscription", sub.ID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) deliveryLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopChan:
			return
		case <-time.After(deliveryInterval):
		}
		if err := d.DeliverDue(); err != nil {
			d.log.Error("delivery pass failed", zap.Error(err))
		}
	}
}

// DeliverDue claims the due deliveries and attempts each one.
func (d *Dispatcher) DeliverDue() error {
	due, err := d.store.DueDeliveries(deliveryBatchSize, maxDeliveryAttempts)
	if err != nil {
		return utils.AddContext(err, "couldn't claim deliveries")
	}
	for _, delivery := range due {
		select {
		case <-d.stopChan:
			return nil
		default:
		}
		d.attempt(delivery)
	}
	return nil
}

// attempt runs one delivery attempt and records its outcome. The
// final allowed attempt that fails goes terminal, counting against
// the subscription.
func (d *Dispatcher) attempt(delivery kdb.WebhookDelivery) {
	sub, err := d.store.Subscription(delivery.SubscriptionID)
	if err != nil || !sub.IsActive {
		d.fail(delivery, 0, "subscription gone or inactive")
		return
	}

	code, body, err := d.post(sub, delivery)
	if err == nil && code >= 200 && code < 300 {
		if err := d.store.MarkDeliverySuccess(delivery.ID, code, body); err != nil {
			d.log.Error("couldn't mark delivery success", zap.Error(err))
		}
		return
	}
	if err != nil {
		body = err.Error()
	}
	d.fail(delivery, code, body)
}

func (d *Dispatcher) fail(delivery kdb.WebhookDelivery, code int, body string) {
	attempt := delivery.Attempts // zero-based before this attempt
	terminal := attempt+1 >= maxDeliveryAttempts
	var nextRetry time.Time
	if !terminal {
		wait := retrySchedule[len(retrySchedule)-1]
		if attempt < len(retrySchedule) {
			wait = retrySchedule[attempt]
		}
		nextRetry = time.Now().Add(wait)
	}
	err := d.store.MarkDeliveryFailure(delivery.ID, code, body, nextRetry, terminal)
	if err != nil {
		d.log.Error("couldn't mark delivery failure", zap.Error(err))
		return
	}
	if terminal {
		d.log.Warn("webhook delivery went terminal",
			zap.String("delivery", delivery.ID),
			zap.String("subscription", delivery.SubscriptionID),
			zap.Int("code", code))
	}
}

func (d *Dispatcher) post(sub kdb.WebhookSubscription, delivery kdb.WebhookDelivery) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oracle-Event", delivery.EventType)
	req.Header.Set("X-Oracle-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Oracle-Signature", Sign(sub.Secret, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}
