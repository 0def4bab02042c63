package kdb

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koracle-dev/koracle/internal/utils"
)

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// maxSubscriptionFailures is the failure count at which a
// subscription auto-deactivates.
const maxSubscriptionFailures = 5

// CreateSubscription registers an outbound webhook target.
func (s *Store) CreateSubscription(apiKeyID int64, url string, events []string, secret string) (WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := WebhookSubscription{
		ID:        uuid.New().String(),
		APIKeyID:  apiKeyID,
		URL:       url,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_subscriptions (id, api_key_id, url, events, secret, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, sub.ID, sub.APIKeyID, sub.URL, strings.Join(sub.Events, ","), sub.Secret, sub.CreatedAt.Unix())
	if err != nil {
		return WebhookSubscription{}, utils.AddContext(err, "couldn't create subscription")
	}
	return sub, nil
}

// Subscription returns one subscription by ID.
func (s *Store) Subscription(id string) (WebhookSubscription, error) {
	row := s.db.QueryRow(`
		SELECT id, api_key_id, url, events, secret, is_active, failure_count, last_triggered_at, created_at
		FROM webhook_subscriptions
		WHERE id = ?
	`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookSubscription{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return WebhookSubscription{}, utils.AddContext(err, "couldn't load subscription")
	}
	return sub, nil
}

// Subscriptions lists the subscriptions owned by an API key.
func (s *Store) Subscriptions(apiKeyID int64) ([]WebhookSubscription, error) {
	rows, err := s.db.Query(`
		SELECT id, api_key_id, url, events, secret, is_active, failure_count, last_triggered_at, created_at
		FROM webhook_subscriptions
		WHERE api_key_id = ?
		ORDER BY created_at ASC
	`, apiKeyID)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query subscriptions")
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ActiveSubscriptionsFor returns the active subscriptions listening
// for an event type.
func (s *Store) ActiveSubscriptionsFor(eventType string) ([]WebhookSubscription, error) {
	rows, err := s.db.Query(`
		SELECT id, api_key_id, url, events, secret, is_active, failure_count, last_triggered_at, created_at
		FROM webhook_subscriptions
		WHERE is_active = 1
	`)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query subscriptions")
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	var matched []WebhookSubscription
	for _, sub := range subs {
		for _, ev := range sub.Events {
			if ev == eventType {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched, nil
}

// DeleteSubscription removes a subscription and its deliveries.
func (s *Store) DeleteSubscription(id string, apiKeyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM webhook_subscriptions
		WHERE id = ? AND api_key_id = ?
	`, id, apiKeyID)
	if err != nil {
		return utils.AddContext(err, "couldn't delete subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	_, err = s.db.Exec(`DELETE FROM webhook_deliveries WHERE subscription_id = ?`, id)
	return utils.AddContext(err, "couldn't delete deliveries")
}

// CreateDelivery records a pending delivery for a subscription.
func (s *Store) CreateDelivery(subscriptionID, eventType string, payload []byte) (WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := WebhookDelivery{
		ID:             uuid.New().String(),
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Payload:        payload,
		Status:         DeliveryPending,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_deliveries (id, subscription_id, event_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)
	`, d.ID, d.SubscriptionID, d.EventType, string(d.Payload), d.CreatedAt.Unix())
	if err != nil {
		return WebhookDelivery{}, utils.AddContext(err, "couldn't create delivery")
	}
	return d, nil
}

// DueDeliveries returns pending deliveries whose retry time has come
// and that still have attempts left.
func (s *Store) DueDeliveries(limit, maxAttempts int) ([]WebhookDelivery, error) {
	rows, err := s.db.Query(`
		SELECT id, subscription_id, event_type, payload, status, attempts,
			response_code, response_body, next_retry_at, created_at, completed_at
		FROM webhook_deliveries
		WHERE status = 'pending'
		AND next_retry_at <= ?
		AND attempts < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, time.Now().Unix(), maxAttempts, limit)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query deliveries")
	}
	defer rows.Close()

	var deliveries []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan delivery")
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// Deliveries returns the delivery history of a subscription, newest
// first.
func (s *Store) Deliveries(subscriptionID string, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.Query(`
		SELECT id, subscription_id, event_type, payload, status, attempts,
			response_code, response_body, next_retry_at, created_at, completed_at
		FROM webhook_deliveries
		WHERE subscription_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, subscriptionID, limit)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't query deliveries")
	}
	defer rows.Close()

	var deliveries []WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan delivery")
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// MarkDeliverySuccess finishes a delivery and resets the
// subscription's failure count.
func (s *Store) MarkDeliverySuccess(id string, code int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		UPDATE webhook_deliveries
		SET status = 'success',
			attempts = attempts + 1,
			response_code = ?,
			response_body = ?,
			next_retry_at = 0,
			completed_at = ?
		WHERE id = ?
	`, code, body, now, id)
	if err != nil {
		return utils.AddContext(err, "couldn't mark delivery")
	}
	_, err = s.db.Exec(`
		UPDATE webhook_subscriptions
		SET failure_count = 0,
			last_triggered_at = ?
		WHERE id = (SELECT subscription_id FROM webhook_deliveries WHERE id = ?)
	`, now, id)
	return utils.AddContext(err, "couldn't update subscription")
}

// MarkDeliveryFailure records a failed attempt. With attempts left the
// delivery reschedules at nextRetry; otherwise it goes terminal and
// the subscription's failure count grows, deactivating it at the cap.
func (s *Store) MarkDeliveryFailure(id string, code int, body string, nextRetry time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if terminal {
		now := time.Now().Unix()
		_, err := s.db.Exec(`
			UPDATE webhook_deliveries
			SET status = 'failed',
				attempts = attempts + 1,
				response_code = ?,
				response_body = ?,
				next_retry_at = 0,
				completed_at = ?
			WHERE id = ?
		`, code, body, now, id)
		if err != nil {
			return utils.AddContext(err, "couldn't mark delivery")
		}
		_, err = s.db.Exec(`
			UPDATE webhook_subscriptions
			SET failure_count = failure_count + 1,
				is_active = CASE WHEN failure_count + 1 >= ? THEN 0 ELSE is_active END
			WHERE id = (SELECT subscription_id FROM webhook_deliveries WHERE id = ?)
		`, maxSubscriptionFailures, id)
		return utils.AddContext(err, "couldn't update subscription")
	}

	_, err := s.db.Exec(`
		UPDATE webhook_deliveries
		SET attempts = attempts + 1,
			response_code = ?,
			response_body = ?,
			next_retry_at = ?
		WHERE id = ?
	`, code, body, nextRetry.Unix(), id)
	return utils.AddContext(err, "couldn't reschedule delivery")
}

func scanSubscription(row interface{ Scan(...any) error }) (WebhookSubscription, error) {
	var sub WebhookSubscription
	var events string
	var triggered, created int64
	err := row.Scan(
		&sub.ID, &sub.APIKeyID, &sub.URL, &events, &sub.Secret,
		&sub.IsActive, &sub.FailureCount, &triggered, &created,
	)
	if err != nil {
		return WebhookSubscription{}, err
	}
	if events != "" {
		sub.Events = strings.Split(events, ",")
	}
	sub.LastTriggeredAt = timeOrZero(triggered)
	sub.CreatedAt = timeOrZero(created)
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't scan subscription")
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanDelivery(row interface{ Scan(...any) error }) (WebhookDelivery, error) {
	var d WebhookDelivery
	var payload string
	var nextRetry, created, completed int64
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &payload, &d.Status, &d.Attempts,
		&d.ResponseCode, &d.ResponseBody, &nextRetry, &created, &completed,
	)
	if err != nil {
		return WebhookDelivery{}, err
	}
	d.Payload = []byte(payload)
	d.NextRetryAt = timeOrZero(nextRetry)
	d.CreatedAt = timeOrZero(created)
	d.CompletedAt = timeOrZero(completed)
	return d, nil
}
