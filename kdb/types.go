// Package kdb implements the durable state of the oracle: wallets,
// transactions, snapshots, sync cursors, work queues, API keys and
// webhook subscriptions, all stored in a single SQLite file.
package kdb

import (
	"math/big"
	"time"
)

// A BalanceChange is one parsed balance-changing transfer flowing
// through the ingest pipeline. Amount is a signed delta in raw units.
type BalanceChange struct {
	Mint      string
	Wallet    string
	Slot      uint64
	BlockTime time.Time
	Amount    *big.Int
	Signature string
}

// A Wallet aggregates the cost-basis state of one holder of the
// primary token.
type Wallet struct {
	Address         string    `json:"address"`
	FirstBuyTime    time.Time `json:"firstBuyTime"`
	FirstBuyAmount  *big.Int  `json:"firstBuyAmount"`
	TotalReceived   *big.Int  `json:"totalReceived"`
	TotalSent       *big.Int  `json:"totalSent"`
	CurrentBalance  *big.Int  `json:"currentBalance"`
	PeakBalance     *big.Int  `json:"peakBalance"`
	LastTxSignature string    `json:"lastTxSignature"`
	LastSlot        uint64    `json:"lastSlot"`

	// Cross-token score. KWallet is -1 until first computed.
	KWallet          int       `json:"kWallet"`
	KWalletTokens    int       `json:"kWalletTokens"`
	KWalletUpdatedAt time.Time `json:"kWalletUpdatedAt"`
	KWalletSlot      uint64    `json:"kWalletSlot"`
}

// HasKWallet reports whether a cross-token score has ever been
// computed for the wallet.
func (w *Wallet) HasKWallet() bool {
	return w.KWallet >= 0
}

// A Transaction is one durably recorded transfer.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Wallet    string
	Amount    *big.Int
}

// A Snapshot is one append-only record of the token-wide score.
type Snapshot struct {
	K            int       `json:"k"`
	Holders      int       `json:"holders"`
	Accumulators int       `json:"accumulators"`
	Maintained   int       `json:"maintained"`
	Reducers     int       `json:"reducers"`
	Extractors   int       `json:"extractors"`
	AvgHoldDays  float64   `json:"avgHoldDays"`
	CreatedAt    time.Time `json:"createdAt"`
}

// A QueueEntry is one pending unit of background work, keyed by a
// wallet address or a mint.
type QueueEntry struct {
	Key         string
	Priority    int
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	LockedUntil time.Time
}

// An APIKey identifies one caller of the oracle API. Only the hash of
// the secret is stored.
type APIKey struct {
	ID         int64     `json:"id"`
	KeyHash    string    `json:"-"`
	Name       string    `json:"name"`
	Tier       Tier      `json:"tier"`
	PerMinute  int       `json:"perMinuteLimit"`
	PerDay     int       `json:"perDayLimit"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// UsageDay is the aggregated request count of one key on one UTC day.
type UsageDay struct {
	KeyID    int64  `json:"keyId"`
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

// A WebhookSubscription registers an outbound delivery target.
type WebhookSubscription struct {
	ID              string    `json:"id"`
	APIKeyID        int64     `json:"-"`
	URL             string    `json:"url"`
	Events          []string  `json:"events"`
	Secret          string    `json:"-"`
	IsActive        bool      `json:"isActive"`
	FailureCount    int       `json:"failureCount"`
	LastTriggeredAt time.Time `json:"lastTriggeredAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Webhook delivery states.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// A WebhookDelivery is one attempt chain of delivering an event to a
// subscription. Terminal deliveries never reschedule.
type WebhookDelivery struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	EventType      string    `json:"eventType"`
	Payload        []byte    `json:"payload"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	ResponseCode   int       `json:"responseCode"`
	ResponseBody   string    `json:"responseBody"`
	NextRetryAt    time.Time `json:"nextRetryAt"`
	CreatedAt      time.Time `json:"createdAt"`
	CompletedAt    time.Time `json:"completedAt"`
}

// A TokenScore is the cached conviction score of an arbitrary mint.
type TokenScore struct {
	Mint         string    `json:"mint"`
	K            int       `json:"k"`
	Holders      int       `json:"holders"`
	Accumulators int       `json:"accumulators"`
	Maintained   int       `json:"maintained"`
	Reducers     int       `json:"reducers"`
	Extractors   int       `json:"extractors"`
	Sampled      int       `json:"sampled"`
	LastSync     time.Time `json:"lastSync"`
}

// A HolderFilter narrows down the holder list read path. The zero
// value matches every positive-balance wallet.
type HolderFilter struct {
	MinBalance     *big.Int
	KMin           int
	Classification Class
	Limit          int
}
