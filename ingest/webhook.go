package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/koracle-dev/koracle/chain"
	"github.com/koracle-dev/koracle/internal/utils"
)

// Inbound webhook errors the gateway maps to HTTP statuses.
var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrNoSecret     = errors.New("webhook secret not configured")
)

// VerifySignature checks an inbound webhook signature against the
// shared secret. The raw body is signed, so verification must happen
// before any JSON decoding.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook verifies and applies one inbound webhook batch. In
// production an unset secret refuses the payload rather than
// accepting it unverified.
func (p *Pipeline) HandleWebhook(body []byte, signature string) (int, error) {
	secret := p.cfg.HeliusWebhookSecret
	if secret == "" {
		if p.cfg.Production {
			return 0, ErrNoSecret
		}
	} else if !VerifySignature(secret, body, signature) {
		return 0, ErrBadSignature
	}

	var events []chain.WebhookEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return 0, utils.AddContext(err, "couldn't decode webhook payload")
	}
	changes := chain.ParseWebhookEvents(events, p.cfg.TokenMint, p.cfg.TokenDecimals)
	return p.ApplyBatch(changes)
}
