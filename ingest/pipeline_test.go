package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/koracle-dev/koracle/fanout"
	"github.com/koracle-dev/koracle/kdb"
	"github.com/koracle-dev/koracle/kmetric"
	"github.com/koracle-dev/koracle/persist"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPipeline(t *testing.T, cfg *persist.Config) (*kdb.Store, *Pipeline) {
	t.Helper()
	s, err := kdb.NewStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.MinBalance == nil {
		cfg.MinBalance = big.NewInt(1)
	}
	if cfg.MinUSD == 0 {
		cfg.MinUSD = 1.0
	}

	log := zap.NewNop()
	calc := kmetric.NewCalculator(s, cfg, log)
	hub := fanout.NewHub(log)
	t.Cleanup(hub.Close)
	dispatcher := fanout.NewDispatcher(s, log)
	t.Cleanup(dispatcher.Close)

	return s, NewPipeline(s, calc, hub, dispatcher, cfg, log)
}

func bc(wallet, sig string, slot uint64, amount int64) kdb.BalanceChange {
	return kdb.BalanceChange{
		Mint:      "MINT",
		Wallet:    wallet,
		Slot:      slot,
		BlockTime: time.Unix(int64(1700000000+slot), 0).UTC(),
		Amount:    big.NewInt(amount),
		Signature: sig,
	}
}

func TestApplyBatchOrdering(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	// The sell arrives before the buy; slot order puts it first, the
	// zero floor absorbs it, and the buy lands cleanly.
	applied, err := p.ApplyBatch([]kdb.BalanceChange{
		bc("alice", "sig2", 20, 100),
		bc("alice", "sig1", 10, -50),
	})
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	w, err := s.Wallet("alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.CurrentBalance.Int64())
	require.EqualValues(t, 20, w.LastSlot)
}

func TestApplyBatchReplay(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	batch := []kdb.BalanceChange{
		bc("alice", "sig1", 10, 100),
		bc("bob", "sig1", 10, -100),
	}
	applied, err := p.ApplyBatch(batch)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	// Replaying the same batch is harmless: the push and pull paths
	// may both hand over the same transactions.
	applied, err = p.ApplyBatch(batch)
	require.NoError(t, err)
	require.Zero(t, applied)

	w, err := s.Wallet("alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.CurrentBalance.Int64())

	count, err := s.TransactionCount()
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestApplyBatchSlotGuard(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	applied, err := p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig2", 20, 100)})
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// A late-arriving older change is recorded but does not move the
	// wallet backwards.
	applied, err = p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig1", 10, 999)})
	require.NoError(t, err)
	require.Zero(t, applied)

	w, err := s.Wallet("alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), w.CurrentBalance.Int64())

	count, err := s.TransactionCount()
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestApplyBatchEnqueuesWallet(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	_, err := p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig1", 10, 100)})
	require.NoError(t, err)

	queued, err := s.KWalletQueue().Contains("alice")
	require.NoError(t, err)
	require.True(t, queued)
}

func TestKChangeEvents(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT", KAlertThreshold: 50})

	// Establish a baseline; without one the first score only seeds it.
	p.lastK = 0

	kSub, err := s.CreateSubscription(1, "https://example.com/k", []string{fanout.EventKChange}, "s1")
	require.NoError(t, err)
	alertSub, err := s.CreateSubscription(1, "https://example.com/alert", []string{fanout.EventThresholdAlert}, "s2")
	require.NoError(t, err)

	// One maintained holder pushes K from 0 to 100, crossing the
	// alert threshold on the way.
	_, err = p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig1", 10, 100)})
	require.NoError(t, err)

	deliveries, err := s.Deliveries(kSub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, fanout.EventKChange, deliveries[0].EventType)
	require.Contains(t, string(deliveries[0].Payload), `"new_k":100`)
	require.Contains(t, string(deliveries[0].Payload), `"direction":"up"`)

	deliveries, err = s.Deliveries(alertSub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, fanout.EventThresholdAlert, deliveries[0].EventType)
	require.Contains(t, string(deliveries[0].Payload), `"threshold":50`)
}

func TestHolderEvents(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	newSub, err := s.CreateSubscription(1, "https://example.com/new", []string{fanout.EventHolderNew}, "s1")
	require.NoError(t, err)
	exitSub, err := s.CreateSubscription(1, "https://example.com/exit", []string{fanout.EventHolderExit}, "s2")
	require.NoError(t, err)

	_, err = p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig1", 10, 100)})
	require.NoError(t, err)

	deliveries, err := s.Deliveries(newSub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Contains(t, string(deliveries[0].Payload), `"address":"alice"`)
	require.Contains(t, string(deliveries[0].Payload), `"balance":"100"`)

	_, err = p.ApplyBatch([]kdb.BalanceChange{bc("alice", "sig2", 11, -100)})
	require.NoError(t, err)

	deliveries, err = s.Deliveries(exitSub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Contains(t, string(deliveries[0].Payload), `"previous_balance":"100"`)
}

func TestHolderExitOversell(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT"})

	exitSub, err := s.CreateSubscription(1, "https://example.com/exit", []string{fanout.EventHolderExit}, "s1")
	require.NoError(t, err)

	_, err = p.ApplyBatch([]kdb.BalanceChange{bc("bob", "sig1", 10, 100)})
	require.NoError(t, err)

	// A sell larger than the tracked balance still reports what the
	// holder actually held, not the sell size.
	_, err = p.ApplyBatch([]kdb.BalanceChange{bc("bob", "sig2", 11, -250)})
	require.NoError(t, err)

	deliveries, err := s.Deliveries(exitSub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Contains(t, string(deliveries[0].Payload), `"previous_balance":"100"`)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook(t *testing.T) {
	s, p := newTestPipeline(t, &persist.Config{
		TokenMint:           "MINT",
		TokenDecimals:       6,
		HeliusWebhookSecret: "topsecret",
	})

	body := []byte(`[{
		"type": "TRANSFER",
		"slot": 100,
		"signature": "sig1",
		"timestamp": 1700000000,
		"tokenTransfers": [
			{"mint": "MINT", "fromUserAccount": "alice", "toUserAccount": "bob", "tokenAmount": 1.5}
		]
	}]`)

	applied, err := p.HandleWebhook(body, sign("topsecret", body))
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	w, err := s.Wallet("bob")
	require.NoError(t, err)
	require.Equal(t, int64(1500000), w.CurrentBalance.Int64())
}

func TestHandleWebhookBadSignature(t *testing.T) {
	_, p := newTestPipeline(t, &persist.Config{
		TokenMint:           "MINT",
		HeliusWebhookSecret: "topsecret",
	})

	body := []byte(`[]`)
	_, err := p.HandleWebhook(body, sign("wrong", body))
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = p.HandleWebhook(body, "")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestHandleWebhookNoSecret(t *testing.T) {
	// Production refuses unverifiable payloads.
	_, p := newTestPipeline(t, &persist.Config{TokenMint: "MINT", Production: true})
	_, err := p.HandleWebhook([]byte(`[]`), "")
	require.ErrorIs(t, err, ErrNoSecret)

	// Development accepts them to ease local testing.
	_, p = newTestPipeline(t, &persist.Config{TokenMint: "MINT"})
	applied, err := p.HandleWebhook([]byte(`[]`), "")
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	require.True(t, VerifySignature("secret", body, sign("secret", body)))
	require.False(t, VerifySignature("secret", body, sign("other", body)))
	require.False(t, VerifySignature("secret", body, ""))
}
