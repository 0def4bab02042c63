package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rpcStub serves canned JSON-RPC results keyed by method.
type rpcStub struct {
	results map[string]any
	calls   atomic.Int64
}

func (st *rpcStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st.calls.Add(1)
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		result, ok := st.results[req.Method]
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": result})
	}
}

func newTestClient(t *testing.T, st *rpcStub) *Client {
	t.Helper()
	srv := httptest.NewServer(st.handler())
	t.Cleanup(srv.Close)
	return &Client{
		rpcURL:          srv.URL,
		http:            srv.Client(),
		limiter:         rate.NewLimiter(rate.Inf, 1),
		log:             zap.NewNop(),
		classifications: lru.NewLRU[string, Classification](100, nil, time.Hour),
	}
}

func TestFetchWalletBalance(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getTokenAccountsByOwner": map[string]any{
			"value": []any{
				map[string]any{"account": map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{"tokenAmount": map[string]any{"amount": "100"}}}}}},
				map[string]any{"account": map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{"tokenAmount": map[string]any{"amount": "250"}}}}}},
			},
		},
	}}
	c := newTestClient(t, st)

	balance, err := c.FetchWalletBalance(context.Background(), "wallet", "mint")
	require.NoError(t, err)
	require.Equal(t, int64(350), balance.Int64())
}

func TestFetchHolders(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getTokenAccounts": map[string]any{
			"token_accounts": []any{
				map[string]any{"owner": "alice", "amount": 100},
				map[string]any{"owner": "alice", "amount": 50},
				map[string]any{"owner": "bob", "amount": 200},
				map[string]any{"owner": "empty", "amount": 0},
			},
		},
	}}
	c := newTestClient(t, st)

	holders, err := c.FetchHolders(context.Background(), "mint")
	require.NoError(t, err)
	require.Len(t, holders, 2)

	byOwner := make(map[string]int64)
	for _, h := range holders {
		byOwner[h.Owner] = h.Balance.Int64()
	}
	// Split token accounts aggregate per owner; empty accounts drop.
	require.Equal(t, int64(150), byOwner["alice"])
	require.Equal(t, int64(200), byOwner["bob"])
}

func TestFetchTokenInfo(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getAsset": map[string]any{
			"token_info": map[string]any{
				"supply":     "1000000000",
				"decimals":   6,
				"price_info": map[string]any{"price_per_token": 0.042},
			},
		},
	}}
	c := newTestClient(t, st)

	info, err := c.FetchTokenInfo(context.Background(), "mint")
	require.NoError(t, err)
	require.Equal(t, 6, info.Decimals)
	require.Equal(t, 0.042, info.PriceUSD)
	require.Equal(t, int64(1000000000), info.Supply.Int64())
}

func TestClassifyAddresses(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getMultipleAccounts": map[string]any{
			"value": []any{
				map[string]any{"owner": "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"},
				map[string]any{"owner": "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"},
				nil,
			},
		},
	}}
	c := newTestClient(t, st)

	classes, err := c.ClassifyAddresses(context.Background(), []string{"pool", "holder", "missing"})
	require.NoError(t, err)
	require.True(t, classes["pool"].IsPool)
	require.Equal(t, "Raydium AMM v4", classes["pool"].Program)
	require.False(t, classes["holder"].IsPool)
	require.False(t, classes["missing"].IsPool)

	// A repeat lookup is served from the memo, not the wire.
	before := st.calls.Load()
	classes, err = c.ClassifyAddresses(context.Background(), []string{"pool", "holder"})
	require.NoError(t, err)
	require.True(t, classes["pool"].IsPool)
	require.Equal(t, before, st.calls.Load())
}

func TestFetchTransactionFillsSignature(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getTransaction": map[string]any{
			"slot":        77,
			"blockTime":   1700000000,
			"meta":        map[string]any{"err": nil},
			"transaction": map[string]any{"signatures": []any{}},
		},
	}}
	c := newTestClient(t, st)

	raw, err := c.FetchTransaction(context.Background(), "sigX")
	require.NoError(t, err)
	require.EqualValues(t, 77, raw.Slot)
	require.Equal(t, "sigX", raw.Signature())
}

func TestSignaturesSince(t *testing.T) {
	st := &rpcStub{results: map[string]any{
		"getSignaturesForAddress": []any{
			map[string]any{"signature": "sig2", "slot": 20},
			map[string]any{"signature": "sig1", "slot": 10},
		},
	}}
	c := newTestClient(t, st)

	sigs, err := c.SignaturesSince(context.Background(), "mint", 100)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, "sig2", sigs[0].Signature)
	require.EqualValues(t, 20, sigs[0].Slot)
}

func TestCallUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	c := &Client{
		rpcURL:          srv.URL,
		http:            srv.Client(),
		limiter:         rate.NewLimiter(rate.Inf, 1),
		log:             zap.NewNop(),
		classifications: lru.NewLRU[string, Classification](100, nil, time.Hour),
	}

	// 4xx answers are permanent; there is nothing to retry.
	_, err := c.FetchWalletBalance(context.Background(), "wallet", "mint")
	require.ErrorIs(t, err, ErrUpstream)
}
