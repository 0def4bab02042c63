package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/koracle-dev/koracle/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// requestTimeout bounds every single upstream call.
	requestTimeout = 10 * time.Second

	// holdersPageSize is the page size of the holder scan.
	holdersPageSize = 1000

	// classifyBatchSize is the multi-account read batch size.
	classifyBatchSize = 100

	// classifyCacheTTL is how long an address classification is
	// memoized.
	classifyCacheTTL = time.Hour
)

// ErrUpstream marks permanent upstream rejections (4xx-class).
var ErrUpstream = errors.New("upstream rejected request")

// A Client talks to the upstream indexer. All outbound calls pass
// through a token bucket; transient errors retry with capped
// exponential backoff.
type Client struct {
	rpcURL  string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger

	classifications *lru.LRU[string, Classification]
}

// NewClient returns a Client for the given Helius API key.
func NewClient(apiKey string, rps float64, logger *zap.Logger) *Client {
	return &Client{
		rpcURL:          "https://mainnet.helius-rpc.com/?api-key=" + apiKey,
		http:            &http.Client{Timeout: requestTimeout},
		limiter:         rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:             logger,
		classifications: lru.NewLRU[string, Classification](10000, nil, classifyCacheTTL),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request with rate limiting and backoff.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return utils.AddContext(err, "couldn't encode request")
	}

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode))
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return utils.AddContext(err, "couldn't decode response")
		}
		if rpcResp.Error != nil {
			// Upstream rate limits sometimes surface as RPC errors.
			if rpcResp.Error.Code == -32429 {
				return rpcResp.Error
			}
			return backoff.Permanent(rpcResp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return backoff.Permanent(utils.AddContext(err, "couldn't decode result"))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = time.Minute
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// FetchHolders scans all token accounts of a mint and returns one
// balance per owner.
func (c *Client) FetchHolders(ctx context.Context, mint string) ([]HolderBalance, error) {
	type tokenAccount struct {
		Owner  string `json:"owner"`
		Amount uint64 `json:"amount"`
	}
	type page struct {
		TokenAccounts []tokenAccount `json:"token_accounts"`
	}

	byOwner := make(map[string]*big.Int)
	for pageNum := 1; ; pageNum++ {
		var result page
		err := c.call(ctx, "getTokenAccounts", map[string]any{
			"mint":  mint,
			"page":  pageNum,
			"limit": holdersPageSize,
		}, &result)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't fetch token accounts")
		}
		for _, acc := range result.TokenAccounts {
			bal, ok := byOwner[acc.Owner]
			if !ok {
				bal = new(big.Int)
				byOwner[acc.Owner] = bal
			}
			bal.Add(bal, new(big.Int).SetUint64(acc.Amount))
		}
		if len(result.TokenAccounts) < holdersPageSize {
			break
		}
	}

	holders := make([]HolderBalance, 0, len(byOwner))
	for owner, balance := range byOwner {
		if balance.Sign() > 0 {
			holders = append(holders, HolderBalance{Owner: owner, Balance: balance})
		}
	}
	return holders, nil
}

// FetchTokenInfo retrieves the supply and price data of a mint.
// Price fields may be missing; the caller treats them as optional.
func (c *Client) FetchTokenInfo(ctx context.Context, mint string) (TokenInfo, error) {
	var result struct {
		TokenInfo struct {
			Supply    json.Number `json:"supply"`
			Decimals  int         `json:"decimals"`
			PriceInfo struct {
				PricePerToken float64 `json:"price_per_token"`
			} `json:"price_info"`
		} `json:"token_info"`
	}
	err := c.call(ctx, "getAsset", map[string]any{"id": mint}, &result)
	if err != nil {
		return TokenInfo{}, utils.AddContext(err, "couldn't fetch token info")
	}

	info := TokenInfo{
		Decimals: result.TokenInfo.Decimals,
		PriceUSD: result.TokenInfo.PriceInfo.PricePerToken,
	}
	if supply, ok := new(big.Int).SetString(result.TokenInfo.Supply.String(), 10); ok {
		info.Supply = supply
	}
	return info, nil
}

// FetchWalletBalance returns the wallet's total balance of a mint
// across its token accounts.
func (c *Client) FetchWalletBalance(ctx context.Context, wallet, mint string) (*big.Int, error) {
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	err := c.call(ctx, "getTokenAccountsByOwner", []any{
		wallet,
		map[string]any{"mint": mint},
		map[string]any{"encoding": "jsonParsed"},
	}, &result)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't fetch wallet balance")
	}

	total := new(big.Int)
	for _, v := range result.Value {
		amount, ok := new(big.Int).SetString(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if ok {
			total.Add(total, amount)
		}
	}
	return total, nil
}

// SignaturesSince returns the most recent signatures touching the
// address, newest first. The caller filters by its watermark.
func (c *Client) SignaturesSince(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	var result []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []any{
		address,
		map[string]any{"limit": limit},
	}, &result)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't fetch signatures")
	}
	return result, nil
}

// signaturesBefore pages backwards through an address's history.
func (c *Client) signaturesBefore(ctx context.Context, address, before string, limit int) ([]SignatureInfo, error) {
	params := map[string]any{"limit": limit}
	if before != "" {
		params["before"] = before
	}
	var result []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []any{address, params}, &result)
	if err != nil {
		return nil, utils.AddContext(err, "couldn't fetch signatures")
	}
	return result, nil
}

// FetchTransaction retrieves one raw transaction by signature.
func (c *Client) FetchTransaction(ctx context.Context, signature string) (RawTransaction, error) {
	var raw RawTransaction
	err := c.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &raw)
	if err != nil {
		return RawTransaction{}, utils.AddContext(err, "couldn't fetch transaction")
	}
	if raw.Signature() == "" {
		raw.Transaction.Signatures = []string{signature}
	}
	return raw, nil
}
