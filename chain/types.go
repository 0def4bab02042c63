// Package chain translates between the upstream Solana indexer
// (RPC methods and signed webhook events) and the oracle's internal
// balance-change records.
package chain

import (
	"math/big"
	"time"
)

// A HolderBalance is one row of a token holder scan.
type HolderBalance struct {
	Owner   string
	Balance *big.Int
}

// TokenInfo aggregates what is known about a mint. Fields are
// independently optional; a partial upstream failure leaves them at
// their zero values.
type TokenInfo struct {
	Supply      *big.Int
	Decimals    int
	PriceUSD    float64
	PriceNative float64
	Liquidity   float64
	MarketCap   float64
}

// A SignatureInfo pairs a transaction signature with its slot.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// A Position summarizes a wallet's history in one mint, reconstructed
// by walking the wallet's transactions backwards in time.
type Position struct {
	FirstBuyAmount *big.Int
	TotalBought    *big.Int
	TotalSold      *big.Int
	Current        *big.Int
	TxCount        int
	LastTxTime     time.Time
}

// A Classification describes whether an address belongs to a known
// AMM/DEX program.
type Classification struct {
	IsPool  bool   `json:"isPool"`
	Program string `json:"program,omitempty"`
}

// tokenBalance mirrors the pre/post token balance entries of a raw
// transaction.
type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"uiTokenAmount"`
}

// A RawTransaction is the getTransaction response shape the parser
// consumes.
type RawTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"blockTime"`
	Meta      struct {
		Err               any            `json:"err"`
		PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

// Signature returns the transaction's primary signature.
func (tx *RawTransaction) Signature() string {
	if len(tx.Transaction.Signatures) == 0 {
		return ""
	}
	return tx.Transaction.Signatures[0]
}

// Failed reports whether the transaction errored on chain.
func (tx *RawTransaction) Failed() bool {
	return tx.Meta.Err != nil
}

// A WebhookEvent is one entry of an inbound signed webhook batch.
type WebhookEvent struct {
	Type           string          `json:"type"`
	Slot           uint64          `json:"slot"`
	Signature      string          `json:"signature"`
	Timestamp      int64           `json:"timestamp"`
	TokenTransfers []TokenTransfer `json:"tokenTransfers"`
}

// A TokenTransfer is one parsed transfer inside a webhook event. The
// amount arrives as a UI amount and is scaled back to raw units by the
// mint's decimals.
type TokenTransfer struct {
	Mint            string  `json:"mint"`
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	TokenAmount     float64 `json:"tokenAmount"`
}
