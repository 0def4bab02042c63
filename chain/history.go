package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	"go.uber.org/zap"
)

// historyPageSize is the signature page size of the history walk.
const historyPageSize = 100

// CrossTokenHistory reconstructs a wallet's positions across all
// mints by walking its transaction history backwards in time, at most
// maxPages signature pages deep.
//
// The walk runs newest to oldest, so each positive delta overwrites
// the recorded first buy: the last overwrite is the earliest receive.
// The current balance of a mint is taken from the newest transaction
// that touched it.
func (c *Client) CrossTokenHistory(ctx context.Context, wallet string, maxPages int) (map[string]Position, error) {
	positions := make(map[string]Position)
	before := ""
	for page := 0; page < maxPages; page++ {
		sigs, err := c.signaturesBefore(ctx, wallet, before, historyPageSize)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't walk history")
		}
		if len(sigs) == 0 {
			break
		}
		for _, sig := range sigs {
			raw, err := c.FetchTransaction(ctx, sig.Signature)
			if err != nil {
				c.log.Warn("couldn't fetch history transaction",
					zap.String("wallet", wallet),
					zap.String("signature", sig.Signature),
					zap.Error(err))
				continue
			}
			if raw.Failed() {
				continue
			}
			c.applyHistoryTx(positions, raw, wallet)
		}
		before = sigs[len(sigs)-1].Signature
		if len(sigs) < historyPageSize {
			break
		}
	}
	return positions, nil
}

func (c *Client) applyHistoryTx(positions map[string]Position, raw RawTransaction, wallet string) {
	blockTime := time.Unix(raw.BlockTime, 0).UTC()
	for _, mint := range mintsTouched(raw, wallet) {
		deltas := balanceDeltas(raw, mint)
		delta, ok := deltas[wallet]
		if !ok {
			continue
		}

		pos, seen := positions[mint]
		if !seen {
			pos = Position{
				FirstBuyAmount: new(big.Int),
				TotalBought:    new(big.Int),
				TotalSold:      new(big.Int),
				Current:        new(big.Int),
			}
			// The newest transaction fixes the current balance.
			if post, found := postBalance(raw, mint, wallet); found {
				pos.Current = post
			}
			pos.LastTxTime = blockTime
		}

		if delta.Sign() > 0 {
			// Walking backwards, so an earlier receive replaces a
			// later one as the first buy.
			pos.FirstBuyAmount = new(big.Int).Set(delta)
			pos.TotalBought = new(big.Int).Add(pos.TotalBought, delta)
		} else {
			pos.TotalSold = new(big.Int).Sub(pos.TotalSold, delta)
		}
		pos.TxCount++
		positions[mint] = pos
	}
}
