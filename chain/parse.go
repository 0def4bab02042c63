package chain

import (
	"math/big"
	"sort"
	"time"

	"github.com/koracle-dev/koracle/internal/utils"
	"github.com/koracle-dev/koracle/kdb"
)

// ParseTransaction diffs the pre and post token balances of a raw
// transaction for the given mint and emits one balance change per
// affected owner. Failed transactions produce nothing.
func ParseTransaction(raw RawTransaction, mint string) []kdb.BalanceChange {
	if raw.Failed() {
		return nil
	}
	deltas := balanceDeltas(raw, mint)
	if len(deltas) == 0 {
		return nil
	}

	blockTime := time.Unix(raw.BlockTime, 0).UTC()
	changes := make([]kdb.BalanceChange, 0, len(deltas))
	for _, owner := range sortedOwners(deltas) {
		changes = append(changes, kdb.BalanceChange{
			Mint:      mint,
			Wallet:    owner,
			Slot:      raw.Slot,
			BlockTime: blockTime,
			Amount:    deltas[owner],
			Signature: raw.Signature(),
		})
	}
	return changes
}

// balanceDeltas returns post minus pre per owner for one mint,
// dropping zero deltas.
func balanceDeltas(raw RawTransaction, mint string) map[string]*big.Int {
	deltas := make(map[string]*big.Int)
	for _, tb := range raw.Meta.PreTokenBalances {
		if tb.Mint != mint || tb.Owner == "" {
			continue
		}
		amount, err := utils.ParseAmount(tb.UITokenAmount.Amount)
		if err != nil {
			continue
		}
		delta, ok := deltas[tb.Owner]
		if !ok {
			delta = new(big.Int)
			deltas[tb.Owner] = delta
		}
		delta.Sub(delta, amount)
	}
	for _, tb := range raw.Meta.PostTokenBalances {
		if tb.Mint != mint || tb.Owner == "" {
			continue
		}
		amount, err := utils.ParseAmount(tb.UITokenAmount.Amount)
		if err != nil {
			continue
		}
		delta, ok := deltas[tb.Owner]
		if !ok {
			delta = new(big.Int)
			deltas[tb.Owner] = delta
		}
		delta.Add(delta, amount)
	}
	for owner, delta := range deltas {
		if delta.Sign() == 0 {
			delete(deltas, owner)
		}
	}
	return deltas
}

// postBalance returns the owner's balance of a mint after the
// transaction, and whether the transaction touched it.
func postBalance(raw RawTransaction, mint, owner string) (*big.Int, bool) {
	total := new(big.Int)
	found := false
	for _, tb := range raw.Meta.PostTokenBalances {
		if tb.Mint != mint || tb.Owner != owner {
			continue
		}
		amount, err := utils.ParseAmount(tb.UITokenAmount.Amount)
		if err != nil {
			continue
		}
		total.Add(total, amount)
		found = true
	}
	return total, found
}

// mintsTouched lists the mints whose balances changed for the owner.
func mintsTouched(raw RawTransaction, owner string) []string {
	seen := make(map[string]struct{})
	for _, tb := range raw.Meta.PreTokenBalances {
		if tb.Owner == owner {
			seen[tb.Mint] = struct{}{}
		}
	}
	for _, tb := range raw.Meta.PostTokenBalances {
		if tb.Owner == owner {
			seen[tb.Mint] = struct{}{}
		}
	}
	mints := make([]string, 0, len(seen))
	for mint := range seen {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

func sortedOwners(deltas map[string]*big.Int) []string {
	owners := make([]string, 0, len(deltas))
	for owner := range deltas {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// ParseWebhookEvents converts an inbound webhook batch into balance
// changes for the given mint. Events of non-transfer types and
// transfers of other mints are skipped. One transfer yields a
// negative change for the sender and a positive one for the receiver.
func ParseWebhookEvents(events []WebhookEvent, mint string, decimals int) []kdb.BalanceChange {
	var changes []kdb.BalanceChange
	for _, ev := range events {
		if ev.Type != "TRANSFER" {
			continue
		}
		blockTime := time.Unix(ev.Timestamp, 0).UTC()
		for _, tr := range ev.TokenTransfers {
			if tr.Mint != mint {
				continue
			}
			amount := utils.TokensFromFloat(tr.TokenAmount, decimals)
			if amount.Sign() <= 0 {
				continue
			}
			if tr.FromUserAccount != "" {
				changes = append(changes, kdb.BalanceChange{
					Mint:      mint,
					Wallet:    tr.FromUserAccount,
					Slot:      ev.Slot,
					BlockTime: blockTime,
					Amount:    new(big.Int).Neg(amount),
					Signature: ev.Signature,
				})
			}
			if tr.ToUserAccount != "" {
				changes = append(changes, kdb.BalanceChange{
					Mint:      mint,
					Wallet:    tr.ToUserAccount,
					Slot:      ev.Slot,
					BlockTime: blockTime,
					Amount:    amount,
					Signature: ev.Signature,
				})
			}
		}
	}
	return changes
}
