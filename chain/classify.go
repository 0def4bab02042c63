package chain

import (
	"context"

	"github.com/koracle-dev/koracle/internal/utils"
)

// poolPrograms is the allow-set of AMM/DEX program identifiers whose
// accounts count as liquidity pools rather than holders.
var poolPrograms = map[string]string{
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "Raydium AMM v4",
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK": "Raydium CLMM",
	"CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C": "Raydium CPMM",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "Orca Whirlpool",
	"9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP": "Orca Token Swap v2",
	"Eo7WjKq67rjJQSZxS6z3YkapzY3eMj6Xy8X5EQVn5UaB": "Meteora DLMM",
	"LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo":  "Meteora Pools",
	"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA":  "Pump.fun AMM",
	"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P":  "Pump.fun Bonding Curve",
}

// ClassifyAddresses checks each address's owner program against the
// AMM allow-set via batched multi-account reads. Results are memoized
// for an hour.
func (c *Client) ClassifyAddresses(ctx context.Context, addrs []string) (map[string]Classification, error) {
	result := make(map[string]Classification, len(addrs))
	var missing []string
	for _, addr := range addrs {
		if cl, ok := c.classifications.Get(addr); ok {
			result[addr] = cl
		} else {
			missing = append(missing, addr)
		}
	}

	for start := 0; start < len(missing); start += classifyBatchSize {
		end := start + classifyBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		var resp struct {
			Value []*struct {
				Owner string `json:"owner"`
			} `json:"value"`
		}
		err := c.call(ctx, "getMultipleAccounts", []any{
			batch,
			map[string]any{"encoding": "base64"},
		}, &resp)
		if err != nil {
			return nil, utils.AddContext(err, "couldn't classify addresses")
		}

		for i, addr := range batch {
			var cl Classification
			if i < len(resp.Value) && resp.Value[i] != nil {
				if program, ok := poolPrograms[resp.Value[i].Owner]; ok {
					cl = Classification{IsPool: true, Program: program}
				}
			}
			c.classifications.Add(addr, cl)
			result[addr] = cl
		}
	}
	return result, nil
}
