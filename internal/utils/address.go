package utils

import (
	"strings"

	"github.com/mr-tron/base58"
)

// IsValidAddress reports whether addr is a well-formed Solana address:
// base58, decoding to exactly 32 bytes.
func IsValidAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	b, err := base58.Decode(addr)
	if err != nil {
		return false
	}
	return len(b) == 32
}

// MatchesSuffix reports whether the mint ends with one of the given
// suffixes. The comparison is case-insensitive.
func MatchesSuffix(mint string, suffixes []string) bool {
	lower := strings.ToLower(mint)
	for _, sfx := range suffixes {
		if strings.HasSuffix(lower, strings.ToLower(sfx)) {
			return true
		}
	}
	return false
}
