package kdb

import "fmt"

// A Tier determines the rate-limit ceilings of a caller and which
// tier-filtered broadcasts it receives.
type Tier string

// The known tiers, in ascending order of privilege.
const (
	TierPublic   Tier = "public"
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierInternal Tier = "internal"
)

var tierLevels = map[Tier]int{
	TierPublic:   0,
	TierFree:     1,
	TierStandard: 2,
	TierPremium:  3,
	TierInternal: 4,
}

// Level returns the ordinal rank of the tier. Unknown tiers rank as
// public.
func (t Tier) Level() int {
	return tierLevels[t]
}

// Limits returns the per-minute and per-day request ceilings of the
// tier. A negative limit means unlimited.
func (t Tier) Limits() (perMinute, perDay int) {
	switch t {
	case TierFree:
		return 500, 50000
	case TierStandard:
		return 1000, 100000
	case TierPremium:
		return 5000, 500000
	case TierInternal:
		return -1, -1
	default:
		return 100, 10000
	}
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLevels[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
