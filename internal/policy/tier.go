package policy

import (
	"errors"
	"strings"
)

type Tier string

const (
	TierLow     Tier = "low"
	TierMedium  Tier = "medium"
	TierHigh    Tier = "high"
	TierPremium Tier = "premium"
)

var ErrUnknownTier = errors.New("unknown priority tier")

// Multiplier scales MaxRequests and Burst for users of the tier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierLow:
		return 0.5
	case TierHigh:
		return 1.5
	case TierPremium:
		return 2.0
	default:
		return 1.0
	}
}

func ParseTier(v string) (Tier, error) {
	switch tier := Tier(strings.ToLower(strings.TrimSpace(v))); tier {
	case TierLow, TierMedium, TierHigh, TierPremium:
		return tier, nil
	}
	return "", ErrUnknownTier
}
