package quota

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tier is a user's subscription level.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// Unlimited is the Limit reported for tiers without a daily ceiling.
const Unlimited = -1

var tierLimits = map[Tier]int{
	TierFree:  3,
	TierBasic: 10,
	TierPro:   Unlimited,
}

// ParseTier converts a configuration or API value into a Tier.
func ParseTier(value string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := tierLimits[tier]; !ok {
		return "", fmt.Errorf("unknown tier %q", value)
	}
	return tier, nil
}

// Limit returns the number of generations allowed per day, or Unlimited.
// Unknown tiers get zero, matching a tier with no admissions at all.
func (t Tier) Limit() int {
	return tierLimits[t]
}

// Allows reports whether a user at count generations today may start another.
func (t Tier) Allows(count int) bool {
	limit := t.Limit()
	if limit == Unlimited {
		return true
	}
	return count < limit
}

// Title returns the display form of the tier, e.g. "Pro".
func (t Tier) Title() string {
	return cases.Title(language.English).String(string(t))
}

// Upgrade returns the tier above t. Pro has nowhere to go.
func (t Tier) Upgrade() (Tier, bool) {
	switch t {
	case TierFree:
		return TierBasic, true
	case TierBasic:
		return TierPro, true
	default:
		return "", false
	}
}
