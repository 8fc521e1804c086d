// Package quota derives task-execution capacity from token holdings. A fixed
// ordered tier table maps a balance to a named access class and its daily
// quota; a usage store tracks consumption per identity and day.
package quota

import (
	"math/big"
	"sort"
	"strings"

	xerrors "AgentFuel/internal/errors"
)

// Unlimited marks a tier without a daily cap.
const Unlimited = -1

// holdingsDecimals is the token's base-unit precision.
const holdingsDecimals = 18

// Tier is one access class. Immutable once the resolver is built.
type Tier struct {
	Name string
	// MinHoldings is the inclusive lower bound in token base units.
	MinHoldings *big.Int
	// DailyQuota is the number of tasks per day, Unlimited for no cap.
	DailyQuota int
}

// Resolver answers tier lookups. Resolution is total: the table always
// contains a zero-threshold floor tier.
type Resolver struct {
	tiers []Tier
}

// NewResolver normalises and validates a tier table. Input order does not
// matter; thresholds must be distinct and include zero.
func NewResolver(tiers []Tier) (*Resolver, error) {
	if len(tiers) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tier table is empty")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinHoldings.Cmp(sorted[j].MinHoldings) > 0
	})

	for i, tier := range sorted {
		if tier.MinHoldings == nil || tier.MinHoldings.Sign() < 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "tier %q has an invalid threshold", tier.Name)
		}
		if i > 0 && tier.MinHoldings.Cmp(sorted[i-1].MinHoldings) == 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "duplicate tier threshold %s", tier.MinHoldings)
		}
	}
	if sorted[len(sorted)-1].MinHoldings.Sign() != 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tier table needs a zero-threshold floor")
	}
	return &Resolver{tiers: sorted}, nil
}

// TierFor returns the highest tier whose threshold the balance covers. A
// balance exactly on a threshold belongs to that tier, not the one below.
func (r *Resolver) TierFor(balance *big.Int) Tier {
	if balance == nil || balance.Sign() < 0 {
		return r.tiers[len(r.tiers)-1]
	}
	for _, tier := range r.tiers {
		if tier.MinHoldings.Cmp(balance) <= 0 {
			return tier
		}
	}
	return r.tiers[len(r.tiers)-1]
}

// Tiers returns a copy of the normalised table, highest first.
func (r *Resolver) Tiers() []Tier {
	out := make([]Tier, len(r.tiers))
	copy(out, r.tiers)
	return out
}

// DefaultTiers is the shipped access table, thresholds in whole tokens.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Free", MinHoldings: big.NewInt(0), DailyQuota: 10},
		{Name: "Basic", MinHoldings: MustParseAmount("10000"), DailyQuota: 100},
		{Name: "Pro", MinHoldings: MustParseAmount("100000"), DailyQuota: 1000},
		{Name: "Elite", MinHoldings: MustParseAmount("1000000"), DailyQuota: Unlimited},
	}
}

// ParseAmount converts a decimal token amount into base units.
func ParseAmount(amount string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid token amount %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(holdingsDecimals), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "amount %q exceeds %d decimal places", amount, holdingsDecimals)
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// MustParseAmount is ParseAmount for static tables.
func MustParseAmount(amount string) *big.Int {
	value, err := ParseAmount(amount)
	if err != nil {
		panic(err)
	}
	return value
}

// Remaining returns how much of the tier's daily quota is left given the
// amount already used, Unlimited when the tier has no cap.
func Remaining(tier Tier, used int) int {
	if tier.DailyQuota == Unlimited {
		return Unlimited
	}
	left := tier.DailyQuota - used
	if left < 0 {
		return 0
	}
	return left
}
