package quota

import (
	"context"
	"math/big"
	"testing"
)

func testResolver(t *testing.T, tiers []Tier) *Resolver {
	t.Helper()
	resolver, err := NewResolver(tiers)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver
}

func TestTierForBoundaryIsInclusive(t *testing.T) {
	resolver := testResolver(t, DefaultTiers())

	exact := MustParseAmount("10000")
	if got := resolver.TierFor(exact); got.Name != "Basic" {
		t.Fatalf("balance exactly on the threshold must resolve to Basic, got %s", got.Name)
	}

	below := MustParseAmount("9999.999999")
	if got := resolver.TierFor(below); got.Name != "Free" {
		t.Fatalf("balance just below the threshold must resolve to Free, got %s", got.Name)
	}
}

func TestTierForDefaultsTable(t *testing.T) {
	resolver := testResolver(t, DefaultTiers())
	cases := []struct {
		balance string
		name    string
		quota   int
	}{
		{"0", "Free", 10},
		{"9999", "Free", 10},
		{"10000", "Basic", 100},
		{"99999", "Basic", 100},
		{"100000", "Pro", 1000},
		{"1000000", "Elite", Unlimited},
		{"5000000", "Elite", Unlimited},
	}
	for _, tc := range cases {
		got := resolver.TierFor(MustParseAmount(tc.balance))
		if got.Name != tc.name || got.DailyQuota != tc.quota {
			t.Fatalf("balance %s resolved to %s/%d, want %s/%d",
				tc.balance, got.Name, got.DailyQuota, tc.name, tc.quota)
		}
	}
}

func TestTierForIsMonotonic(t *testing.T) {
	resolver := testResolver(t, DefaultTiers())
	rank := map[string]int{"Free": 0, "Basic": 1, "Pro": 2, "Elite": 3}

	balances := []string{"0", "1", "9999", "10000", "50000", "100000", "999999", "1000000", "2000000"}
	previous := -1
	for _, balance := range balances {
		tier := resolver.TierFor(MustParseAmount(balance))
		if rank[tier.Name] < previous {
			t.Fatalf("tier regressed at balance %s: %s", balance, tier.Name)
		}
		previous = rank[tier.Name]
	}
}

func TestNewResolverSortsUnorderedTable(t *testing.T) {
	resolver := testResolver(t, []Tier{
		{Name: "Mid", MinHoldings: big.NewInt(500), DailyQuota: 50},
		{Name: "Floor", MinHoldings: big.NewInt(0), DailyQuota: 5},
		{Name: "Top", MinHoldings: big.NewInt(1000), DailyQuota: Unlimited},
	})
	if got := resolver.TierFor(big.NewInt(750)); got.Name != "Mid" {
		t.Fatalf("unordered table resolved 750 to %s, want Mid", got.Name)
	}
	if got := resolver.Tiers()[0].Name; got != "Top" {
		t.Fatalf("expected highest tier first after normalisation, got %s", got)
	}
}

func TestNewResolverRejectsBadTables(t *testing.T) {
	if _, err := NewResolver(nil); err == nil {
		t.Fatal("empty table must be rejected")
	}
	if _, err := NewResolver([]Tier{
		{Name: "A", MinHoldings: big.NewInt(100), DailyQuota: 1},
	}); err == nil {
		t.Fatal("table without a zero floor must be rejected")
	}
	if _, err := NewResolver([]Tier{
		{Name: "A", MinHoldings: big.NewInt(0), DailyQuota: 1},
		{Name: "B", MinHoldings: big.NewInt(0), DailyQuota: 2},
	}); err == nil {
		t.Fatal("duplicate thresholds must be rejected")
	}
}

func TestTierForNegativeBalanceFallsToFloor(t *testing.T) {
	resolver := testResolver(t, DefaultTiers())
	if got := resolver.TierFor(big.NewInt(-1)); got.Name != "Free" {
		t.Fatalf("negative balance resolved to %s, want Free", got.Name)
	}
	if got := resolver.TierFor(nil); got.Name != "Free" {
		t.Fatalf("nil balance resolved to %s, want Free", got.Name)
	}
}

func TestParseAmount(t *testing.T) {
	value, err := ParseAmount("1.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if value.Cmp(want) != 0 {
		t.Fatalf("parsed 1.5 to %s, want %s", value, want)
	}

	if _, err := ParseAmount("not-a-number"); err == nil {
		t.Fatal("garbage input must fail")
	}
	if _, err := ParseAmount("0.0000000000000000001"); err == nil {
		t.Fatal("sub-base-unit precision must fail")
	}
}

func TestMemoryUsageTracksPerIdentityAndDay(t *testing.T) {
	store := NewMemoryUsage()
	ctx := context.Background()

	if _, err := store.Consume(ctx, "0xabc", 3); err != nil {
		t.Fatalf("consume: %v", err)
	}
	total, err := store.Consume(ctx, "0xabc", 2)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected running total 5, got %d", total)
	}

	other, err := store.UsedToday(ctx, "0xdef")
	if err != nil {
		t.Fatalf("used today: %v", err)
	}
	if other != 0 {
		t.Fatalf("identities must not share counters, got %d", other)
	}
}

func TestRemaining(t *testing.T) {
	basic := Tier{Name: "Basic", MinHoldings: big.NewInt(0), DailyQuota: 100}
	if got := Remaining(basic, 40); got != 60 {
		t.Fatalf("expected 60 remaining, got %d", got)
	}
	if got := Remaining(basic, 150); got != 0 {
		t.Fatalf("overspent quota must clamp to 0, got %d", got)
	}
	elite := Tier{Name: "Elite", MinHoldings: big.NewInt(0), DailyQuota: Unlimited}
	if got := Remaining(elite, 1_000_000); got != Unlimited {
		t.Fatalf("unlimited tier must stay unlimited, got %d", got)
	}
}
