package keeper

import (
	"context"
	"math/big"

	"AgentFuel/internal/credits"
	"AgentFuel/internal/quota"
)

// One-shot entry points backing the CLI subcommands. Each runs a single
// phase against a fresh snapshot instead of the full cycle.

// ClaimableFees reads the currently claimable fee balance in wei.
func (k *Keeper) ClaimableFees(ctx context.Context) (*big.Int, error) {
	claimable, _, err := k.readVaultAndHoldings(ctx)
	return claimable, err
}

// Holdings reads the agent's token holdings and resolves its tier.
func (k *Keeper) Holdings(ctx context.Context) (*big.Int, quota.Tier, error) {
	_, holdings, err := k.readVaultAndHoldings(ctx)
	if err != nil {
		return nil, quota.Tier{}, err
	}
	return holdings, k.resolver.TierFor(holdings), nil
}

// CreditBalance reads the remote credit balance.
func (k *Keeper) CreditBalance(ctx context.Context) (credits.Balance, error) {
	return k.credits.Balance(ctx, k.cfg.Agent)
}

// ClaimOnce runs the claim phase once, ignoring the minimum-claim threshold.
// Degraded outcomes surface as errors here: a one-shot has no later phase to
// fall through to.
func (k *Keeper) ClaimOnce(ctx context.Context) (Report, error) {
	snapshot, err := k.gather(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Cycle: k.state.begin(), FeesWei: snapshot.ClaimableWei}
	if err := k.claim(ctx, k.log, snapshot, &report); err != nil {
		return report, err
	}
	return report, nil
}

// PurchaseOnce buys the given credit amount once, bypassing the low-balance
// trigger but not the safety gate.
func (k *Keeper) PurchaseOnce(ctx context.Context, amount *big.Rat) (Report, error) {
	snapshot, err := k.gather(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Cycle: k.state.begin(), CreditsRemaining: snapshot.Credits.Remaining()}
	if err := k.fund(ctx, k.log, snapshot, amount, &report); err != nil {
		return report, err
	}
	return report, nil
}
