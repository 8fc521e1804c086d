// Package safety gates every fund-moving action behind balance, gas and
// dead-zone checks. A gate rejection is not an anomaly; it is the system
// declining to act under conditions it was told not to act under.
package safety

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	xerrors "AgentFuel/internal/errors"
)

// Thresholds are the static limits the gate enforces. Zero values disable the
// corresponding check except the multiplier, which falls back to its default.
type Thresholds struct {
	// Multiplier pads the required balance before comparing against the
	// available one. Defaults to 1.2.
	Multiplier *big.Rat
	// GasCeilingWei caps the acceptable gas price. Nil or zero disables it.
	GasCeilingWei *big.Int
	// MinAmountToAct is the dead zone: actions below it are skipped, in the
	// action's own unit.
	MinAmountToAct *big.Rat
}

// DefaultMultiplier is the balance headroom factor applied when none is set.
var DefaultMultiplier = big.NewRat(6, 5)

// Verdict is the gate's answer for one proposed action.
type Verdict struct {
	// Proceed is true when the action passed every check.
	Proceed bool
	// SkipReason is set when the action was skipped without error, such as a
	// dead-zone amount.
	SkipReason string
}

func (t Thresholds) multiplier() *big.Rat {
	if t.Multiplier == nil || t.Multiplier.Sign() <= 0 {
		return DefaultMultiplier
	}
	return t.Multiplier
}

// CheckBalance verifies the available balance covers the required spend with
// headroom. available and required are in wei.
func (t Thresholds) CheckBalance(available, required *big.Int) error {
	if required == nil || required.Sign() <= 0 {
		return nil
	}
	if available == nil {
		available = big.NewInt(0)
	}
	padded := new(big.Rat).Mul(new(big.Rat).SetInt(required), t.multiplier())
	if new(big.Rat).SetInt(available).Cmp(padded) < 0 {
		return xerrors.Newf(xerrors.CodeBalanceShortfall,
			"balance %s wei below required %s wei with %s headroom",
			available, required, t.multiplier().FloatString(2))
	}
	return nil
}

// CheckGasPrice rejects a quote above the configured ceiling. The rejection
// is recoverable: gas prices come back down.
func (t Thresholds) CheckGasPrice(quote *big.Int) error {
	if t.GasCeilingWei == nil || t.GasCeilingWei.Sign() == 0 || quote == nil {
		return nil
	}
	if quote.Cmp(t.GasCeilingWei) > 0 {
		return xerrors.Newf(xerrors.CodeGasCeiling,
			"gas price %s gwei above ceiling %s gwei",
			toGwei(quote), toGwei(t.GasCeilingWei))
	}
	return nil
}

// CheckBeforeCommit runs every gate for a proposed action. amount is the
// action's size in its own unit and is compared against the dead zone;
// availableWei and requiredWei feed the balance check; gasQuote feeds the
// ceiling check. A dead-zone amount yields a skip verdict, not an error.
func (t Thresholds) CheckBeforeCommit(amount *big.Rat, availableWei, requiredWei, gasQuote *big.Int) (Verdict, error) {
	if t.MinAmountToAct != nil && amount != nil && amount.Cmp(t.MinAmountToAct) < 0 {
		return Verdict{SkipReason: "amount " + amount.FloatString(6) + " below action minimum " + t.MinAmountToAct.FloatString(6)}, nil
	}
	if err := t.CheckGasPrice(gasQuote); err != nil {
		return Verdict{}, err
	}
	if err := t.CheckBalance(availableWei, requiredWei); err != nil {
		return Verdict{}, err
	}
	return Verdict{Proceed: true}, nil
}

// GweiToWei converts a whole-gwei ceiling from configuration into wei.
func GweiToWei(gwei int64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(gwei), big.NewInt(params.GWei))
}

func toGwei(wei *big.Int) string {
	return new(big.Rat).SetFrac(wei, big.NewInt(params.GWei)).FloatString(2)
}
