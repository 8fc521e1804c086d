package safety

import (
	"math/big"
	"testing"

	xerrors "AgentFuel/internal/errors"
)

func wei(eth string) *big.Int {
	r, ok := new(big.Rat).SetString(eth)
	if !ok {
		panic("bad amount " + eth)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(1e18))
	return new(big.Int).Set(scaled.Num())
}

func TestCheckBalanceAppliesHeadroom(t *testing.T) {
	gate := Thresholds{Multiplier: big.NewRat(6, 5)}

	// 0.9 * 1.2 = 1.08 > 1.0 available: reject even though the raw
	// requirement is covered.
	err := gate.CheckBalance(wei("1.0"), wei("0.9"))
	if xerrors.CodeOf(err) != xerrors.CodeBalanceShortfall {
		t.Fatalf("expected balance shortfall, got %v", err)
	}
	if !xerrors.IsNonRetryable(err) {
		t.Fatalf("shortfall must not be retried, got class %s", xerrors.ClassOf(err))
	}

	if err := gate.CheckBalance(wei("1.0"), wei("0.5")); err != nil {
		t.Fatalf("0.5 with 1.2 headroom fits in 1.0, got %v", err)
	}
}

func TestCheckBalanceDefaultsMultiplier(t *testing.T) {
	gate := Thresholds{}
	if err := gate.CheckBalance(wei("1.0"), wei("0.9")); err == nil {
		t.Fatal("default multiplier must still pad the requirement")
	}
	if err := gate.CheckBalance(nil, wei("0.1")); err == nil {
		t.Fatal("nil balance must be treated as zero")
	}
	if err := gate.CheckBalance(nil, nil); err != nil {
		t.Fatalf("zero requirement needs no balance, got %v", err)
	}
}

func TestCheckGasPriceCeiling(t *testing.T) {
	gate := Thresholds{GasCeilingWei: GweiToWei(50)}

	err := gate.CheckGasPrice(GweiToWei(80))
	if xerrors.CodeOf(err) != xerrors.CodeGasCeiling {
		t.Fatalf("expected gas ceiling error, got %v", err)
	}
	if !xerrors.IsRecoverable(err) {
		t.Fatalf("gas ceiling must be recoverable, got class %s", xerrors.ClassOf(err))
	}

	if err := gate.CheckGasPrice(GweiToWei(50)); err != nil {
		t.Fatalf("quote on the ceiling is acceptable, got %v", err)
	}
	if err := (Thresholds{}).CheckGasPrice(GweiToWei(500)); err != nil {
		t.Fatalf("unset ceiling disables the check, got %v", err)
	}
}

func TestCheckBeforeCommitDeadZoneSkips(t *testing.T) {
	gate := Thresholds{MinAmountToAct: big.NewRat(1, 2)}

	verdict, err := gate.CheckBeforeCommit(big.NewRat(1, 10), wei("10"), wei("0.1"), nil)
	if err != nil {
		t.Fatalf("dead-zone amount must skip without error, got %v", err)
	}
	if verdict.Proceed || verdict.SkipReason == "" {
		t.Fatalf("expected skip verdict, got %+v", verdict)
	}

	verdict, err = gate.CheckBeforeCommit(big.NewRat(2, 1), wei("10"), wei("2"), nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.Proceed {
		t.Fatalf("amount above the dead zone must proceed, got %+v", verdict)
	}
}

func TestCheckBeforeCommitOrdersChecks(t *testing.T) {
	gate := Thresholds{
		MinAmountToAct: big.NewRat(1, 2),
		GasCeilingWei:  GweiToWei(50),
	}

	// Dead zone wins over a gas violation: no action, no error.
	verdict, err := gate.CheckBeforeCommit(big.NewRat(1, 10), wei("10"), wei("0.1"), GweiToWei(200))
	if err != nil || verdict.Proceed {
		t.Fatalf("dead zone must short-circuit, got verdict=%+v err=%v", verdict, err)
	}

	// Above the dead zone the gas ceiling applies.
	_, err = gate.CheckBeforeCommit(big.NewRat(2, 1), wei("10"), wei("2"), GweiToWei(200))
	if xerrors.CodeOf(err) != xerrors.CodeGasCeiling {
		t.Fatalf("expected gas ceiling error, got %v", err)
	}
}
