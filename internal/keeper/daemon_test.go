package keeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/quota"
	"AgentFuel/internal/safety"
)

func newDaemonKeeper(t *testing.T, chain *fakeChain) *Keeper {
	t.Helper()
	provider := &fakeCredits{granted: big.NewRat(100, 1), used: big.NewRat(0, 1)}
	k, _ := newTestKeeper(t, testConfig(), chain, &fakePrices{price: big.NewRat(2000, 1)}, provider)
	return k
}

func repeatErr(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestDaemonExitsAfterFailureBudget(t *testing.T) {
	fatal := xerrors.New(xerrors.CodeUnknown, "node exploded")
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
		readErrs:  repeatErr(fatal, 100),
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Millisecond, MaxConsecutiveFailures: 5}, nil)

	err := d.Run(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeFailureBudget {
		t.Fatalf("expected failure-budget exit, got %v", err)
	}
	if chain.reads != 5 {
		t.Fatalf("budget of 5 must run exactly 5 cycles, got %d", chain.reads)
	}
	if d.State() != StateStopped {
		t.Fatalf("daemon must end stopped, got %s", d.State())
	}
}

func TestDaemonSuccessResetsFailureCount(t *testing.T) {
	fatal := xerrors.New(xerrors.CodeUnknown, "node exploded")
	// 4 failures, one success, then 5 more failures: the budget of 5 only
	// trips on the second streak.
	script := append(repeatErr(fatal, 4), nil)
	script = append(script, repeatErr(fatal, 100)...)
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
		readErrs:  script,
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Millisecond, MaxConsecutiveFailures: 5}, nil)

	err := d.Run(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeFailureBudget {
		t.Fatalf("expected failure-budget exit, got %v", err)
	}
	if chain.reads != 10 {
		t.Fatalf("success must reset the streak: want 10 cycles, got %d", chain.reads)
	}
}

func TestDaemonRecoverableFailuresDoNotBurnBudget(t *testing.T) {
	recoverable := xerrors.New(xerrors.CodeRPCFailure, "flaky node")
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
		readErrs:  repeatErr(recoverable, 100),
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Millisecond, MaxConsecutiveFailures: 2}, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Give the loop time for well over 2 cycles, then stop it.
	time.Sleep(50 * time.Millisecond)
	d.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("recoverable failures must not exhaust the budget, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if chain.reads <= 2 {
		t.Fatalf("daemon should have kept cycling through recoverable failures, got %d cycles", chain.reads)
	}
}

func TestDaemonStopIsCooperative(t *testing.T) {
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Hour, MaxConsecutiveFailures: 5}, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if d.State() != StateRunning {
		t.Fatalf("expected running state, got %s", d.State())
	}
	d.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cooperative stop is not an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the sleep")
	}
}

func TestDaemonContextCancelStopsLoop(t *testing.T) {
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Hour, MaxConsecutiveFailures: 5}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("context cancel is a clean stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not interrupt the loop")
	}
}

func TestDaemonCannotStartTwice(t *testing.T) {
	chain := &fakeChain{
		claimable: eth("0"),
		holdings:  quota.MustParseAmount("100"),
		native:    eth("10"),
		gasPrice:  safety.GweiToWei(20),
	}
	k := newDaemonKeeper(t, chain)
	d := NewDaemon(k, DaemonConfig{Interval: time.Hour, MaxConsecutiveFailures: 5}, nil)

	go func() { _ = d.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	defer d.Stop()

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("second Run must be rejected")
	}
}
