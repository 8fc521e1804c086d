// Package keeper runs the self-funding cycle: read earned fees, claim them,
// read the credit balance, and buy credits when the balance runs low. Every
// mutating step passes the safety gate first and the two submits never
// overlap, because both spend the same account's transaction sequence.
package keeper

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentFuel/internal/credits"
	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/journal"
	"AgentFuel/internal/ledger"
	"AgentFuel/internal/observability/alerting"
	"AgentFuel/internal/observability/metrics"
	"AgentFuel/internal/oracle"
	"AgentFuel/internal/quota"
	"AgentFuel/internal/retry"
	"AgentFuel/internal/safety"
	"AgentFuel/pkg/logger"
)

// vaultABI is the fee-vault surface the keeper touches.
const vaultABI = `[
  {"name":"claimable","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// erc20ABI covers the holdings read for tier resolution.
const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// claimGasLimit bounds the claim cost estimate when the node cannot estimate.
const claimGasLimit = 150_000

// Phase names one stage of a cycle, for logs and state reporting.
type Phase string

const (
	PhaseGathering     Phase = "gathering"
	PhaseClaimDecision Phase = "claim_decision"
	PhaseFunding       Phase = "funding"
	PhaseReporting     Phase = "reporting"
)

// PriceSource sizes purchases; satisfied by the oracle feed.
type PriceSource interface {
	Price(ctx context.Context) (oracle.Snapshot, error)
	AmountForTarget(ctx context.Context, target *big.Rat, bufferPercent int64) (*big.Rat, error)
}

// CreditProvider is the credit-service surface the keeper needs.
type CreditProvider interface {
	Balance(ctx context.Context, agent common.Address) (credits.Balance, error)
	RequestIntent(ctx context.Context, agent common.Address, amount *big.Rat) (credits.Intent, error)
}

// Config are the per-deployment keeper parameters.
type Config struct {
	Agent    common.Address
	FeeVault common.Address
	Token    common.Address

	// MinClaimWei is the smallest claimable fee balance worth a transaction.
	MinClaimWei *big.Int
	// MinCredits triggers funding when the remaining balance drops below it.
	MinCredits *big.Rat
	// PurchaseTarget is the credit balance funding aims to restore.
	PurchaseTarget *big.Rat
	// BufferPercent pads purchase sizing against price movement.
	BufferPercent int64

	Gate   safety.Thresholds
	Retry  retry.Policy
	DryRun bool
}

// Keeper orchestrates one agent's funding cycle.
type Keeper struct {
	cfg      Config
	ledger   ledger.Client
	prices   PriceSource
	credits  CreditProvider
	resolver *quota.Resolver
	journal  journal.Store
	alerts   alerting.Dispatcher

	vault abi.ABI
	token abi.ABI
	state *CycleState
	log   *slog.Logger
}

// New wires a keeper. journal and alerts may be nil for one-shot CLI use.
func New(cfg Config, chain ledger.Client, prices PriceSource, provider CreditProvider,
	resolver *quota.Resolver, store journal.Store, alerts alerting.Dispatcher) (*Keeper, error) {
	vault, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "parse vault ABI")
	}
	token, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "parse token ABI")
	}
	return &Keeper{
		cfg:      cfg,
		ledger:   chain,
		prices:   prices,
		credits:  provider,
		resolver: resolver,
		journal:  store,
		alerts:   alerts,
		vault:    vault,
		token:    token,
		state:    NewCycleState(),
		log:      logger.Named("keeper"),
	}, nil
}

// State exposes the cumulative cycle state for status reporting.
func (k *Keeper) State() *CycleState { return k.state }

// gathered is the read snapshot one cycle acts on.
type gathered struct {
	ClaimableWei *big.Int
	HoldingsWei  *big.Int
	Credits      credits.Balance
	NativeWei    *big.Int
}

// gather performs the cycle's three reads concurrently. Any failure fails the
// whole phase: acting on a partial snapshot risks inconsistent decisions.
func (k *Keeper) gather(ctx context.Context) (gathered, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out gathered
	errCh := make(chan error, 3)

	go func() {
		claimable, holdings, err := k.readVaultAndHoldings(ctx)
		if err == nil {
			out.ClaimableWei, out.HoldingsWei = claimable, holdings
		} else {
			cancel()
		}
		errCh <- err
	}()
	go func() {
		balance, err := k.credits.Balance(ctx, k.cfg.Agent)
		if err == nil {
			out.Credits = balance
		} else {
			cancel()
		}
		errCh <- err
	}()
	go func() {
		native, err := k.ledger.BalanceAt(ctx, k.cfg.Agent)
		if err == nil {
			out.NativeWei = native
		} else {
			cancel()
		}
		errCh <- err
	}()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return gathered{}, firstErr
	}
	return out, nil
}

// readVaultAndHoldings fetches the claimable fee balance and token holdings
// in one batched round trip.
func (k *Keeper) readVaultAndHoldings(ctx context.Context) (*big.Int, *big.Int, error) {
	claimCall, err := k.vault.Pack("claimable", k.cfg.Agent)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeUnknown, err, "pack claimable")
	}
	holdingsCall, err := k.token.Pack("balanceOf", k.cfg.Agent)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeUnknown, err, "pack balanceOf")
	}

	started := time.Now()
	outputs, err := k.ledger.BatchRead(ctx, []ledger.ReadCall{
		{Name: "claimable", To: k.cfg.FeeVault, Data: claimCall},
		{Name: "balanceOf", To: k.cfg.Token, Data: holdingsCall},
	})
	metrics.ObserveRemoteCall("ledger_read", time.Since(started))
	if err != nil {
		return nil, nil, err
	}

	claimable, err := unpackUint(k.vault, "claimable", outputs[0])
	if err != nil {
		return nil, nil, err
	}
	holdings, err := unpackUint(k.token, "balanceOf", outputs[1])
	if err != nil {
		return nil, nil, err
	}
	return claimable, holdings, nil
}

func unpackUint(parsed abi.ABI, method string, output []byte) (*big.Int, error) {
	decoded, err := parsed.Unpack(method, output)
	if err != nil || len(decoded) < 1 {
		return nil, xerrors.Wrapf(xerrors.CodeRPCFailure, err, "decode %s", method)
	}
	value, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeRPCFailure, "%s returned a non-integer", method)
	}
	return value, nil
}

// RunCycle executes one full cycle and always returns a report; the report's
// Err carries the cycle-level failure, if any.
func (k *Keeper) RunCycle(ctx context.Context) Report {
	cycle := k.state.begin()
	report := Report{Cycle: cycle, StartedAt: time.Now()}
	log := k.log.With(slog.Uint64("cycle", cycle))

	log.Info("cycle started", slog.String("phase", string(PhaseGathering)))
	snapshot, err := k.gather(ctx)
	if err != nil {
		report.Err = err
		report.Outcome = journal.OutcomeFailure
		k.finish(ctx, log, &report)
		return report
	}
	report.FeesWei = snapshot.ClaimableWei
	report.CreditsRemaining = snapshot.Credits.Remaining()
	report.Tier = k.resolver.TierFor(snapshot.HoldingsWei).Name

	log.Info("cycle snapshot",
		slog.String("phase", string(PhaseClaimDecision)),
		slog.String("claimable_wei", snapshot.ClaimableWei.String()),
		slog.String("credits_remaining", report.CreditsRemaining.FloatString(6)),
		slog.String("tier", report.Tier),
	)

	if err := k.maybeClaim(ctx, log, snapshot, &report); err != nil {
		report.Err = err
		report.Outcome = journal.OutcomeFailure
		k.finish(ctx, log, &report)
		return report
	}

	log.Info("funding decision", slog.String("phase", string(PhaseFunding)))
	if err := k.maybeFund(ctx, log, snapshot, &report); err != nil {
		report.Err = err
		report.Outcome = journal.OutcomeFailure
		k.finish(ctx, log, &report)
		return report
	}

	if report.Claimed || report.Purchased != nil {
		report.Outcome = journal.OutcomeSuccess
	} else {
		report.Outcome = journal.OutcomeSkipped
	}
	k.finish(ctx, log, &report)
	return report
}

// maybeClaim claims earned fees when they clear the minimum. Recoverable and
// balance failures degrade the cycle instead of failing it: funding may still
// be possible and more urgent.
func (k *Keeper) maybeClaim(ctx context.Context, log *slog.Logger, snapshot gathered, report *Report) error {
	if k.cfg.MinClaimWei != nil && snapshot.ClaimableWei.Cmp(k.cfg.MinClaimWei) < 0 {
		log.Info("claim skipped, below minimum",
			slog.String("claimable_wei", snapshot.ClaimableWei.String()),
			slog.String("min_claim_wei", k.cfg.MinClaimWei.String()))
		metrics.ObserveAction("claim", "skipped")
		return nil
	}
	if snapshot.ClaimableWei.Sign() == 0 {
		metrics.ObserveAction("claim", "skipped")
		return nil
	}

	err := k.claim(ctx, log, snapshot, report)
	switch {
	case err == nil:
		metrics.ObserveAction("claim", "submitted")
		return nil
	case xerrors.IsRecoverable(err) || xerrors.CodeOf(err) == xerrors.CodeBalanceShortfall:
		log.Warn("claim degraded, cycle continues", slog.String("error", err.Error()))
		metrics.ObserveAction("claim", "degraded")
		report.Degraded = append(report.Degraded, err)
		return nil
	default:
		metrics.ObserveAction("claim", "failed")
		return err
	}
}

func (k *Keeper) claim(ctx context.Context, log *slog.Logger, snapshot gathered, report *Report) error {
	gasPrice, err := k.ledger.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	if err := k.cfg.Gate.CheckGasPrice(gasPrice); err != nil {
		return err
	}

	data, err := k.vault.Pack("claim")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "pack claim")
	}
	req := ledger.SubmitRequest{Op: "claim fees", To: k.cfg.FeeVault, Data: data}

	gasLimit, err := k.ledger.EstimateGas(ctx, req)
	if err != nil || gasLimit == 0 {
		gasLimit = claimGasLimit
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if err := k.cfg.Gate.CheckBalance(snapshot.NativeWei, cost); err != nil {
		return err
	}

	if k.cfg.DryRun {
		log.Info("dry run, claim not submitted",
			slog.String("claimable_wei", snapshot.ClaimableWei.String()))
		report.DryRun = true
		report.Claimed = true
		return nil
	}

	result, err := retry.Do(ctx, "claim fees", k.cfg.Retry, func(ctx context.Context) (ledger.SubmitResult, error) {
		return k.ledger.Submit(ctx, req)
	})
	if err != nil {
		return err
	}
	report.Claimed = true
	report.ClaimTx = result.TxHash.Hex()
	k.state.addClaimed(snapshot.ClaimableWei)
	logger.Audit().Info("fees claimed",
		slog.Uint64("cycle", report.Cycle),
		slog.String("tx", report.ClaimTx),
		slog.String("amount_wei", snapshot.ClaimableWei.String()),
		slog.Uint64("gas_used", result.GasUsed))
	return nil
}

// maybeFund purchases credits when the remaining balance is below the
// configured minimum, sized to restore the target balance.
func (k *Keeper) maybeFund(ctx context.Context, log *slog.Logger, snapshot gathered, report *Report) error {
	remaining := snapshot.Credits.Remaining()
	if k.cfg.MinCredits != nil && remaining.Cmp(k.cfg.MinCredits) >= 0 {
		log.Info("funding skipped, credits sufficient",
			slog.String("remaining", remaining.FloatString(6)))
		metrics.ObserveAction("purchase", "skipped")
		return nil
	}

	needed := new(big.Rat).Sub(k.cfg.PurchaseTarget, remaining)
	if needed.Sign() <= 0 {
		metrics.ObserveAction("purchase", "skipped")
		return nil
	}

	err := k.fund(ctx, log, snapshot, needed, report)
	switch {
	case err == nil:
		if report.Purchased != nil {
			metrics.ObserveAction("purchase", "submitted")
		} else {
			metrics.ObserveAction("purchase", "skipped")
		}
		return nil
	case xerrors.IsRecoverable(err) || xerrors.CodeOf(err) == xerrors.CodeBalanceShortfall:
		log.Warn("funding degraded, cycle continues", slog.String("error", err.Error()))
		metrics.ObserveAction("purchase", "degraded")
		report.Degraded = append(report.Degraded, err)
		return nil
	default:
		metrics.ObserveAction("purchase", "failed")
		return err
	}
}

func (k *Keeper) fund(ctx context.Context, log *slog.Logger, snapshot gathered, needed *big.Rat, report *Report) error {
	estimate, err := k.prices.AmountForTarget(ctx, needed, k.cfg.BufferPercent)
	if err != nil {
		return err
	}
	gasPrice, err := k.ledger.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}

	verdict, err := k.cfg.Gate.CheckBeforeCommit(estimate, snapshot.NativeWei, ratToWei(estimate), gasPrice)
	if err != nil {
		return err
	}
	if !verdict.Proceed {
		log.Info("funding skipped", slog.String("reason", verdict.SkipReason))
		return nil
	}

	if k.cfg.DryRun {
		log.Info("dry run, purchase not submitted",
			slog.String("credits", needed.FloatString(6)),
			slog.String("estimated_native", estimate.FloatString(6)))
		report.DryRun = true
		report.Purchased = needed
		return nil
	}

	intent, err := k.credits.RequestIntent(ctx, k.cfg.Agent, needed)
	if err != nil {
		return err
	}
	// The signed intent's price may differ from our estimate; re-check the
	// balance against what we will actually pay.
	if err := k.cfg.Gate.CheckBalance(snapshot.NativeWei, intent.ValueWei); err != nil {
		return err
	}

	result, err := retry.Do(ctx, "purchase credits", k.cfg.Retry, func(ctx context.Context) (ledger.SubmitResult, error) {
		return k.ledger.Submit(ctx, intent.SubmitRequest())
	})
	if err != nil {
		return err
	}
	report.Purchased = intent.Amount
	report.PurchaseTx = result.TxHash.Hex()
	k.state.addPurchased(intent.Amount)
	logger.Audit().Info("credits purchased",
		slog.Uint64("cycle", report.Cycle),
		slog.String("tx", report.PurchaseTx),
		slog.String("intent_id", intent.ID),
		slog.String("amount", intent.Amount.FloatString(6)),
		slog.String("value_wei", intent.ValueWei.String()))
	return nil
}

// finish records the report, updates totals and writes the journal entry.
func (k *Keeper) finish(ctx context.Context, log *slog.Logger, report *Report) {
	report.Duration = time.Since(report.StartedAt)
	k.state.complete(*report)
	metrics.ObserveCycle(string(report.Outcome))

	attrs := []any{
		slog.String("phase", string(PhaseReporting)),
		slog.String("outcome", string(report.Outcome)),
		slog.Duration("duration", report.Duration),
		slog.String("total_claimed_wei", k.state.TotalClaimedWei().String()),
		slog.String("total_purchased", k.state.TotalPurchased().FloatString(6)),
	}
	if report.Err != nil {
		attrs = append(attrs, slog.String("error", report.Err.Error()))
		log.Error("cycle failed", attrs...)
	} else {
		log.Info("cycle finished", attrs...)
	}

	if k.journal != nil {
		if err := k.journal.Append(ctx, report.journalRecord()); err != nil {
			log.Warn("journal append failed", slog.String("error", err.Error()))
		}
	}
	if report.Err != nil && k.alerts != nil && xerrors.ShouldAlert(report.Err) {
		if err := k.alerts.Notify(ctx, alerting.FromError(report.Err, report.Cycle, 0)); err != nil {
			log.Warn("alert delivery failed", slog.String("error", err.Error()))
		}
	}
}

// Report is one cycle's outcome.
type Report struct {
	Cycle            uint64
	StartedAt        time.Time
	Duration         time.Duration
	Outcome          journal.Outcome
	FeesWei          *big.Int
	Claimed          bool
	ClaimTx          string
	CreditsRemaining *big.Rat
	Purchased        *big.Rat
	PurchaseTx       string
	Tier             string
	DryRun           bool
	// Degraded collects non-fatal action failures the cycle survived.
	Degraded []error
	Err      error
}

func (r Report) journalRecord() journal.Record {
	record := journal.Record{
		ID:        uuid.NewString(),
		Cycle:     r.Cycle,
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		Outcome:   r.Outcome,
		ClaimTx:   r.ClaimTx,
		PurchaseTx: r.PurchaseTx,
	}
	if r.FeesWei != nil {
		record.FeesWei = r.FeesWei.String()
	}
	if r.CreditsRemaining != nil {
		record.Credits = r.CreditsRemaining.FloatString(6)
	}
	if r.Purchased != nil {
		record.Purchased = r.Purchased.FloatString(6)
	}
	if r.Err != nil {
		record.ErrorCode = string(xerrors.CodeOf(r.Err))
		record.ErrorDetail = r.Err.Error()
	}
	return record
}

// ratToWei converts a native-unit amount into wei, truncating sub-wei dust.
func ratToWei(amount *big.Rat) *big.Int {
	scaled := new(big.Rat).Mul(amount, new(big.Rat).SetInt64(1e18))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}
