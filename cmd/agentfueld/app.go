package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentFuel/internal/config"
	"AgentFuel/internal/credits"
	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/journal"
	"AgentFuel/internal/keeper"
	"AgentFuel/internal/ledger"
	"AgentFuel/internal/observability/alerting"
	"AgentFuel/internal/oracle"
	"AgentFuel/internal/quota"
	"AgentFuel/internal/retry"
	"AgentFuel/internal/safety"
	"AgentFuel/pkg/logger"
)

// app holds the wired components for one invocation. One-shot commands and
// the daemon share the same construction path.
type app struct {
	cfg      *config.Config
	chain    ledger.Client
	feed     *oracle.Feed
	provider *credits.Client
	resolver *quota.Resolver
	usage    quota.UsageStore
	gateway  *quota.Gateway
	journal  journal.Store
	alerts   alerting.Dispatcher
	keeper   *keeper.Keeper

	closers []func() error
}

// newApp loads config and wires every component. needKey selects whether the
// signing key must be present; read-only commands run without it.
func newApp(ctx context.Context, cfgPath string, dryRun, needKey bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.Keeper.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid configuration")
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit:       logger.AuditConfig{Enabled: cfg.Log.AuditPath != "", Path: cfg.Log.AuditPath},
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "init logger")
	}

	a := &app{cfg: cfg}

	privateKey := ""
	if needKey && !cfg.Keeper.DryRun {
		privateKey = os.Getenv(cfg.Agent.PrivateKeyEnv)
		if privateKey == "" {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument,
				"signing key env %s is empty; set it or use --dry-run", cfg.Agent.PrivateKeyEnv)
		}
	}

	chain, err := ledger.NewEVMClient(ctx, ledger.Config{
		RPCURL:        cfg.Ledger.RPCURL,
		ChainID:       cfg.Ledger.ChainID,
		PrivateKeyHex: privateKey,
	})
	if err != nil {
		return nil, err
	}
	a.chain = chain
	a.closers = append(a.closers, func() error { chain.Close(); return nil })

	feed, err := oracle.New(chain, common.HexToAddress(cfg.Ledger.PriceFeed),
		oracle.WithTTL(cfg.OracleTTL()),
		oracle.WithStalenessWindow(cfg.OracleStaleness()),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.feed = feed

	policy := retry.Policy{
		MaxAttempts:  cfg.Keeper.RetryMaxAttempts,
		InitialDelay: time.Duration(cfg.Keeper.RetryInitialDelaySecond * float64(time.Second)),
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	a.provider = credits.NewClient(credits.Config{
		BalanceURL:  cfg.Credits.BalanceURL,
		PurchaseURL: cfg.Credits.PurchaseURL,
		APIKey:      os.Getenv(cfg.Credits.APIKeyEnv),
	}, httpClient, policy)

	a.resolver, err = quota.NewResolver(quota.DefaultTiers())
	if err != nil {
		a.close()
		return nil, err
	}
	a.gateway = quota.NewGateway(cfg.Quota.GatewayURL, httpClient, policy)

	switch cfg.Quota.Store.Driver {
	case "redis":
		usage, err := quota.NewRedisUsage(quota.RedisUsageConfig{
			Address:  cfg.Quota.Store.Redis.Address,
			Password: cfg.Quota.Store.Redis.Password,
			DB:       cfg.Quota.Store.Redis.DB,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.usage = usage
	default:
		a.usage = quota.NewMemoryUsage()
	}
	a.closers = append(a.closers, a.usage.Close)

	switch cfg.Journal.Driver {
	case "mysql":
		store, err := journal.NewMySQLStore(cfg.Journal.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.journal = store
	default:
		a.journal = journal.NewMemoryStore(cfg.Journal.Keep)
	}
	a.closers = append(a.closers, a.journal.Close)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerts.AMQPURL != "" {
		amqpNotifier, err := alerting.NewAMQPNotifier(cfg.Alerts.AMQPURL, cfg.Alerts.AMQPExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		notifiers = append(notifiers, amqpNotifier)
		a.closers = append(a.closers, amqpNotifier.Close)
	}
	a.alerts = alerting.NewFanout(notifiers...)

	keeperCfg, err := buildKeeperConfig(cfg, policy)
	if err != nil {
		a.close()
		return nil, err
	}
	a.keeper, err = keeper.New(keeperCfg, a.chain, a.feed, a.provider, a.resolver, a.journal, a.alerts)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func buildKeeperConfig(cfg *config.Config, policy retry.Policy) (keeper.Config, error) {
	minClaimWei, err := parseNativeWei(cfg.Keeper.MinClaim)
	if err != nil {
		return keeper.Config{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "keeper.min_claim")
	}
	minCredits, err := parseRat(cfg.Keeper.MinCredits)
	if err != nil {
		return keeper.Config{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "keeper.min_credits")
	}
	target, err := parseRat(cfg.Keeper.PurchaseTarget)
	if err != nil {
		return keeper.Config{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "keeper.purchase_target")
	}
	minAmount, err := parseRat(cfg.Keeper.MinAmountToAct)
	if err != nil {
		return keeper.Config{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "keeper.min_amount_to_act")
	}
	multiplier := new(big.Rat).SetFloat64(cfg.Keeper.SafetyMultiplier)

	return keeper.Config{
		Agent:          common.HexToAddress(cfg.Agent.Address),
		FeeVault:       common.HexToAddress(cfg.Ledger.FeeVault),
		Token:          common.HexToAddress(cfg.Ledger.Token),
		MinClaimWei:    minClaimWei,
		MinCredits:     minCredits,
		PurchaseTarget: target,
		BufferPercent:  cfg.Keeper.BufferPercent,
		Gate: safety.Thresholds{
			Multiplier:     multiplier,
			GasCeilingWei:  safety.GweiToWei(cfg.Keeper.GasCeilingGwei),
			MinAmountToAct: minAmount,
		},
		Retry:  policy,
		DryRun: cfg.Keeper.DryRun,
	}, nil
}

func parseRat(value string) (*big.Rat, error) {
	parsed, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	return parsed, nil
}

func parseNativeWei(value string) (*big.Int, error) {
	parsed, err := parseRat(value)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Rat).Mul(parsed, new(big.Rat).SetInt64(1e18))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	_ = logger.Sync()
}
