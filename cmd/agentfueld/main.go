// agentfueld keeps an autonomous agent's compute budget topped up: it claims
// earned fees and purchases service credits when the balance runs low, on a
// fixed cycle gated by oracle pricing and safety thresholds.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"AgentFuel/internal/api"
	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/keeper"
	"AgentFuel/internal/quota"
	"AgentFuel/pkg/logger"
)

var (
	flagConfig string
	flagDryRun bool
)

func main() {
	root := &cobra.Command{
		Use:           "agentfueld",
		Short:         "self-funding keeper for an autonomous agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "configs/agentfuel.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "log would-be transactions instead of submitting them")

	root.AddCommand(feesCmd(), claimCmd(), creditsCmd(), purchaseCmd(), quotaCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentfueld: %v\n", err)
		os.Exit(1)
	}
}

// withApp wires the components, runs fn and tears everything down.
func withApp(cmd *cobra.Command, needKey bool, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flagConfig, flagDryRun, needKey)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func feesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fees",
		Short: "show the currently claimable fee balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				claimable, err := a.keeper.ClaimableFees(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("claimable: %s wei (%s)\n", claimable, formatEther(claimable))
				return nil
			})
		},
	}
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "claim earned fees now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				report, err := a.keeper.ClaimOnce(ctx)
				if err != nil {
					return err
				}
				if report.DryRun {
					fmt.Printf("dry run: would claim %s wei\n", report.FeesWei)
					return nil
				}
				fmt.Printf("claimed %s wei in tx %s\n", report.FeesWei, report.ClaimTx)
				return nil
			})
		},
	}
}

func creditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credits",
		Short: "show the service-credit balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				balance, err := a.keeper.CreditBalance(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("granted:   %s\n", balance.TotalGranted.FloatString(6))
				fmt.Printf("used:      %s\n", balance.TotalUsed.FloatString(6))
				fmt.Printf("remaining: %s\n", balance.Remaining().FloatString(6))
				return nil
			})
		},
	}
}

func purchaseCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "purchase service credits now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				target, err := parseRat(amount)
				if err != nil || target.Sign() <= 0 {
					return xerrors.Newf(xerrors.CodeInvalidArgument, "invalid purchase amount %q", amount)
				}
				report, err := a.keeper.PurchaseOnce(ctx, target)
				if err != nil {
					return err
				}
				if report.Purchased == nil {
					fmt.Println("purchase skipped by the safety gate")
					return nil
				}
				if report.DryRun {
					fmt.Printf("dry run: would purchase %s credits\n", report.Purchased.FloatString(6))
					return nil
				}
				fmt.Printf("purchased %s credits in tx %s\n", report.Purchased.FloatString(6), report.PurchaseTx)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "25", "credit amount to purchase")
	return cmd
}

func quotaCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "show holdings, tier and daily quota usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				holdings, tier, err := a.keeper.Holdings(ctx)
				if err != nil {
					return err
				}
				identity := a.cfg.Agent.Address
				used, err := a.usage.UsedToday(ctx, identity)
				if err != nil {
					return err
				}

				fmt.Printf("holdings: %s base units\n", holdings)
				fmt.Printf("tier:     %s\n", tier.Name)
				if tier.DailyQuota == quota.Unlimited {
					fmt.Println("quota:    unlimited")
				} else {
					fmt.Printf("quota:    %d/day, %d used, %d remaining\n",
						tier.DailyQuota, used, quota.Remaining(tier, used))
				}

				if probe {
					if _, err := a.gateway.Invoke(ctx, identity, []byte(`{"op":"probe"}`)); err != nil {
						return err
					}
					total, err := a.usage.Consume(ctx, identity, 1)
					if err != nil {
						return err
					}
					fmt.Printf("probe accepted, %d used today\n", total)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "send a probe task through the quota gateway and consume one unit")
	return cmd
}

func runCmd() *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one funding cycle, or loop with --daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				if !daemon {
					report := a.keeper.RunCycle(ctx)
					return report.Err
				}

				d := keeper.NewDaemon(a.keeper, keeper.DaemonConfig{
					Interval:               a.cfg.Interval(),
					MaxConsecutiveFailures: a.cfg.Keeper.MaxConsecutiveFailures,
				}, a.alerts)

				server := api.NewServer(a.cfg.Server.Address, a.keeper.State(), d)
				serverCtx, stopServer := context.WithCancel(ctx)
				defer stopServer()
				go func() {
					if err := server.Start(serverCtx); err != nil {
						logger.L().Warn("status server stopped", slog.String("error", err.Error()))
					}
				}()

				go func() {
					<-ctx.Done()
					d.Stop()
				}()
				return d.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep cycling on the configured interval")
	return cmd
}

func formatEther(wei *big.Int) string {
	return new(big.Rat).SetFrac(wei, big.NewInt(1e18)).FloatString(6) + " native"
}
