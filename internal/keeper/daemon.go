package keeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/observability/alerting"
	"AgentFuel/pkg/logger"
)

// RunState is the daemon's lifecycle value.
type RunState int32

const (
	StateRunning RunState = iota
	StateStopping
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// DaemonConfig tunes the loop.
type DaemonConfig struct {
	// Interval is the target cycle cadence; cycle duration is subtracted
	// from the sleep so the cadence stays fixed.
	Interval time.Duration
	// MaxConsecutiveFailures is the budget of back-to-back failed cycles
	// before the daemon gives up. Recoverable degradation does not count.
	MaxConsecutiveFailures int
}

// Daemon runs keeper cycles on a fixed cadence until stopped or the failure
// budget runs out.
type Daemon struct {
	keeper *Keeper
	cfg    DaemonConfig
	alerts alerting.Dispatcher

	state  atomic.Int32
	stopCh chan struct{}
	log    *slog.Logger
}

// NewDaemon wires a daemon around the keeper.
func NewDaemon(k *Keeper, cfg DaemonConfig, alerts alerting.Dispatcher) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	d := &Daemon{
		keeper: k,
		cfg:    cfg,
		alerts: alerts,
		stopCh: make(chan struct{}),
		log:    logger.Named("daemon"),
	}
	d.state.Store(int32(StateStopped))
	return d
}

// State reports the current run state.
func (d *Daemon) State() RunState { return RunState(d.state.Load()) }

// Stop requests a cooperative shutdown. The in-flight cycle finishes.
func (d *Daemon) Stop() {
	if d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		close(d.stopCh)
	}
}

// Run loops until the context is cancelled, Stop is called, or too many
// consecutive cycles fail. The failure-budget exit returns a terminal error
// so the process can exit non-zero.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return xerrors.New(xerrors.CodeInvalidArgument, "daemon already started")
	}
	defer d.state.Store(int32(StateStopped))

	d.log.Info("daemon started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("failure_budget", d.cfg.MaxConsecutiveFailures))

	consecutive := 0
	for {
		if d.State() != StateRunning || ctx.Err() != nil {
			d.log.Info("daemon stopping")
			return nil
		}

		report := d.keeper.RunCycle(ctx)

		switch {
		case report.Err == nil:
			consecutive = 0
		case xerrors.IsRecoverable(report.Err):
			// Transient conditions do not burn the budget.
			d.log.Warn("cycle failed on a recoverable condition",
				slog.Uint64("cycle", report.Cycle),
				slog.String("error", report.Err.Error()))
		default:
			consecutive++
			d.log.Error("cycle failed",
				slog.Uint64("cycle", report.Cycle),
				slog.Int("consecutive_failures", consecutive),
				slog.String("error", report.Err.Error()))
			d.notify(ctx, alerting.FromError(report.Err, report.Cycle, consecutive))
			if consecutive >= d.cfg.MaxConsecutiveFailures {
				err := xerrors.Newf(xerrors.CodeFailureBudget,
					"%d consecutive cycle failures, giving up", consecutive)
				d.notify(ctx, alerting.FromError(err, report.Cycle, consecutive))
				return err
			}
		}

		if !d.sleep(ctx, report.Duration) {
			d.log.Info("daemon stopping")
			return nil
		}
	}
}

// sleep waits out the remainder of the interval, compressed by how long the
// cycle took. Returns false when the daemon should stop.
func (d *Daemon) sleep(ctx context.Context, cycleDuration time.Duration) bool {
	wait := d.cfg.Interval - cycleDuration
	if wait <= 0 {
		return d.State() == StateRunning && ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.State() == StateRunning
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Daemon) notify(ctx context.Context, event alerting.Event) {
	if d.alerts == nil {
		return
	}
	if err := d.alerts.Notify(ctx, event); err != nil {
		d.log.Warn("alert delivery failed", slog.String("error", err.Error()))
	}
}
