// Package alerting fans out operator-facing events raised by the keeper:
// failure-budget pressure, fatal cycle errors, purchase submissions.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/pkg/logger"
)

// Channel identifies a delivery target.
type Channel string

const (
	ChannelLog  Channel = "log"
	ChannelAMQP Channel = "amqp"
)

// Event describes one alert-worthy occurrence.
type Event struct {
	Code                xerrors.Code
	Class               string
	Message             string
	Cycle               uint64
	ConsecutiveFailures int
	Metadata            map[string]string
	OccurredAt          time.Time
}

// Notifier delivers events to a single channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events to every registered notifier.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers each event to all notifiers, joining failures.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a dispatcher over the given notifiers; nils are skipped.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify broadcasts the event. Delivery failures do not stop other channels.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier writes alerts to the structured log. Always configured so an
// alert is never silently lost when no broker is available.
type LogNotifier struct{}

// Channel returns the log channel.
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify logs the event at warn level with its full context.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("class", event.Class),
		slog.Uint64("cycle", event.Cycle),
		slog.Int("consecutive_failures", event.ConsecutiveFailures),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Named("alerting").Warn(event.Message, attrs...)
	return nil
}

// FromError builds an event out of a classified error.
func FromError(err error, cycle uint64, consecutive int) Event {
	return Event{
		Code:                xerrors.CodeOf(err),
		Class:               string(xerrors.ClassOf(err)),
		Message:             err.Error(),
		Cycle:               cycle,
		ConsecutiveFailures: consecutive,
		OccurredAt:          time.Now(),
	}
}
