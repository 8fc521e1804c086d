package alerting

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AgentFuel/internal/errors"
)

// AMQPNotifier publishes alert events to a fanout exchange so external
// monitoring can subscribe without the keeper knowing about it.
type AMQPNotifier struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPNotifier connects to the broker and declares the exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	if url == "" || exchange == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amqp url and exchange are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "dial amqp broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "open amqp channel")
	}
	if err := channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "declare alert exchange")
	}
	return &AMQPNotifier{conn: conn, channel: channel, exchange: exchange}, nil
}

// Channel returns the AMQP channel identifier.
func (n *AMQPNotifier) Channel() Channel { return ChannelAMQP }

type amqpEvent struct {
	Code                string            `json:"code"`
	Class               string            `json:"class"`
	Message             string            `json:"message"`
	Cycle               uint64            `json:"cycle"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	OccurredAt          time.Time         `json:"occurred_at"`
}

// Notify publishes the event as persistent JSON.
func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(amqpEvent{
		Code:                string(event.Code),
		Class:               event.Class,
		Message:             event.Message,
		Cycle:               event.Cycle,
		ConsecutiveFailures: event.ConsecutiveFailures,
		Metadata:            event.Metadata,
		OccurredAt:          event.OccurredAt,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "encode alert event")
	}
	err = n.channel.PublishWithContext(ctx, n.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "publish alert event")
	}
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
