package broker

import (
	"fmt"

	"chatrelay/backend/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind selects the exchange, queue naming and dead-letter target of an entity queue.
type Kind string

const (
	KindChat         Kind = "chat"
	KindNotification Kind = "notification"
)

// QueueName returns the durable queue of the room or user.
func (k Kind) QueueName(entityID string) string {
	if k == KindNotification {
		return fmt.Sprintf(config.NotificationQueuePattern, entityID)
	}
	return fmt.Sprintf(config.ChatQueuePattern, entityID)
}

func (k Kind) Exchange() string {
	if k == KindNotification {
		return config.NotificationExchange
	}
	return config.ChatExchange
}

// DeadLetter returns the exchange and routing key rejected messages are sent to.
func (k Kind) DeadLetter() (exchange, routingKey string) {
	if k == KindNotification {
		return config.NotifDLXExchange, config.NotifDLXRoutingKey
	}
	return config.ChatDLXExchange, config.ChatDLXRoutingKey
}

func (k Kind) queueArgs() amqp.Table {
	exchange, key := k.DeadLetter()
	return amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": key,
	}
}

type deadLetterQueue struct {
	queue, exchange, key string
}

var deadLetterQueues = []deadLetterQueue{
	{config.ChatDLQ, config.ChatDLXExchange, config.ChatDLXRoutingKey},
	{config.NotifDLQ, config.NotifDLXExchange, config.NotifDLXRoutingKey},
}

// DeadLetterQueues lists the queues drained by the dead-letter handler.
func DeadLetterQueues() []string {
	out := make([]string, 0, len(deadLetterQueues))
	for _, q := range deadLetterQueues {
		out = append(out, q.queue)
	}
	return out
}

// DeclareTopology declares the four direct exchanges and the two dead-letter
// queues with their bindings. Safe to repeat on every new channel.
func DeclareTopology(ch Channel) error {
	exchanges := []string{
		config.ChatExchange,
		config.NotificationExchange,
		config.ChatDLXExchange,
		config.NotifDLXExchange,
	}
	for _, name := range exchanges {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	for _, dlq := range deadLetterQueues {
		if _, err := ch.QueueDeclare(dlq.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq.queue, err)
		}
		if err := ch.QueueBind(dlq.queue, dlq.key, dlq.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", dlq.queue, err)
		}
	}
	return nil
}
