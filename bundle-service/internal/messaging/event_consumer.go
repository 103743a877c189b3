package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/ws"
	"storystack-server/shared/interfaces"
)

// ChecksumInvalidator сбрасывает кешированную контрольную сумму стека.
type ChecksumInvalidator interface {
	Invalidate(ctx context.Context, stackID uuid.UUID)
}

// BundleEventConsumer получает события бандлов из fanout exchange и
// рассылает их подключенным WebSocket клиентам через UpdateHub.
// Событие stack_updated (публикуется сервисом редактирования при
// мутациях стека) дополнительно сбрасывает кеш контрольной суммы.
// Каждый экземпляр сервиса получает собственную эксклюзивную очередь,
// привязанную к exchange: fanout доставляет событие каждому экземпляру.
type BundleEventConsumer struct {
	conn        *amqp.Connection
	hub         *ws.UpdateHub
	invalidator ChecksumInvalidator
	logger      *zap.Logger
	stopChannel chan struct{}
}

// NewBundleEventConsumer создает нового консьюмера событий бандлов.
// invalidator может быть nil: события тогда только транслируются клиентам.
func NewBundleEventConsumer(conn *amqp.Connection, hub *ws.UpdateHub, invalidator ChecksumInvalidator, logger *zap.Logger) (*BundleEventConsumer, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	return &BundleEventConsumer{
		conn:        conn,
		hub:         hub,
		invalidator: invalidator,
		logger:      logger.Named("BundleEventConsumer"),
		stopChannel: make(chan struct{}),
	}, nil
}

// StartConsuming начинает прослушивание событий. Блокирующая функция,
// запускается в отдельной горутине.
func (c *BundleEventConsumer) StartConsuming() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	defer ch.Close()

	// Exchange должен совпадать с объявленным издателем.
	err = ch.ExchangeDeclare(
		bundleEventsExchange,
		bundleEventsExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", bundleEventsExchange, err)
	}

	// Эксклюзивная безымянная очередь: живет вместе с соединением.
	q, err := ch.QueueDeclare(
		"",    // name (генерируется сервером)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", bundleEventsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue '%s': %w", q.Name, err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"bundle-service-ws-consumer", // consumer tag
		true,                         // auto-ack: потеря push-уведомления некритична
		false,                        // exclusive
		false,                        // no-local
		false,                        // no-wait
		nil,                          // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Bundle event consumer started", zap.String("queue", q.Name))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("RabbitMQ message channel closed")
				return nil
			}

			var event interfaces.BundleEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				c.logger.Error("Failed to unmarshal bundle event", zap.Error(err))
				continue
			}

			c.handleEvent(event)

		case <-c.stopChannel:
			c.logger.Info("Bundle event consumer stopping")
			return nil
		}
	}
}

// handleEvent обрабатывает одно событие: stack_updated сбрасывает кеш
// контрольной суммы, после чего любое событие транслируется клиентам.
func (c *BundleEventConsumer) handleEvent(event interfaces.BundleEvent) {
	if event.Type == interfaces.EventStackUpdated && c.invalidator != nil {
		stackID, err := uuid.Parse(event.StackID)
		if err != nil {
			c.logger.Error("Stack updated event carries malformed stack id",
				zap.String("stack_id", event.StackID), zap.Error(err))
		} else {
			c.invalidator.Invalidate(context.Background(), stackID)
		}
	}

	c.hub.BroadcastEvent(event)
	c.logger.Debug("Bundle event broadcast to connected clients",
		zap.String("type", string(event.Type)),
		zap.String("stack_id", event.StackID))
}

// Stop останавливает консьюмер.
func (c *BundleEventConsumer) Stop() {
	close(c.stopChannel)
}
