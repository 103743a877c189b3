package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"storystack-server/shared/interfaces"
)

const (
	bundleEventsExchange     = "bundle_events_exchange"
	bundleEventsExchangeType = "fanout"
)

// Проверка реализации интерфейса во время компиляции.
var _ interfaces.BundleEventPublisher = (*RabbitMQBundleEventPublisher)(nil)

// RabbitMQBundleEventPublisher публикует события жизненного цикла бандлов
// в fanout exchange. Подписчики (websocket-хаб, агенты синхронизации)
// получают каждое событие независимо друг от друга.
type RabbitMQBundleEventPublisher struct {
	conn         *amqp091.Connection
	ch           *amqp091.Channel
	logger       *zap.Logger
	exchangeName string
}

// NewRabbitMQBundleEventPublisher создает нового издателя событий бандлов.
func NewRabbitMQBundleEventPublisher(conn *amqp091.Connection, logger *zap.Logger) (*RabbitMQBundleEventPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("Failed to open a channel for bundle events", zap.Error(err))
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Объявляем fanout exchange. Если он уже существует, ничего не произойдет.
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
		_ = ch.Close()
		logger.Error("Failed to declare bundle events exchange", zap.String("exchange", bundleEventsExchange), zap.Error(err))
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", bundleEventsExchange, err)
	}

	logger.Info("Bundle events exchange declared successfully", zap.String("exchange", bundleEventsExchange), zap.String("type", bundleEventsExchangeType))

	return &RabbitMQBundleEventPublisher{
		conn:         conn,
		ch:           ch,
		logger:       logger.Named("BundleEventPublisher"),
		exchangeName: bundleEventsExchange,
	}, nil
}

// PublishBundleEvent публикует событие компиляции или обновления стека.
func (p *RabbitMQBundleEventPublisher) PublishBundleEvent(ctx context.Context, event interfaces.BundleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal bundle event", zap.Error(err), zap.String("stack_id", event.StackID))
		return fmt.Errorf("failed to marshal bundle event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchangeName, // exchange
		"",             // routing key (не используется для fanout)
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
			MessageId:   event.StackID,
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish bundle event",
			zap.Error(err),
			zap.String("type", string(event.Type)),
			zap.String("stack_id", event.StackID))
		return fmt.Errorf("failed to publish bundle event: %w", err)
	}

	p.logger.Debug("Bundle event published",
		zap.String("type", string(event.Type)),
		zap.String("stack_id", event.StackID),
		zap.String("checksum", event.Checksum))
	return nil
}

// Close закрывает канал RabbitMQ.
func (p *RabbitMQBundleEventPublisher) Close() error {
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}
