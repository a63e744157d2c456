package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig carries the classic-broker settings from the eventBus section.
type AMQPConfig struct {
	URL                 string        `koanf:"url"`
	Prefix              string        `koanf:"prefix"`
	Subscription        string        `koanf:"subscription"`
	MaxDeliveryCount    int           `koanf:"maxDeliveryCount"`
	Prefetch            int           `koanf:"prefetch"`
	ConfirmTimeout      time.Duration `koanf:"confirmTimeout"`
	BatchConfirmTimeout time.Duration `koanf:"batchConfirmTimeout"`
}

func (c *AMQPConfig) applyDefaults() {
	if c.Subscription == "" {
		c.Subscription = "gateway"
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = 3
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.BatchConfirmTimeout <= 0 {
		c.BatchConfirmTimeout = 10 * time.Second
	}
}

// AMQPBus is the classic-broker backend: durable topic exchanges per event
// type, durable quorum queues per subscription, publisher confirms, and a
// shared dead-letter exchange.
type AMQPBus struct {
	logger     *slog.Logger
	cfg        AMQPConfig
	dispatcher *dispatcher

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	started   bool
	exchanges map[string]struct{}
	consuming map[string]struct{}

	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewAMQP builds the classic-broker backend. The connection is opened by
// Start, not here.
func NewAMQP(logger *slog.Logger, cfg AMQPConfig) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, errors.New("bus: broker url required")
	}
	cfg.applyDefaults()
	logger = logger.With(slog.String("component", "event_bus"), slog.String("backend", BrokerClassic))
	return &AMQPBus{
		logger:     logger,
		cfg:        cfg,
		dispatcher: newDispatcher(logger),
		exchanges:  make(map[string]struct{}),
		consuming:  make(map[string]struct{}),
	}, nil
}

func (b *AMQPBus) deadLetterExchange() string { return b.cfg.Prefix + "deadletter" }

// Start dials the broker, declares the dead-letter plumbing, and begins
// consuming every subscribed event type.
func (b *AMQPBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("bus: dial broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("bus: open channel: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("bus: enable confirms: %w", err)
	}
	if err := channel.Qos(b.cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("bus: set prefetch: %w", err)
	}

	dlx := b.deadLetterExchange()
	if err := channel.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("bus: declare dead-letter exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("bus: declare dead-letter queue: %w", err)
	}
	if err := channel.QueueBind(dlx, "#", dlx, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("bus: bind dead-letter queue: %w", err)
	}

	b.conn = conn
	b.channel = channel
	b.started = true
	b.consumeCtx, b.consumeCancel = context.WithCancel(context.Background())

	b.dispatcher.mu.RLock()
	types := make([]string, 0, len(b.dispatcher.entries))
	for eventType := range b.dispatcher.entries {
		types = append(types, eventType)
	}
	b.dispatcher.mu.RUnlock()

	for _, eventType := range types {
		if err := b.consumeLocked(eventType); err != nil {
			return err
		}
	}
	b.logger.Info("event bus started", slog.Int("subscriptions", len(types)))
	return nil
}

// Stop cancels consumers and closes the broker connection. Sender and
// consumer disposal is guaranteed here on shutdown.
func (b *AMQPBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.consumeCancel()
	channel, conn := b.channel, b.conn
	b.channel, b.conn = nil, nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var firstErr error
	if channel != nil {
		if err := channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureExchangeLocked declares the durable topic exchange for an event type
// once per process.
func (b *AMQPBus) ensureExchangeLocked(eventType string) (string, error) {
	exchange := topicName(b.cfg.Prefix, eventType)
	if _, ok := b.exchanges[exchange]; ok {
		return exchange, nil
	}
	if err := b.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("bus: declare exchange %s: %w", exchange, err)
	}
	b.exchanges[exchange] = struct{}{}
	return exchange, nil
}

func publishing(event IntegrationEvent, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Type:          event.EventType,
		Timestamp:     event.Timestamp,
		AppId:         event.Source,
		Body:          body,
	}
}

// Publish confirms the write within ConfirmTimeout; an unconfirmed publish
// is an error, never a silent drop.
func (b *AMQPBus) Publish(ctx context.Context, event IntegrationEvent) error {
	body, err := event.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bus: not started")
	}
	exchange, err := b.ensureExchangeLocked(event.EventType)
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	confirmation, err := b.channel.PublishWithDeferredConfirmWithContext(
		confirmCtx, exchange, strings.ToLower(event.EventType), false, false, publishing(event, body))
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", event.EventType, err)
	}
	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("bus: confirm %s: %w", event.EventType, err)
	}
	if !acked {
		return fmt.Errorf("bus: broker rejected %s", event.EventType)
	}
	return nil
}

// PublishBatch writes every event and then waits for all confirms within
// BatchConfirmTimeout.
func (b *AMQPBus) PublishBatch(ctx context.Context, events []IntegrationEvent) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bus: not started")
	}

	confirmCtx, cancel := context.WithTimeout(ctx, b.cfg.BatchConfirmTimeout)
	defer cancel()

	confirmations := make([]*amqp.DeferredConfirmation, 0, len(events))
	for _, event := range events {
		body, err := event.Encode()
		if err != nil {
			return err
		}
		exchange, err := b.ensureExchangeLocked(event.EventType)
		if err != nil {
			return err
		}
		confirmation, err := b.channel.PublishWithDeferredConfirmWithContext(
			confirmCtx, exchange, strings.ToLower(event.EventType), false, false, publishing(event, body))
		if err != nil {
			return fmt.Errorf("bus: publish %s: %w", event.EventType, err)
		}
		confirmations = append(confirmations, confirmation)
	}
	for i, confirmation := range confirmations {
		acked, err := confirmation.WaitContext(confirmCtx)
		if err != nil {
			return fmt.Errorf("bus: confirm batch item %d: %w", i, err)
		}
		if !acked {
			return fmt.Errorf("bus: broker rejected batch item %d", i)
		}
	}
	return nil
}

// SendCommand publishes directly to a named durable queue, bypassing the
// per-type exchanges.
func (b *AMQPBus) SendCommand(ctx context.Context, queue string, command IntegrationEvent) error {
	body, err := command.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bus: not started")
	}
	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare command queue %s: %w", queue, err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	confirmation, err := b.channel.PublishWithDeferredConfirmWithContext(
		confirmCtx, "", queue, false, false, publishing(command, body))
	if err != nil {
		return fmt.Errorf("bus: send command to %s: %w", queue, err)
	}
	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("bus: confirm command to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("bus: broker rejected command to %s", queue)
	}
	return nil
}

// Schedule parks the event on a per-type delay queue whose TTL expiry
// dead-letters it back to the live exchange at the requested time.
func (b *AMQPBus) Schedule(ctx context.Context, event IntegrationEvent, deliveryTime time.Time) error {
	delay := time.Until(deliveryTime)
	if delay <= 0 {
		return b.Publish(ctx, event)
	}
	body, err := event.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bus: not started")
	}
	exchange, err := b.ensureExchangeLocked(event.EventType)
	if err != nil {
		return err
	}

	routingKey := strings.ToLower(event.EventType)
	delayQueue := b.cfg.Prefix + "delay." + routingKey
	if _, err := b.channel.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": routingKey,
	}); err != nil {
		return fmt.Errorf("bus: declare delay queue %s: %w", delayQueue, err)
	}

	message := publishing(event, body)
	message.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)

	confirmCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()
	confirmation, err := b.channel.PublishWithDeferredConfirmWithContext(
		confirmCtx, "", delayQueue, false, false, message)
	if err != nil {
		return fmt.Errorf("bus: schedule %s: %w", event.EventType, err)
	}
	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("bus: confirm scheduled %s: %w", event.EventType, err)
	}
	if !acked {
		return fmt.Errorf("bus: broker rejected scheduled %s", event.EventType)
	}
	return nil
}

// CancelScheduled cannot be honored on this backend: a TTL-parked message is
// already owned by the broker.
func (b *AMQPBus) CancelScheduled(context.Context, string) error {
	return ErrCancelUnsupported
}

// Subscribe registers a handler and, when the bus is running, begins
// consuming the type's queue.
func (b *AMQPBus) Subscribe(eventType string, handler Handler) error {
	b.dispatcher.subscribe(eventType, DecodeEvent, handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	return b.consumeLocked(eventType)
}

// Unsubscribe drops the handlers; subsequent deliveries for the type are
// abandoned rather than redelivered.
func (b *AMQPBus) Unsubscribe(eventType string) {
	b.dispatcher.unsubscribe(eventType)
}

func (b *AMQPBus) consumeLocked(eventType string) error {
	queue := queueName(b.cfg.Prefix, b.cfg.Subscription, eventType)
	if _, ok := b.consuming[queue]; ok {
		return nil
	}
	exchange, err := b.ensureExchangeLocked(eventType)
	if err != nil {
		return err
	}

	routingKey := strings.ToLower(eventType)
	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": b.deadLetterExchange(),
	}); err != nil {
		return fmt.Errorf("bus: declare queue %s: %w", queue, err)
	}
	if err := b.channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bus: bind queue %s: %w", queue, err)
	}

	deliveries, err := b.channel.ConsumeWithContext(b.consumeCtx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: consume %s: %w", queue, err)
	}
	b.consuming[queue] = struct{}{}

	b.wg.Add(1)
	go b.consumeLoop(eventType, deliveries)
	return nil
}

func (b *AMQPBus) consumeLoop(eventType string, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	for delivery := range deliveries {
		b.handleDelivery(eventType, delivery)
	}
}

func (b *AMQPBus) handleDelivery(eventType string, delivery amqp.Delivery) {
	messageType := delivery.Type
	if messageType == "" {
		messageType = eventType
	}

	outcome, err := b.dispatcher.dispatch(b.consumeCtx, messageType, delivery.Body)
	switch outcome {
	case deliveryHandled:
		if ackErr := delivery.Ack(false); ackErr != nil {
			b.logger.Error("ack failed", slog.String("eventType", messageType), slog.Any("error", ackErr))
		}
	case deliveryAbandoned, deliveryDeadLetter:
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			b.logger.Error("nack failed", slog.String("eventType", messageType), slog.Any("error", nackErr))
		}
	case deliveryFailed:
		attempts := deliveryAttempts(delivery)
		requeue := attempts < b.cfg.MaxDeliveryCount
		b.logger.Warn("handler failed",
			slog.String("eventType", messageType),
			slog.Int("attempt", attempts),
			slog.Bool("requeue", requeue),
			slog.Any("error", err))
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			b.logger.Error("nack failed", slog.String("eventType", messageType), slog.Any("error", nackErr))
		}
	}
}

// deliveryAttempts reads the quorum queue delivery counter; the header is
// absent on the first delivery.
func deliveryAttempts(delivery amqp.Delivery) int {
	if raw, ok := delivery.Headers["x-delivery-count"]; ok {
		switch count := raw.(type) {
		case int64:
			return int(count) + 1
		case int32:
			return int(count) + 1
		case int:
			return count + 1
		}
	}
	return 1
}
