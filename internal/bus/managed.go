package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNotScheduled is returned when cancelling an event id with no pending
// scheduled delivery.
var ErrNotScheduled = errors.New("bus: no pending scheduled event")

// ManagedConfig carries the managed-bus settings from the eventBus section.
type ManagedConfig struct {
	Subscription     string `koanf:"subscription"`
	MaxDeliveryCount int    `koanf:"maxDeliveryCount"`
	MaxBatchBytes    int    `koanf:"maxBatchBytes"`
	QueueDepth       int    `koanf:"queueDepth"`
}

func (c *ManagedConfig) applyDefaults() {
	if c.Subscription == "" {
		c.Subscription = "gateway"
	}
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = 3
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 256 * 1024
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
}

// managedMessage is one delivery on a managed subscription. The envelope
// fields ride along as application properties.
type managedMessage struct {
	eventType     string
	body          []byte
	properties    map[string]string
	deliveryCount int
}

type managedSubscription struct {
	name  string
	queue chan *managedMessage

	mu          sync.Mutex
	deadLetters []*managedMessage
}

type managedTopic struct {
	name          string
	subscriptions map[string]*managedSubscription
}

// ManagedBus is the managed-topic backend: per event type a topic plus a
// named subscription, native dead-lettering on repeated failure, and sized
// publish batches. Topics live in process memory, so the backend is fully
// deterministic under test; swapping in a hosted namespace changes only
// this file.
type ManagedBus struct {
	logger     *slog.Logger
	cfg        ManagedConfig
	dispatcher *dispatcher

	mu      sync.Mutex
	topics  map[string]*managedTopic
	timers  map[string]*time.Timer
	started bool

	consumeCtx    context.Context
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewManaged builds the managed-topic backend.
func NewManaged(logger *slog.Logger, cfg ManagedConfig) *ManagedBus {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	logger = logger.With(slog.String("component", "event_bus"), slog.String("backend", BrokerManaged))
	return &ManagedBus{
		logger:     logger,
		cfg:        cfg,
		dispatcher: newDispatcher(logger),
		topics:     make(map[string]*managedTopic),
		timers:     make(map[string]*time.Timer),
	}
}

func (b *ManagedBus) topicLocked(eventType string) *managedTopic {
	name := strings.ToLower(eventType)
	topic, ok := b.topics[name]
	if !ok {
		topic = &managedTopic{name: name, subscriptions: make(map[string]*managedSubscription)}
		b.topics[name] = topic
	}
	return topic
}

func messageFor(event IntegrationEvent, body []byte) *managedMessage {
	return &managedMessage{
		eventType: event.EventType,
		body:      body,
		properties: map[string]string{
			"eventId":       event.EventID,
			"correlationId": event.CorrelationID,
			"eventType":     event.EventType,
			"source":        event.Source,
			"timestamp":     event.Timestamp.Format(time.RFC3339Nano),
		},
	}
}

// Start launches a consumer per existing subscription.
func (b *ManagedBus) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	b.consumeCtx, b.consumeCancel = context.WithCancel(context.Background())
	for _, topic := range b.topics {
		for _, sub := range topic.subscriptions {
			b.wg.Add(1)
			go b.consumeLoop(sub)
		}
	}
	b.logger.Info("event bus started", slog.Int("topics", len(b.topics)))
	return nil
}

// Stop cancels consumers, drops pending scheduled deliveries, and waits for
// in-flight handlers up to the context deadline.
func (b *ManagedBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.consumeCancel()
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish fans the event out to every subscription on its topic. A topic
// with no subscriptions swallows the message, as topics do.
func (b *ManagedBus) Publish(ctx context.Context, event IntegrationEvent) error {
	body, err := event.Encode()
	if err != nil {
		return err
	}
	return b.enqueue(ctx, messageFor(event, body))
}

func (b *ManagedBus) enqueue(ctx context.Context, message *managedMessage) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errors.New("bus: not started")
	}
	topic := b.topicLocked(message.eventType)
	subs := make([]*managedSubscription, 0, len(topic.subscriptions))
	for _, sub := range topic.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		// Each subscription gets its own delivery state.
		copied := *message
		select {
		case sub.queue <- &copied:
		case <-ctx.Done():
			return fmt.Errorf("bus: enqueue %s: %w", message.eventType, ctx.Err())
		}
	}
	return nil
}

// PublishBatch fills size-bounded batches: a full batch flushes and the
// overflowing event retries in a fresh one; an event too large for an empty
// batch is rejected outright.
func (b *ManagedBus) PublishBatch(ctx context.Context, events []IntegrationEvent) error {
	var batch []*managedMessage
	batchBytes := 0

	flush := func() error {
		for _, message := range batch {
			if err := b.enqueue(ctx, message); err != nil {
				return err
			}
		}
		batch = batch[:0]
		batchBytes = 0
		return nil
	}

	for _, event := range events {
		body, err := event.Encode()
		if err != nil {
			return err
		}
		if len(body) > b.cfg.MaxBatchBytes {
			return fmt.Errorf("bus: event %s exceeds batch capacity (%d > %d bytes)",
				event.EventID, len(body), b.cfg.MaxBatchBytes)
		}
		if batchBytes+len(body) > b.cfg.MaxBatchBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, messageFor(event, body))
		batchBytes += len(body)
	}
	return flush()
}

// SendCommand treats the queue name as a point-to-point topic.
func (b *ManagedBus) SendCommand(ctx context.Context, queue string, command IntegrationEvent) error {
	body, err := command.Encode()
	if err != nil {
		return err
	}
	message := messageFor(command, body)
	message.eventType = queue
	return b.enqueue(ctx, message)
}

// Schedule arms a timer that publishes at the delivery time. The pending
// delivery can be recalled with CancelScheduled until it fires.
func (b *ManagedBus) Schedule(ctx context.Context, event IntegrationEvent, deliveryTime time.Time) error {
	delay := time.Until(deliveryTime)
	if delay <= 0 {
		return b.Publish(ctx, event)
	}
	body, err := event.Encode()
	if err != nil {
		return err
	}
	message := messageFor(event, body)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return errors.New("bus: not started")
	}
	b.timers[event.EventID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, event.EventID)
		b.mu.Unlock()
		if err := b.enqueue(context.Background(), message); err != nil {
			b.logger.Warn("scheduled delivery failed",
				slog.String("eventType", event.EventType), slog.Any("error", err))
		}
	})
	return nil
}

// CancelScheduled recalls a pending scheduled delivery by event id.
func (b *ManagedBus) CancelScheduled(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	timer, ok := b.timers[eventID]
	if !ok {
		return ErrNotScheduled
	}
	timer.Stop()
	delete(b.timers, eventID)
	return nil
}

// Subscribe registers a handler and ensures the topic carries this bus's
// subscription; on a running bus the consumer starts immediately.
func (b *ManagedBus) Subscribe(eventType string, handler Handler) error {
	b.dispatcher.subscribe(eventType, DecodeEvent, handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	topic := b.topicLocked(eventType)
	if _, ok := topic.subscriptions[b.cfg.Subscription]; ok {
		return nil
	}
	sub := &managedSubscription{
		name:  b.cfg.Subscription,
		queue: make(chan *managedMessage, b.cfg.QueueDepth),
	}
	topic.subscriptions[b.cfg.Subscription] = sub
	if b.started {
		b.wg.Add(1)
		go b.consumeLoop(sub)
	}
	return nil
}

// Unsubscribe drops the handlers; the subscription keeps draining and
// abandons what it receives.
func (b *ManagedBus) Unsubscribe(eventType string) {
	b.dispatcher.unsubscribe(eventType)
}

func (b *ManagedBus) consumeLoop(sub *managedSubscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.consumeCtx.Done():
			return
		case message := <-sub.queue:
			b.handleDelivery(sub, message)
		}
	}
}

func (b *ManagedBus) handleDelivery(sub *managedSubscription, message *managedMessage) {
	message.deliveryCount++
	outcome, err := b.dispatcher.dispatch(b.consumeCtx, message.eventType, message.body)
	switch outcome {
	case deliveryHandled, deliveryAbandoned:
	case deliveryDeadLetter:
		b.deadLetter(sub, message)
	case deliveryFailed:
		if message.deliveryCount >= b.cfg.MaxDeliveryCount {
			b.logger.Warn("dead-lettering after repeated failures",
				slog.String("eventType", message.eventType),
				slog.Int("deliveries", message.deliveryCount),
				slog.Any("error", err))
			b.deadLetter(sub, message)
			return
		}
		// The consumer re-enqueues into its own queue, so a blocking send
		// would deadlock once publishers fill it mid-handling. When the
		// redelivery does not fit, the message dead-letters instead.
		select {
		case sub.queue <- message:
			b.logger.Warn("handler failed, redelivering",
				slog.String("eventType", message.eventType),
				slog.Int("deliveries", message.deliveryCount),
				slog.Any("error", err))
		default:
			b.logger.Warn("handler failed and queue is full, dead-lettering",
				slog.String("eventType", message.eventType),
				slog.Int("deliveries", message.deliveryCount),
				slog.Any("error", err))
			b.deadLetter(sub, message)
		}
	}
}

func (b *ManagedBus) deadLetter(sub *managedSubscription, message *managedMessage) {
	sub.mu.Lock()
	sub.deadLetters = append(sub.deadLetters, message)
	sub.mu.Unlock()
}

// DeadLettered returns the dead-lettered envelopes for an event type's
// subscription, oldest first.
func (b *ManagedBus) DeadLettered(eventType string) []IntegrationEvent {
	b.mu.Lock()
	topic, ok := b.topics[strings.ToLower(eventType)]
	var sub *managedSubscription
	if ok {
		sub = topic.subscriptions[b.cfg.Subscription]
	}
	b.mu.Unlock()
	if sub == nil {
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]IntegrationEvent, 0, len(sub.deadLetters))
	for _, message := range sub.deadLetters {
		if event, err := DecodeEvent(message.body); err == nil {
			out = append(out, event)
		}
	}
	return out
}

// PendingCount reports the live-queue depth for an event type's
// subscription.
func (b *ManagedBus) PendingCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.topics[strings.ToLower(eventType)]
	if !ok {
		return 0
	}
	sub, ok := topic.subscriptions[b.cfg.Subscription]
	if !ok {
		return 0
	}
	return len(sub.queue)
}
