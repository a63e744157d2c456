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

// Broker type names accepted by the eventBus config section.
const (
	BrokerClassic = "classic-broker"
	BrokerManaged = "managed-bus"
)

// ErrCancelUnsupported is returned by backends whose scheduling primitive
// cannot recall a message once it has been handed to the broker.
var ErrCancelUnsupported = errors.New("bus: backend cannot cancel scheduled events")

// Handler consumes one decoded event. Returning an error triggers the
// backend's redelivery path.
type Handler func(ctx context.Context, event IntegrationEvent) error

// Decoder turns a raw message body into an envelope. Each event type gets
// its decoder registered alongside its handlers, so dispatch never has to
// search loaded types at runtime.
type Decoder func(body []byte) (IntegrationEvent, error)

// EventBus is the contract both backends fulfill. The pipeline depends only
// on this interface; the concrete backend is chosen at startup.
type EventBus interface {
	Publish(ctx context.Context, event IntegrationEvent) error
	PublishBatch(ctx context.Context, events []IntegrationEvent) error
	Subscribe(eventType string, handler Handler) error
	Unsubscribe(eventType string)
	SendCommand(ctx context.Context, queue string, command IntegrationEvent) error
	Schedule(ctx context.Context, event IntegrationEvent, deliveryTime time.Time) error
	CancelScheduled(ctx context.Context, eventID string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// dispatcher is the shared handler registry: an explicit map from event-type
// name to a decoder plus an ordered handler list.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*dispatchEntry
}

type dispatchEntry struct {
	decode   Decoder
	handlers []Handler
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger:  logger,
		entries: make(map[string]*dispatchEntry),
	}
}

func (d *dispatcher) subscribe(eventType string, decode Decoder, handler Handler) {
	if decode == nil {
		decode = DecodeEvent
	}
	d.mu.Lock()
	entry, ok := d.entries[eventType]
	if !ok {
		entry = &dispatchEntry{decode: decode}
		d.entries[eventType] = entry
	}
	entry.handlers = append(entry.handlers, handler)
	d.mu.Unlock()
}

func (d *dispatcher) unsubscribe(eventType string) {
	d.mu.Lock()
	if entry, ok := d.entries[eventType]; ok {
		entry.handlers = nil
	}
	d.mu.Unlock()
}

func (d *dispatcher) known(eventType string) bool {
	d.mu.RLock()
	_, ok := d.entries[eventType]
	d.mu.RUnlock()
	return ok
}

// Delivery outcomes decided by the dispatcher for one message.
type deliveryOutcome int

const (
	deliveryHandled deliveryOutcome = iota
	// deliveryAbandoned drops the message without redelivery: the type is
	// known but nobody handles it anymore.
	deliveryAbandoned
	// deliveryDeadLetter routes the message to the dead-letter destination:
	// the type is unknown or the body undecodable.
	deliveryDeadLetter
	// deliveryFailed is a handler error; the backend decides between
	// redelivery and dead-lettering based on the delivery count.
	deliveryFailed
)

// dispatch decodes once and runs every handler for the type sequentially
// under the message's cancellation signal.
func (d *dispatcher) dispatch(ctx context.Context, eventType string, body []byte) (deliveryOutcome, error) {
	d.mu.RLock()
	entry, ok := d.entries[eventType]
	var handlers []Handler
	var decode Decoder
	if ok {
		handlers = entry.handlers
		decode = entry.decode
	}
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("dead-lettering event of unknown type", slog.String("eventType", eventType))
		return deliveryDeadLetter, fmt.Errorf("bus: no subscription for type %q", eventType)
	}
	if len(handlers) == 0 {
		d.logger.Warn("abandoning event with no handlers", slog.String("eventType", eventType))
		return deliveryAbandoned, nil
	}

	event, err := decode(body)
	if err != nil {
		d.logger.Warn("dead-lettering undecodable event",
			slog.String("eventType", eventType), slog.Any("error", err))
		return deliveryDeadLetter, err
	}

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return deliveryFailed, err
		}
		if err := handler(ctx, event); err != nil {
			return deliveryFailed, fmt.Errorf("bus: handler for %s: %w", eventType, err)
		}
	}
	return deliveryHandled, nil
}

func topicName(prefix, eventType string) string {
	return prefix + strings.ToLower(eventType)
}

func queueName(prefix, subscription, eventType string) string {
	return prefix + subscription + "." + strings.ToLower(eventType)
}
