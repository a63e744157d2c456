package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/gatectrl/internal/auth"
	"github.com/l0p7/gatectrl/internal/bus"
	"github.com/l0p7/gatectrl/internal/metrics"
)

// Source stamped on every event the gateway emits.
const eventSource = "gatectrl"

// Event types published by the pipeline.
const (
	EventRequestProcessed = "ApiRequestProcessed"
	EventErrorOccurred    = "GatewayErrorOccurred"
)

const publishTimeout = 2 * time.Second

// Publisher emits outcome events fire-and-forget: publishes never block the
// response and their failures are logged, not surfaced.
type Publisher struct {
	logger  *slog.Logger
	bus     bus.EventBus
	metrics *metrics.Recorder
}

// NewPublisher wraps the event bus for pipeline use. A nil bus disables
// publishing.
func NewPublisher(logger *slog.Logger, eventBus bus.EventBus, recorder *metrics.Recorder) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		logger:  logger.With(slog.String("component", "event_publisher")),
		bus:     eventBus,
		metrics: recorder,
	}
}

// RequestProcessed reports one completed request, successful or not.
func (p *Publisher) RequestProcessed(correlationID, service, endpoint, method string, status int, duration time.Duration, principal *auth.Principal) {
	payload := map[string]any{
		"serviceName": service,
		"endpoint":    endpoint,
		"method":      method,
		"statusCode":  status,
		"durationMs":  duration.Milliseconds(),
	}
	if principal != nil {
		payload["principal"] = map[string]any{
			"subject":  principal.Subject,
			"authType": principal.AuthType,
		}
	}
	p.emit(bus.NewEvent(EventRequestProcessed, eventSource, correlationID, payload))
}

// ErrorOccurred reports a pipeline failure with its mapped error code.
func (p *Publisher) ErrorOccurred(correlationID, endpoint, method, code, message string) {
	p.emit(bus.NewEvent(EventErrorOccurred, eventSource, correlationID, map[string]any{
		"endpoint": endpoint,
		"method":   method,
		"code":     code,
		"message":  message,
	}))
}

func (p *Publisher) emit(event bus.IntegrationEvent) {
	if p == nil || p.bus == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.bus.Publish(ctx, event); err != nil {
			p.logger.Warn("event publish failed",
				slog.String("eventType", event.EventType),
				slog.String("correlation_id", event.CorrelationID),
				slog.Any("error", err))
			p.metrics.ObserveBusPublish(event.EventType, metrics.PublishError)
			return
		}
		p.metrics.ObserveBusPublish(event.EventType, metrics.PublishOK)
	}()
}
