// Package gateway orchestrates the per-request pipeline: admission, route
// resolution, payload transforms, resilient dispatch, and outcome events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	"github.com/l0p7/gatectrl/internal/metrics"
	"github.com/l0p7/gatectrl/internal/routes"
)

// ErrCircuitOpen marks a dispatch short-circuited by an open breaker.
var ErrCircuitOpen = errors.New("gateway: circuit open")

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 2 * time.Second
	breakerFailures      = 5
	breakerCooldown      = 30 * time.Second
)

// transientStatusError marks a retryable backend status.
type transientStatusError struct {
	status int
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("gateway: backend returned %d", e.status)
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ProxyClient dispatches backend calls with per-route retry and a per-service
// circuit breaker. Breakers are created lazily and live for the process.
type ProxyClient struct {
	logger  *slog.Logger
	client  *http.Client
	metrics *metrics.Recorder

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewProxyClient builds a dispatcher over the given transport. A nil client
// uses a transport with no global timeout; deadlines come from the request
// context.
func NewProxyClient(logger *slog.Logger, client *http.Client, recorder *metrics.Recorder) *ProxyClient {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ProxyClient{
		logger:   logger.With(slog.String("component", "proxy_client")),
		client:   client,
		metrics:  recorder,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *ProxyClient) breakerFor(service string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if breaker, ok := c.breakers[service]; ok {
		return breaker
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit state changed",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			c.metrics.ObserveBreakerTransition(name, from.String(), to.String())
		},
	})
	c.breakers[service] = breaker
	return breaker
}

// Do executes the outbound request under the service's breaker, retrying
// transient failures with exponential backoff. The request must carry GetBody
// when it has a body, so attempts can replay it.
func (c *ProxyClient) Do(ctx context.Context, service string, req *http.Request, policy routes.RetryPolicy) (*http.Response, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	result, err := c.breakerFor(service).Execute(func() (any, error) {
		return c.doWithRetry(ctx, req, attempts, delay)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, service)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *ProxyClient) doWithRetry(ctx context.Context, req *http.Request, attempts int, delay time.Duration) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			attempt, err := cloneForAttempt(req)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			r, err := c.client.Do(attempt)
			if err != nil {
				return err
			}
			if isTransientStatus(r.StatusCode) {
				// Drain so the connection can be reused before retrying.
				io.Copy(io.Discard, r.Body)
				r.Body.Close()
				return &transientStatusError{status: r.StatusCode}
			}
			resp = r
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var transient *transientStatusError
			if errors.As(err, &transient) {
				return true
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying backend call",
				slog.String("url", req.URL.String()),
				slog.Uint64("attempt", uint64(n)+1),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// cloneForAttempt produces a fresh request for one attempt; bodies replay via
// GetBody.
func cloneForAttempt(req *http.Request) (*http.Request, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("gateway: replay request body: %w", err)
		}
		attempt.Body = body
	}
	return attempt, nil
}
