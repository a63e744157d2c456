package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/gatectrl/internal/auth"
	"github.com/l0p7/gatectrl/internal/metrics"
	"github.com/l0p7/gatectrl/internal/ratelimit"
	"github.com/l0p7/gatectrl/internal/routes"
	"github.com/l0p7/gatectrl/internal/transform"
)

// CorrelationHeader carries the request correlation id end to end.
const CorrelationHeader = "X-Correlation-Id"

// Schema names the pipeline transforms between. A request transform runs
// when a mapping (SchemaIncoming -> SchemaServiceRequest) is registered, a
// response transform when (SchemaServiceResponse -> SchemaOutgoing) is.
const (
	SchemaIncoming        = "gateway.incoming"
	SchemaServiceRequest  = "service.request"
	SchemaServiceResponse = "service.response"
	SchemaOutgoing        = "gateway.outgoing"
)

// Gateway-originated error codes.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeForbidden      = "FORBIDDEN"
	CodeBadGateway     = "BAD_GATEWAY"
	CodeGatewayTimeout = "GATEWAY_TIMEOUT"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Paths served by the control surface instead of the proxy.
var controlPrefixes = []string{"/health", "/metrics", "/swagger"}

// Pipeline is the single entry point for proxied traffic.
type Pipeline struct {
	logger      *slog.Logger
	limiter     *ratelimit.Limiter
	resolver    *routes.Resolver
	transformer *transform.Transformer
	client      *ProxyClient
	events      *Publisher
	metrics     *metrics.Recorder

	// Control serves the non-proxied endpoints when the pipeline is mounted
	// as the catch-all handler. Nil means control paths 404 here.
	Control http.Handler
}

// Options wires the pipeline's collaborators.
type Options struct {
	Limiter     *ratelimit.Limiter
	Resolver    *routes.Resolver
	Transformer *transform.Transformer
	Client      *ProxyClient
	Events      *Publisher
	Metrics     *metrics.Recorder
	Control     http.Handler
}

// New assembles the pipeline.
func New(logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:      logger.With(slog.String("component", "pipeline")),
		limiter:     opts.Limiter,
		resolver:    opts.Resolver,
		transformer: opts.Transformer,
		client:      opts.Client,
		events:      opts.Events,
		metrics:     opts.Metrics,
		Control:     opts.Control,
	}
}

// IsControlPath reports whether a path belongs to the control surface rather
// than the proxy.
func IsControlPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range controlPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// ServeHTTP makes the pipeline mountable as a handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Process(w, r)
}

// Process runs the full request pipeline: correlation stamping, admission,
// route resolution, transforms, dispatch, and the outcome event.
func (p *Pipeline) Process(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(CorrelationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(CorrelationHeader, correlationID)
	logger := p.logger.With(slog.String("correlation_id", correlationID))

	if IsControlPath(r.URL.Path) {
		if p.Control != nil {
			p.Control.ServeHTTP(w, r)
			return
		}
		WriteError(w, http.StatusNotFound, CodeNotFound, "no control surface mounted")
		return
	}

	start := time.Now()
	ctx := r.Context()
	principal := auth.PrincipalFromContext(ctx)
	clientID := deriveClientID(principal, r)
	endpoint := r.URL.Path

	if p.limiter != nil {
		admission, err := p.limiter.Check(ctx, clientID, endpoint)
		if err != nil {
			logger.Error("rate limiter unavailable", slog.Any("error", err))
			p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusInternalServerError,
				CodeInternalError, "admission check failed")
			return
		}
		switch {
		case !admission.Allowed:
			p.metrics.ObserveRateLimit(endpoint, metrics.RateLimitRejected)
			retryAfter := int(admission.RetryAfter.Seconds() + 0.999)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(admission.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(admission.Remaining))
			p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusTooManyRequests,
				CodeRateLimited, "rate limit exceeded")
			return
		case admission.Whitelisted:
			p.metrics.ObserveRateLimit(endpoint, metrics.RateLimitWhitelisted)
		case admission.FailedOpen:
			p.metrics.ObserveRateLimit(endpoint, metrics.RateLimitFailOpen)
		default:
			p.metrics.ObserveRateLimit(endpoint, metrics.RateLimitAllowed)
		}
	}

	match, err := p.resolver.Resolve(r)
	if err != nil {
		logger.Error("route resolution failed", slog.Any("error", err))
		p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusBadGateway,
			CodeBadGateway, "no backend instance available")
		return
	}
	if match == nil {
		p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusNotFound,
			CodeNotFound, "no route matches "+endpoint)
		return
	}
	logger = logger.With(slog.String("route", match.RouteID), slog.String("service", match.ServiceName))

	if !scopesSatisfied(principal, match.Scopes) {
		p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusForbidden,
			CodeForbidden, "missing required scope")
		return
	}

	outBody, contentType, err := p.prepareRequestBody(ctx, r)
	if err != nil {
		p.failTransform(w, logger, correlationID, endpoint, r.Method, err)
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, match.Timeout)
	defer cancel()

	outbound, err := buildOutboundRequest(dispatchCtx, r, match, correlationID, outBody, contentType)
	if err != nil {
		logger.Error("outbound request build failed", slog.Any("error", err))
		p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusInternalServerError,
			CodeInternalError, "could not build backend request")
		return
	}

	resp, err := p.client.Do(dispatchCtx, match.ServiceName, outbound, match.Retry)
	if err != nil {
		status, code, message := mapDispatchError(err)
		logger.Warn("backend dispatch failed",
			slog.String("target", match.TargetURL), slog.Any("error", err))
		p.fail(w, logger, correlationID, endpoint, r.Method, status, code, message)
		p.metrics.ObserveRequest(match.ServiceName, r.Method, status, time.Since(start))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.fail(w, logger, correlationID, endpoint, r.Method, http.StatusBadGateway,
			CodeBadGateway, "backend response unreadable")
		return
	}

	respBody, modified, err := p.transformResponseBody(ctx, resp, respBody)
	if err != nil {
		p.failTransform(w, logger, correlationID, endpoint, r.Method, err)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header, modified)
	w.Header().Set(CorrelationHeader, correlationID)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		logger.Warn("response write failed", slog.Any("error", err))
	}

	duration := time.Since(start)
	p.metrics.ObserveRequest(match.ServiceName, r.Method, resp.StatusCode, duration)
	p.events.RequestProcessed(correlationID, match.ServiceName, endpoint, r.Method, resp.StatusCode, duration, principal)
}

// prepareRequestBody reads the inbound body and applies the request mapping
// when one is registered for JSON payloads. The returned content type is
// empty when the body passes through untouched.
func (p *Pipeline) prepareRequestBody(ctx context.Context, r *http.Request) ([]byte, string, error) {
	if r.Body == nil {
		return nil, "", nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	r.Body.Close()
	if len(body) == 0 {
		return nil, "", nil
	}

	if !isJSONContent(r.Header.Get("Content-Type")) || p.transformer == nil ||
		!p.transformer.HasMapping(SchemaIncoming, SchemaServiceRequest) {
		return body, "", nil
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		// Not an object document; forward the original bytes.
		return body, "", nil
	}
	transformed, err := p.transformer.TransformRequest(ctx, doc, SchemaIncoming, SchemaServiceRequest)
	if err != nil {
		return nil, "", err
	}
	out, err := json.Marshal(transformed)
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

func (p *Pipeline) transformResponseBody(ctx context.Context, resp *http.Response, body []byte) ([]byte, bool, error) {
	if len(body) == 0 || !isJSONContent(resp.Header.Get("Content-Type")) ||
		p.transformer == nil || !p.transformer.HasMapping(SchemaServiceResponse, SchemaOutgoing) {
		return body, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, false, nil
	}
	transformed, err := p.transformer.TransformResponse(ctx, doc, SchemaServiceResponse, SchemaOutgoing)
	if err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(transformed)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func buildOutboundRequest(ctx context.Context, r *http.Request, match *routes.RouteMatch, correlationID string, body []byte, contentType string) (*http.Request, error) {
	outbound, err := http.NewRequestWithContext(ctx, r.Method, match.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	outbound.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") || strings.HasPrefix(http.CanonicalHeaderKey(name), "Content-") {
			continue
		}
		for _, value := range values {
			outbound.Header.Add(name, value)
		}
	}
	for name, value := range match.Headers {
		outbound.Header.Set(name, value)
	}
	outbound.Header.Set(CorrelationHeader, correlationID)

	switch {
	case contentType != "":
		outbound.Header.Set("Content-Type", contentType)
	case len(body) > 0 && r.Header.Get("Content-Type") != "":
		outbound.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	}
	return outbound, nil
}

func copyResponseHeaders(dst, src http.Header, bodyModified bool) {
	for name, values := range src {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		if bodyModified && (strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Content-Encoding")) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func mapDispatchError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return http.StatusBadGateway, CodeBadGateway, "backend circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeGatewayTimeout, "backend call timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, CodeGatewayTimeout, "backend call timed out"
	}
	var transient *transientStatusError
	if errors.As(err, &transient) {
		return http.StatusBadGateway, CodeBadGateway, "backend kept failing"
	}
	return http.StatusBadGateway, CodeBadGateway, "backend unreachable"
}

func scopesSatisfied(p *auth.Principal, required []string) bool {
	if len(required) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, scope := range required {
		if !p.HasScope(scope) {
			return false
		}
	}
	return true
}

// deriveClientID picks the rate-limit identity: subject claim, client-id
// claim, opaque key header, remote address, then the anonymous fallback.
func deriveClientID(p *auth.Principal, r *http.Request) string {
	if id := p.ClientID(); id != "" {
		return id
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func isJSONContent(contentType string) bool {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// fail writes the gateway error envelope and emits the matching error event.
func (p *Pipeline) fail(w http.ResponseWriter, logger *slog.Logger, correlationID, endpoint, method string, status int, code, message string) {
	WriteError(w, status, code, message)
	if code != CodeNotFound && code != CodeRateLimited && code != CodeForbidden {
		p.events.ErrorOccurred(correlationID, endpoint, method, code, message)
	}
	logger.Info("request rejected",
		slog.Int("status", status),
		slog.String("code", code))
}

func (p *Pipeline) failTransform(w http.ResponseWriter, logger *slog.Logger, correlationID, endpoint, method string, err error) {
	message := "payload transform failed"
	var terr *transform.TransformError
	if errors.As(err, &terr) {
		message = "payload transform failed at " + terr.Path
	}
	logger.Error("transform failed", slog.Any("error", err))
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
	p.events.ErrorOccurred(correlationID, endpoint, method, CodeInternalError, message)
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

// WriteError emits the gateway error envelope with a fresh timestamp.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorDetail{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}
