package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/gatectrl/internal/auth"
	"github.com/l0p7/gatectrl/internal/bus"
	"github.com/l0p7/gatectrl/internal/metrics"
	"github.com/l0p7/gatectrl/internal/ratelimit"
	"github.com/l0p7/gatectrl/internal/registry"
	"github.com/l0p7/gatectrl/internal/routes"
	"github.com/l0p7/gatectrl/internal/schema"
	"github.com/l0p7/gatectrl/internal/store"
	"github.com/l0p7/gatectrl/internal/transform"
)

type pipelineFixture struct {
	pipeline    *Pipeline
	resolver    *routes.Resolver
	limiter     *ratelimit.Limiter
	transformer *transform.Transformer
	bus         *bus.ManagedBus
}

func newFixture(t *testing.T, limitPolicy ratelimit.Policy) *pipelineFixture {
	t.Helper()
	logger := slog.Default()
	st := store.NewMemory()

	reg := registry.New(logger)
	resolver := routes.NewResolver(logger, reg)

	mapper := schema.NewMapper(logger, st)
	transformer, err := transform.NewTransformer(logger, mapper)
	if err != nil {
		t.Fatalf("transformer: %v", err)
	}

	if limitPolicy.RequestsPerWindow == 0 {
		limitPolicy = ratelimit.DefaultPolicy()
	}
	limiter := ratelimit.New(logger, ratelimit.Options{Store: st, DefaultPolicy: limitPolicy})

	eventBus := bus.NewManaged(logger, bus.ManagedConfig{})
	if err := eventBus.Start(context.Background()); err != nil {
		t.Fatalf("bus start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eventBus.Stop(ctx)
	})

	pipeline := New(logger, Options{
		Limiter:     limiter,
		Resolver:    resolver,
		Transformer: transformer,
		Client:      NewProxyClient(logger, nil, nil),
		Events:      NewPublisher(logger, eventBus, nil),
	})
	return &pipelineFixture{
		pipeline:    pipeline,
		resolver:    resolver,
		limiter:     limiter,
		transformer: transformer,
		bus:         eventBus,
	}
}

func decodeErrorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	var envelope errorEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Timestamp == "" {
		t.Fatalf("error envelope missing timestamp")
	}
	return envelope.Error.Code
}

func TestAdmitThenProxy(t *testing.T) {
	var seenPath, seenCorrelation string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenCorrelation = r.Header.Get(CorrelationHeader)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"42"}`))
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID:                 "erp",
		Pattern:            "/api/erp/{*path}",
		ServiceName:        "erp",
		BaseURL:            backend.URL,
		TargetPathTemplate: "/api/{path}",
		Active:             true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	processed := make(chan bus.IntegrationEvent, 1)
	if err := f.bus.Subscribe(EventRequestProcessed, func(_ context.Context, event bus.IntegrationEvent) error {
		processed <- event
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/erp/customers/42", nil)
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `{"id":"42"}` {
		t.Fatalf("backend body not forwarded: %s", rr.Body.String())
	}
	if seenPath != "/api/customers/42" {
		t.Fatalf("target template not applied: %s", seenPath)
	}
	correlation := rr.Header().Get(CorrelationHeader)
	if correlation == "" || correlation != seenCorrelation {
		t.Fatalf("correlation id not propagated: response %q backend %q", correlation, seenCorrelation)
	}

	select {
	case event := <-processed:
		if event.CorrelationID != correlation {
			t.Fatalf("event correlation %q != %q", event.CorrelationID, correlation)
		}
		if status, _ := event.Payload["statusCode"].(float64); int(status) != 200 {
			t.Fatalf("event status %v", event.Payload["statusCode"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("outcome event never published")
	}
}

func TestCorrelationIDEchoedWhenSupplied(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	req.Header.Set(CorrelationHeader, "corr-fixed")
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)

	if got := rr.Header().Get(CorrelationHeader); got != "corr-fixed" {
		t.Fatalf("supplied correlation id not echoed: %q", got)
	}
}

func TestRouteMissReturnsNotFound(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body); code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestRateLimitRejectionHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{
		Name: "one", RequestsPerWindow: 1, Window: time.Minute, PerClient: true,
	})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "r", Pattern: "/api/x", BaseURL: backend.URL, ServiceName: "x", Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	first := httptest.NewRecorder()
	f.pipeline.Process(first, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	f.pipeline.Process(second, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if code := decodeErrorCode(t, second.Body); code != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", second.Header().Get("X-RateLimit-Remaining"))
	}
	if second.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected limit 1, got %q", second.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRequestTransformApplied(t *testing.T) {
	var backendBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&backendBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "crm", Pattern: "/api/crm/{*path}", ServiceName: "crm", BaseURL: backend.URL, Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}
	if err := f.transformer.RegisterMapping(transform.Mapping{
		SourceSchema: SchemaIncoming,
		TargetSchema: SchemaServiceRequest,
		Active:       true,
		Fields: map[string]transform.FieldMapping{
			"name": {SourcePath: "$.projectNumber", TargetPath: "$.name", Operator: transform.OperatorDirect},
			"status": {
				SourcePath: "$.status",
				TargetPath: "$.statuscode",
				Operator:   transform.OperatorMap,
				ValueMap:   map[string]string{"Active": "1", "Closed": "2"},
			},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/crm/projects",
		strings.NewReader(`{"projectNumber":"P-1","status":"Active"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if backendBody["name"] != "P-1" || backendBody["statuscode"] != "1" {
		t.Fatalf("transform not applied: %#v", backendBody)
	}
}

func TestTransformFailureReturnsInternalError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "crm", Pattern: "/api/crm", ServiceName: "crm", BaseURL: backend.URL, Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}
	if err := f.transformer.RegisterMapping(transform.Mapping{
		SourceSchema: SchemaIncoming,
		TargetSchema: SchemaServiceRequest,
		Active:       true,
		Fields: map[string]transform.FieldMapping{
			"name": {SourcePath: "$.missing", TargetPath: "$.name", Operator: transform.OperatorDirect, Required: true},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/crm", strings.NewReader(`{"other":1}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body); code != CodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %s", code)
	}
}

func TestScopeEnforcement(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "scoped", Pattern: "/api/scoped", ServiceName: "s", BaseURL: backend.URL,
		RequiredScopes: []string{"erp:read"}, Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/scoped", nil)
	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous caller should be rejected, got %d", rr.Code)
	}

	granted := &auth.Principal{Subject: "u-1", Scopes: []string{"erp:read"}}
	req = httptest.NewRequest(http.MethodGet, "/api/scoped", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), granted))
	rr = httptest.NewRecorder()
	f.pipeline.Process(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("scoped caller should pass, got %d", rr.Code)
	}
}

func TestControlPathsShortCircuit(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})
	var controlHit string
	f.pipeline.Control = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		controlHit = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/", "/health", "/health/live", "/metrics", "/swagger"} {
		rr := httptest.NewRecorder()
		f.pipeline.Process(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK || controlHit != path {
			t.Fatalf("control path %s not short-circuited (status %d, hit %q)", path, rr.Code, controlHit)
		}
	}
}

func TestDispatchErrorsMapToGatewayCodes(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "down", Pattern: "/api/down", ServiceName: "down", BaseURL: deadURL,
		Retry:  routes.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, httptest.NewRequest(http.MethodGet, "/api/down", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body); code != CodeBadGateway {
		t.Fatalf("expected BAD_GATEWAY, got %s", code)
	}
}

func TestWhitelistedAdmissionsAreObserved(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	logger := slog.Default()
	reg := registry.New(logger)
	resolver := routes.NewResolver(logger, reg)
	limiter := ratelimit.New(logger, ratelimit.Options{
		Store:         store.NewMemory(),
		DefaultPolicy: ratelimit.Policy{Name: "one", RequestsPerWindow: 1, Window: time.Minute, PerClient: true},
	})
	limiter.Whitelist("10.0.0.9", 0)

	recorder := metrics.NewRecorder(nil)
	pipeline := New(logger, Options{
		Limiter:  limiter,
		Resolver: resolver,
		Client:   NewProxyClient(logger, nil, nil),
		Events:   NewPublisher(logger, nil, nil),
		Metrics:  recorder,
	})
	if err := resolver.Register(routes.RouteDefinition{
		ID: "vip", Pattern: "/api/vip", ServiceName: "vip", BaseURL: backend.URL, Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}

	// A whitelisted client sails past a one-request budget.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/vip", nil)
		req.RemoteAddr = "10.0.0.9:4321"
		rr := httptest.NewRecorder()
		pipeline.Process(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("whitelisted request %d rejected with %d", i, rr.Code)
		}
	}

	families, err := recorder.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var observed float64
	for _, mf := range families {
		if mf.GetName() != "gatectrl_ratelimit_checks_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == string(metrics.RateLimitWhitelisted) {
					observed = metric.GetCounter().GetValue()
				}
			}
		}
	}
	if observed != 3 {
		t.Fatalf("expected 3 whitelisted observations, got %v", observed)
	}
}

func TestResponseTransformApplied(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"internalId":"X-9","secret":"hide-me"}`))
	}))
	defer backend.Close()

	f := newFixture(t, ratelimit.Policy{})
	if err := f.resolver.Register(routes.RouteDefinition{
		ID: "resp", Pattern: "/api/resp", ServiceName: "r", BaseURL: backend.URL, Active: true,
	}); err != nil {
		t.Fatalf("register route: %v", err)
	}
	if err := f.transformer.RegisterMapping(transform.Mapping{
		SourceSchema: SchemaServiceResponse,
		TargetSchema: SchemaOutgoing,
		Active:       true,
		Fields: map[string]transform.FieldMapping{
			"id": {SourcePath: "$.internalId", TargetPath: "$.id", Operator: transform.OperatorDirect},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	rr := httptest.NewRecorder()
	f.pipeline.Process(rr, httptest.NewRequest(http.MethodGet, "/api/resp", nil))

	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["id"] != "X-9" {
		t.Fatalf("response transform not applied: %#v", out)
	}
	if _, leaked := out["secret"]; leaked {
		t.Fatalf("unmapped field leaked through response transform")
	}
}
