// Package routes compiles URL patterns, matches inbound requests against the
// active route table, and composes the concrete backend target for each hit.
package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/gatectrl/internal/registry"
)

// RetryPolicy describes the dispatch retry budget for a route.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" koanf:"maxAttempts"`
	BaseDelay   time.Duration `json:"baseDelay" koanf:"baseDelay"`
}

// RouteDefinition is immutable once registered; re-registering the same ID
// replaces the entry wholesale.
type RouteDefinition struct {
	ID                 string            `json:"id" koanf:"id"`
	Pattern            string            `json:"pattern" koanf:"pattern"`
	ServiceName        string            `json:"serviceName" koanf:"serviceName"`
	BaseURL            string            `json:"baseUrl,omitempty" koanf:"baseUrl"`
	TargetPathTemplate string            `json:"targetPathTemplate,omitempty" koanf:"targetPathTemplate"`
	Methods            []string          `json:"methods,omitempty" koanf:"methods"`
	RequiredScopes     []string          `json:"requiredScopes,omitempty" koanf:"requiredScopes"`
	Priority           int               `json:"priority" koanf:"priority"`
	Timeout            time.Duration     `json:"timeout,omitempty" koanf:"timeout"`
	Retry              RetryPolicy       `json:"retry" koanf:"retry"`
	Headers            map[string]string `json:"headers,omitempty" koanf:"headers"`
	Active             bool              `json:"active" koanf:"active"`
}

// RouteMatch is the resolved dispatch target for one request.
type RouteMatch struct {
	RouteID     string
	ServiceName string
	TargetURL   string
	Params      map[string]string
	Timeout     time.Duration
	Retry       RetryPolicy
	Headers     map[string]string
	Scopes      []string
}

// HealthStatus is the cached view of a backend's /health endpoint.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

const (
	defaultTimeout     = 30 * time.Second
	healthCacheMaxAge  = 30 * time.Second
	healthProbeTimeout = 3 * time.Second
)

type compiledRoute struct {
	def      RouteDefinition
	pattern  *pattern
	methods  map[string]struct{}
	sequence uint64
}

type healthEntry struct {
	status     HealthStatus
	observedAt time.Time
}

// Resolver holds the active route table and answers Resolve queries.
type Resolver struct {
	logger   *slog.Logger
	registry *registry.Registry
	probes   *http.Client

	mu       sync.RWMutex
	routes   map[string]*compiledRoute
	ordered  []*compiledRoute
	sequence uint64

	healthMu sync.Mutex
	health   map[string]healthEntry
}

// NewResolver returns an empty resolver bound to the service registry.
func NewResolver(logger *slog.Logger, reg *registry.Registry) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger:   logger.With(slog.String("component", "route_resolver")),
		registry: reg,
		probes:   &http.Client{Timeout: healthProbeTimeout},
		routes:   make(map[string]*compiledRoute),
		health:   make(map[string]healthEntry),
	}
}

// compileRoute validates def and prepares it for the table.
func compileRoute(def RouteDefinition) (*compiledRoute, error) {
	if def.ID == "" {
		return nil, errors.New("routes: route id required")
	}
	if def.ServiceName == "" && def.BaseURL == "" {
		return nil, fmt.Errorf("routes: route %s needs a service name or base url", def.ID)
	}
	compiled, err := compilePattern(def.Pattern)
	if err != nil {
		return nil, fmt.Errorf("routes: route %s: %w", def.ID, err)
	}
	if def.Timeout <= 0 {
		def.Timeout = defaultTimeout
	}

	methods := make(map[string]struct{}, len(def.Methods))
	for _, m := range def.Methods {
		methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	return &compiledRoute{def: def, pattern: compiled, methods: methods}, nil
}

// Register compiles and installs def. Registering an existing ID replaces it
// while keeping its original position in the tie-break order.
func (r *Resolver) Register(def RouteDefinition) error {
	route, err := compileRoute(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[def.ID]; ok {
		route.sequence = existing.sequence
	} else {
		r.sequence++
		route.sequence = r.sequence
	}
	r.routes[def.ID] = route
	r.reorderLocked()
	return nil
}

// Unregister drops the route with the given id.
func (r *Resolver) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[id]; !ok {
		return
	}
	delete(r.routes, id)
	r.reorderLocked()
}

// List returns the registered definitions in match order.
func (r *Resolver) List() []RouteDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteDefinition, 0, len(r.ordered))
	for _, route := range r.ordered {
		out = append(out, route.def)
	}
	return out
}

// Reload replaces the entire table with defs in one swap; readers see either
// the old table or the new one, never a partial state. List order is the
// tie-break within equal priorities. Routes that fail to compile are skipped
// and logged rather than aborting the swap.
func (r *Resolver) Reload(defs []RouteDefinition) {
	next := make(map[string]*compiledRoute, len(defs))
	var sequence uint64
	for _, def := range defs {
		route, err := compileRoute(def)
		if err != nil {
			r.logger.Warn("route skipped on reload", slog.String("route", def.ID), slog.Any("error", err))
			continue
		}
		if existing, ok := next[def.ID]; ok {
			route.sequence = existing.sequence
		} else {
			sequence++
			route.sequence = sequence
		}
		next[def.ID] = route
	}

	r.mu.Lock()
	r.routes = next
	r.sequence = sequence
	r.reorderLocked()
	r.mu.Unlock()
}

func (r *Resolver) reorderLocked() {
	ordered := make([]*compiledRoute, 0, len(r.routes))
	for _, route := range r.routes {
		ordered = append(ordered, route)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].def.Priority != ordered[j].def.Priority {
			return ordered[i].def.Priority < ordered[j].def.Priority
		}
		return ordered[i].sequence < ordered[j].sequence
	})
	r.ordered = ordered
}

// Resolve matches the request against the active table and composes the
// concrete target. A nil match means no route applies.
func (r *Resolver) Resolve(req *http.Request) (*RouteMatch, error) {
	r.mu.RLock()
	ordered := r.ordered
	r.mu.RUnlock()

	method := strings.ToUpper(req.Method)
	for _, route := range ordered {
		if !route.def.Active {
			continue
		}
		if len(route.methods) > 0 {
			if _, ok := route.methods[method]; !ok {
				continue
			}
		}
		params, ok := route.pattern.match(req.URL.Path)
		if !ok {
			continue
		}
		return r.buildMatch(route, req, params)
	}
	return nil, nil
}

func (r *Resolver) buildMatch(route *compiledRoute, req *http.Request, params map[string]string) (*RouteMatch, error) {
	base := route.def.BaseURL
	if base == "" {
		selected, err := r.registry.URLFor(route.def.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("routes: route %s: %w", route.def.ID, err)
		}
		base = selected
	}

	targetPath := req.URL.Path
	switch {
	case route.def.TargetPathTemplate != "":
		targetPath = substitutePath(route.def.TargetPathTemplate, params)
	case route.pattern.catchAll != "":
		targetPath = "/" + params[route.pattern.catchAll]
	}

	target, err := url.JoinPath(base, targetPath)
	if err != nil {
		return nil, fmt.Errorf("routes: route %s: compose target: %w", route.def.ID, err)
	}
	if raw := req.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	return &RouteMatch{
		RouteID:     route.def.ID,
		ServiceName: route.def.ServiceName,
		TargetURL:   target,
		Params:      params,
		Timeout:     route.def.Timeout,
		Retry:       route.def.Retry,
		Headers:     route.def.Headers,
		Scopes:      route.def.RequiredScopes,
	}, nil
}

func substitutePath(template string, params map[string]string) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}

// ServiceHealth answers from a cache no older than 30 s; on a stale entry it
// probes the selected instance's /health endpoint.
func (r *Resolver) ServiceHealth(ctx context.Context, name string) HealthStatus {
	r.healthMu.Lock()
	entry, ok := r.health[name]
	if ok && time.Since(entry.observedAt) <= healthCacheMaxAge {
		r.healthMu.Unlock()
		return entry.status
	}
	r.healthMu.Unlock()

	status := r.probeHealth(ctx, name)

	r.healthMu.Lock()
	r.health[name] = healthEntry{status: status, observedAt: time.Now()}
	r.healthMu.Unlock()
	return status
}

func (r *Resolver) probeHealth(ctx context.Context, name string) HealthStatus {
	base, err := r.registry.URLFor(name)
	if err != nil {
		return HealthUnhealthy
	}
	target, err := url.JoinPath(base, "/health")
	if err != nil {
		return HealthUnhealthy
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return HealthUnhealthy
	}
	resp, err := r.probes.Do(req)
	if err != nil {
		return HealthUnhealthy
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return HealthHealthy
	}
	return HealthDegraded
}
