package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/l0p7/gatectrl/internal/auth"
	"github.com/l0p7/gatectrl/internal/config"
	"github.com/l0p7/gatectrl/internal/gateway"
	"github.com/l0p7/gatectrl/internal/metrics"
	"github.com/l0p7/gatectrl/internal/routes"
)

const checkTimeout = 2 * time.Second

// Check probes one dependency for the health surface. Readiness checks also
// gate /health/ready.
type Check struct {
	Name        string
	Description string
	Probe       func(ctx context.Context) error
	Readiness   bool
}

// Options collects the collaborators the HTTP surface composes. Resolver and
// Skipped are consulted per request so /swagger and /health track bundle
// reloads instead of the startup snapshot.
type Options struct {
	Pipeline  *gateway.Pipeline
	Validator *auth.Validator
	Metrics   *metrics.Recorder
	Checks    []Check
	Resolver  *routes.Resolver
	Skipped   func() []config.DefinitionSkip
	Version   string
}

func (o Options) activeRoutes() []routes.RouteDefinition {
	if o.Resolver == nil {
		return nil
	}
	return o.Resolver.List()
}

func (o Options) skippedDefinitions() []config.DefinitionSkip {
	if o.Skipped == nil {
		return nil
	}
	return o.Skipped()
}

// NewHandler assembles the full request chain: CORS, credential validation,
// then the pipeline with the control surface mounted underneath it.
func NewHandler(cfg config.Config, logger *slog.Logger, opts Options) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	control := newControlRouter(opts)

	var root http.Handler = control
	if opts.Pipeline != nil {
		opts.Pipeline.Control = control
		root = opts.Pipeline
	}

	handler := Authenticate(logger, opts.Validator)(root)
	if len(cfg.Server.Cors.AllowedOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.Cors.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key", gateway.CorrelationHeader},
			ExposedHeaders: []string{gateway.CorrelationHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			MaxAge:         300,
		})(handler)
	}
	return handler
}

// Authenticate validates whatever credential the request carries and attaches
// the resulting principal. Requests without credentials continue anonymously;
// route scopes decide later whether that is enough. Control paths skip
// validation so probes work without credentials.
func Authenticate(logger *slog.Logger, validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil || gateway.IsControlPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			kind, value := auth.CredentialFromRequest(r)
			if kind == "" {
				next.ServeHTTP(w, r)
				return
			}
			var result auth.Result
			if kind == "bearer" {
				result = validator.ValidateToken(r.Context(), value)
			} else {
				result = validator.ValidateKey(r.Context(), value)
			}
			if !result.OK {
				logger.Info("credential rejected",
					slog.String("kind", kind),
					slog.String("code", result.Code))
				gateway.WriteError(w, http.StatusUnauthorized, result.Code, result.Message)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), result.Principal)))
		})
	}
}

func newControlRouter(opts Options) http.Handler {
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	r := chi.NewRouter()
	r.Get("/", infoHandler(version))
	r.Get("/health", healthHandler(opts))
	r.Get("/health/ready", readyHandler(opts))
	r.Get("/health/live", liveHandler)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	r.Get("/swagger", swaggerHandler(version, opts))
	return r
}

func infoHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":        "gatectrl",
			"version":     version,
			"description": "API gateway for request routing, credential validation, rate limiting, and payload transformation",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"endpoints": map[string]string{
				"health":    "/health",
				"readiness": "/health/ready",
				"liveness":  "/health/live",
				"metrics":   "/metrics",
				"swagger":   "/swagger",
			},
		})
	}
}

type checkResult struct {
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Description string  `json:"description,omitempty"`
	DurationMs  float64 `json:"durationMs"`
}

type healthResponse struct {
	Status             string                  `json:"status"`
	Timestamp          string                  `json:"timestamp"`
	Checks             []checkResult           `json:"checks"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
}

func runCheck(ctx context.Context, check Check) checkResult {
	result := checkResult{Name: check.Name, Status: "healthy", Description: check.Description}
	if check.Probe == nil {
		return result
	}
	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	if err := check.Probe(probeCtx); err != nil {
		result.Status = "unhealthy"
		result.Description = err.Error()
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return result
}

func healthHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:             "healthy",
			Timestamp:          time.Now().UTC().Format(time.RFC3339),
			Checks:             []checkResult{},
			SkippedDefinitions: opts.skippedDefinitions(),
		}
		status := http.StatusOK
		for _, check := range opts.Checks {
			result := runCheck(r.Context(), check)
			resp.Checks = append(resp.Checks, result)
			if result.Status != "healthy" {
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
			}
		}
		if resp.Status == "healthy" && len(resp.SkippedDefinitions) > 0 {
			resp.Status = "degraded"
		}
		writeJSON(w, status, resp)
	}
}

func readyHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range opts.Checks {
			if !check.Readiness {
				continue
			}
			if result := runCheck(r.Context(), check); result.Status != "healthy" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"reason": result.Name + ": " + result.Description,
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func liveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// swaggerHandler publishes an OpenAPI sketch of the active route table so
// callers can discover what the gateway proxies. The table is read per
// request, so the document follows route reloads.
func swaggerHandler(version string, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		paths := map[string]any{}
		for _, def := range opts.activeRoutes() {
			if !def.Active {
				continue
			}
			methods := def.Methods
			if len(methods) == 0 {
				methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
			}
			operations := map[string]any{}
			for _, method := range methods {
				operations[strings.ToLower(method)] = map[string]any{
					"summary": "Proxied to " + def.ServiceName,
					"responses": map[string]any{
						"default": map[string]any{"description": "Backend response"},
					},
				}
			}
			paths[openAPIPath(def.Pattern)] = operations
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"openapi": "3.0.3",
			"info": map[string]any{
				"title":   "gatectrl",
				"version": version,
			},
			"paths": paths,
		})
	}
}

// openAPIPath rewrites the wildcard segment form {*name} into the plain
// parameter form OpenAPI expects.
func openAPIPath(pattern string) string {
	return strings.ReplaceAll(pattern, "{*", "{")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
