package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so startup can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":       "server.logging.correlationHeader",
			"server.cors.allowedorigins":             "server.cors.allowedOrigins",
			"server.routes.routesfolder":             "server.routes.routesFolder",
			"server.routes.routesfile":               "server.routes.routesFile",
			"ratelimiting.failopen":                  "rateLimiting.failOpen",
			"ratelimiting.default.requestsperwindow": "rateLimiting.default.requestsPerWindow",
			"ratelimiting.default.window":            "rateLimiting.default.window",
			"ratelimiting.default.perclient":         "rateLimiting.default.perClient",
			"eventbus.brokertype":                    "eventBus.brokerType",
			"eventbus.prefix":                        "eventBus.prefix",
			"eventbus.subscription":                  "eventBus.subscription",
			"eventbus.maxdeliverycount":              "eventBus.maxDeliveryCount",
			"eventbus.rabbitmq.url":                  "eventBus.rabbitMq.url",
			"eventbus.rabbitmq.prefetch":             "eventBus.rabbitMq.prefetch",
			"eventbus.rabbitmq.confirmtimeout":       "eventBus.rabbitMq.confirmTimeout",
			"eventbus.rabbitmq.batchconfirmtimeout":  "eventBus.rabbitMq.batchConfirmTimeout",
			"store.valkey.tls.cafile":                "store.valkey.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineGateway = cfg.Gateway

	bundle, err := buildGatewayBundle(ctx, cfg.InlineGateway, cfg.Server.Routes)
	if err != nil {
		return Config{}, err
	}
	cfg.Gateway = GatewayConfig{
		Routes:       bundle.Routes,
		Services:     bundle.Services,
		Mappings:     bundle.Mappings,
		Schemas:      bundle.Schemas,
		LookupTables: bundle.LookupTables,
	}
	cfg.GatewaySources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cors": map[string]any{
				"allowedOrigins": cfg.Server.Cors.AllowedOrigins,
			},
			"routes": map[string]any{
				"routesFolder": cfg.Server.Routes.RoutesFolder,
				"routesFile":   cfg.Server.Routes.RoutesFile,
			},
		},
		"jwt": map[string]any{
			"secret":    cfg.Jwt.Secret,
			"issuer":    cfg.Jwt.Issuer,
			"audience":  cfg.Jwt.Audience,
			"algorithm": cfg.Jwt.Algorithm,
		},
		"rateLimiting": map[string]any{
			"failOpen": cfg.RateLimiting.FailOpen,
			"default": map[string]any{
				"name":              cfg.RateLimiting.Default.Name,
				"requestsPerWindow": cfg.RateLimiting.Default.RequestsPerWindow,
				"window":            cfg.RateLimiting.Default.Window.String(),
				"algorithm":         cfg.RateLimiting.Default.Algorithm,
				"perClient":         cfg.RateLimiting.Default.PerClient,
			},
		},
		"eventBus": map[string]any{
			"brokerType":       cfg.EventBus.BrokerType,
			"prefix":           cfg.EventBus.Prefix,
			"subscription":     cfg.EventBus.Subscription,
			"maxDeliveryCount": cfg.EventBus.MaxDeliveryCount,
			"rabbitMq": map[string]any{
				"url":                 cfg.EventBus.RabbitMq.URL,
				"prefetch":            cfg.EventBus.RabbitMq.Prefetch,
				"confirmTimeout":      cfg.EventBus.RabbitMq.ConfirmTimeout.String(),
				"batchConfirmTimeout": cfg.EventBus.RabbitMq.BatchConfirmTimeout.String(),
			},
		},
		"store": map[string]any{
			"backend": cfg.Store.Backend,
			"valkey": map[string]any{
				"address":  cfg.Store.Valkey.Address,
				"username": cfg.Store.Valkey.Username,
				"password": cfg.Store.Valkey.Password,
				"db":       cfg.Store.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Store.Valkey.TLS.Enabled,
					"caFile":  cfg.Store.Valkey.TLS.CAFile,
				},
			},
		},
	}
}
