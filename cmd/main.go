package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/gatectrl/internal/auth"
	"github.com/l0p7/gatectrl/internal/bus"
	"github.com/l0p7/gatectrl/internal/config"
	"github.com/l0p7/gatectrl/internal/gateway"
	"github.com/l0p7/gatectrl/internal/logging"
	"github.com/l0p7/gatectrl/internal/metrics"
	"github.com/l0p7/gatectrl/internal/ratelimit"
	"github.com/l0p7/gatectrl/internal/registry"
	"github.com/l0p7/gatectrl/internal/routes"
	"github.com/l0p7/gatectrl/internal/schema"
	"github.com/l0p7/gatectrl/internal/server"
	"github.com/l0p7/gatectrl/internal/store"
	"github.com/l0p7/gatectrl/internal/transform"
)

// version is stamped at build time.
var version = "dev"

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "GATECTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	kv := buildStore(logger.With(slog.String("component", "store_factory")), cfg.Store)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := kv.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	eventBus := buildEventBus(logger.With(slog.String("component", "bus_factory")), cfg.EventBus)
	if eventBus != nil {
		if err := eventBus.Start(ctx); err != nil {
			logger.Error("event bus startup failed, outcome events disabled", slog.Any("error", err))
			eventBus = nil
		} else {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := eventBus.Stop(stopCtx); err != nil {
					logger.Error("event bus shutdown failed", slog.Any("error", err))
				}
			}()
		}
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	serviceRegistry := registry.New(logger)
	resolver := routes.NewResolver(logger, serviceRegistry)
	mapper := schema.NewMapper(logger, kv)
	transformer, err := transform.NewTransformer(logger, mapper)
	if err != nil {
		logger.Error("transformer setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	limiter := ratelimit.New(logger, ratelimit.Options{
		Store:         kv,
		FailOpen:      cfg.RateLimiting.FailOpen,
		DefaultPolicy: cfg.RateLimiting.Default,
		Policies:      cfg.RateLimiting.Policies,
	})

	var validator *auth.Validator
	if strings.TrimSpace(cfg.Jwt.Secret) != "" {
		validator, err = auth.NewValidator(logger, auth.Config{
			Secret:    cfg.Jwt.Secret,
			Issuer:    cfg.Jwt.Issuer,
			Audience:  cfg.Jwt.Audience,
			Algorithm: cfg.Jwt.Algorithm,
		}, kv)
		if err != nil {
			logger.Error("credential validator setup failed", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("jwt.secret not configured, requests are admitted without credential validation")
	}

	apply, skippedDefinitions := newBundleApplier(ctx, logger, serviceRegistry, resolver, mapper, transformer)
	apply(config.GatewayBundle{
		Routes:       cfg.Gateway.Routes,
		Services:     cfg.Gateway.Services,
		Mappings:     cfg.Gateway.Mappings,
		Schemas:      cfg.Gateway.Schemas,
		LookupTables: cfg.Gateway.LookupTables,
		Skipped:      cfg.SkippedDefinitions,
	})

	var bundleWatcher *config.BundleWatcher
	if cfg.Server.Routes.RoutesFile != "" || cfg.Server.Routes.RoutesFolder != "" {
		watcher, err := loader.WatchBundle(ctx, cfg, apply, func(err error) {
			if err != nil {
				logger.Error("bundle watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("bundle watcher setup failed", slog.Any("error", err))
		} else {
			bundleWatcher = watcher
			defer bundleWatcher.Stop()
		}
	}

	pipe := gateway.New(logger, gateway.Options{
		Limiter:     limiter,
		Resolver:    resolver,
		Transformer: transformer,
		Client:      gateway.NewProxyClient(logger, nil, recorder),
		Events:      gateway.NewPublisher(logger, eventBus, recorder),
		Metrics:     recorder,
	})

	handler := server.NewHandler(cfg, logger, server.Options{
		Pipeline:  pipe,
		Validator: validator,
		Metrics:   recorder,
		Checks:    buildHealthChecks(kv, eventBus),
		Resolver:  resolver,
		Skipped:   skippedDefinitions,
		Version:   version,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// newBundleApplier returns a callback that swaps the live route table,
// service instances, schemas, lookup tables, and transform mappings for the
// contents of a freshly loaded bundle, plus an accessor for the latest
// bundle's skipped definitions that the health surface reads per request.
func newBundleApplier(ctx context.Context, logger *slog.Logger, serviceRegistry *registry.Registry, resolver *routes.Resolver, mapper *schema.Mapper, transformer *transform.Transformer) (func(config.GatewayBundle), func() []config.DefinitionSkip) {
	var previousServices []string
	var previousMappings [][2]string

	var skipMu sync.Mutex
	var latestSkips []config.DefinitionSkip

	skipped := func() []config.DefinitionSkip {
		skipMu.Lock()
		defer skipMu.Unlock()
		return latestSkips
	}

	apply := func(bundle config.GatewayBundle) {
		skipMu.Lock()
		latestSkips = bundle.Skipped
		skipMu.Unlock()

		resolver.Reload(bundle.Routes)

		for _, id := range previousServices {
			serviceRegistry.Deregister(id)
		}
		previousServices = previousServices[:0]
		for _, instance := range bundle.Services {
			if err := serviceRegistry.Register(instance); err != nil {
				logger.Warn("service registration failed",
					slog.String("instance", instance.ID), slog.Any("error", err))
				continue
			}
			previousServices = append(previousServices, instance.ID)
		}

		for name, s := range bundle.Schemas {
			if err := mapper.RegisterSchema(name, s); err != nil {
				logger.Warn("schema registration failed",
					slog.String("schema", name), slog.Any("error", err))
			}
		}
		for table, entries := range bundle.LookupTables {
			if err := mapper.RegisterLookupTable(ctx, table, entries); err != nil {
				logger.Warn("lookup table registration failed",
					slog.String("table", table), slog.Any("error", err))
			}
		}

		for _, pair := range previousMappings {
			transformer.UnregisterMapping(pair[0], pair[1])
		}
		previousMappings = previousMappings[:0]
		for _, mapping := range bundle.Mappings {
			if err := transformer.RegisterMapping(mapping); err != nil {
				logger.Warn("mapping registration failed",
					slog.String("source", mapping.SourceSchema),
					slog.String("target", mapping.TargetSchema),
					slog.Any("error", err))
				continue
			}
			previousMappings = append(previousMappings, [2]string{mapping.SourceSchema, mapping.TargetSchema})
		}

		logger.Info("gateway bundle applied",
			slog.Int("routes", len(bundle.Routes)),
			slog.Int("services", len(bundle.Services)),
			slog.Int("mappings", len(bundle.Mappings)),
			slog.Int("skipped", len(bundle.Skipped)))
	}
	return apply, skipped
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory key/value store")
		return store.NewMemory()
	case "valkey":
		kv, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return store.NewMemory()
		}
		logger.Info("using valkey store", slog.String("address", cfg.Valkey.Address))
		return kv
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory()
	}
}

func buildEventBus(logger *slog.Logger, cfg config.EventBusConfig) bus.EventBus {
	switch strings.TrimSpace(strings.ToLower(cfg.BrokerType)) {
	case config.BrokerClassic:
		amqpBus, err := bus.NewAMQP(logger, bus.AMQPConfig{
			URL:                 cfg.RabbitMq.URL,
			Prefix:              cfg.Prefix,
			Subscription:        cfg.Subscription,
			MaxDeliveryCount:    cfg.MaxDeliveryCount,
			Prefetch:            cfg.RabbitMq.Prefetch,
			ConfirmTimeout:      cfg.RabbitMq.ConfirmTimeout,
			BatchConfirmTimeout: cfg.RabbitMq.BatchConfirmTimeout,
		})
		if err != nil {
			logger.Error("classic broker setup failed", slog.Any("error", err))
			return nil
		}
		logger.Info("using classic broker", slog.String("prefix", cfg.Prefix))
		return amqpBus
	default:
		logger.Info("using managed in-process bus")
		return bus.NewManaged(logger, bus.ManagedConfig{
			Subscription:     cfg.Subscription,
			MaxDeliveryCount: cfg.MaxDeliveryCount,
		})
	}
}

func buildHealthChecks(kv store.Store, eventBus bus.EventBus) []server.Check {
	checks := []server.Check{
		{
			Name:        "store",
			Description: "distributed key/value store",
			Readiness:   true,
			Probe: func(ctx context.Context) error {
				_, err := kv.Get(ctx, "health:probe")
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				return nil
			},
		},
	}
	if eventBus != nil {
		checks = append(checks, server.Check{
			Name:        "event-bus",
			Description: "integration event bus",
			Probe:       func(context.Context) error { return nil },
		})
	}
	return checks
}
