package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/gatectrl/internal/ratelimit"
)

// Config holds every server-level option plus the gateway bundle once its
// sources are loaded.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Jwt          JwtConfig          `koanf:"jwt"`
	RateLimiting RateLimitingConfig `koanf:"rateLimiting"`
	EventBus     EventBusConfig     `koanf:"eventBus"`
	Store        StoreConfig        `koanf:"store"`
	Gateway      GatewayConfig      `koanf:"gateway"`

	InlineGateway GatewayConfig `koanf:"-"`

	// GatewaySources records which files contributed route, service, or
	// mapping definitions once the loader resolves the configured sources.
	GatewaySources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled. The health surface reports these
	// without re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the HTTP surface.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Cors    CorsConfig    `koanf:"cors"`
	Routes  RoutesConfig  `koanf:"routes"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CorsConfig limits which browser origins may call the gateway.
type CorsConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// RoutesConfig announces how gateway bundle documents are sourced.
type RoutesConfig struct {
	RoutesFolder string `koanf:"routesFolder"`
	RoutesFile   string `koanf:"routesFile"`
}

// JwtConfig carries the bearer-token validation settings.
type JwtConfig struct {
	Secret    string `koanf:"secret"`
	Issuer    string `koanf:"issuer"`
	Audience  string `koanf:"audience"`
	Algorithm string `koanf:"algorithm"`
}

// RateLimitingConfig configures the admission gate.
type RateLimitingConfig struct {
	FailOpen bool               `koanf:"failOpen"`
	Default  ratelimit.Policy   `koanf:"default"`
	Policies []ratelimit.Policy `koanf:"policies"`
}

// Broker type names accepted in eventBus.brokerType.
const (
	BrokerClassic = "classic-broker"
	BrokerManaged = "managed-bus"
)

// EventBusConfig selects and tunes the message-bus backend.
type EventBusConfig struct {
	BrokerType       string         `koanf:"brokerType"`
	Prefix           string         `koanf:"prefix"`
	Subscription     string         `koanf:"subscription"`
	MaxDeliveryCount int            `koanf:"maxDeliveryCount"`
	RabbitMq         RabbitMqConfig `koanf:"rabbitMq"`
}

// RabbitMqConfig carries the classic-broker connection settings.
type RabbitMqConfig struct {
	URL                 string        `koanf:"url"`
	Prefetch            int           `koanf:"prefetch"`
	ConfirmTimeout      time.Duration `koanf:"confirmTimeout"`
	BatchConfirmTimeout time.Duration `koanf:"batchConfirmTimeout"`
}

// StoreConfig selects the distributed key/value backend shared by the rate
// limiter, the credential validator, and the lookup tables.
type StoreConfig struct {
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries the valkey connection settings.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefinitionSkip describes a bundle artifact the loader intentionally ignored
// because it violated invariants (for example duplicate ids across files).
// The health surface reports these so operators know which definitions were
// quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Routes.RoutesFolder != "" && c.Server.Routes.RoutesFile != "" {
		return errors.New("config: routesFolder and routesFile are mutually exclusive")
	}

	switch strings.TrimSpace(strings.ToLower(c.EventBus.BrokerType)) {
	case "", BrokerManaged:
	case BrokerClassic:
		if strings.TrimSpace(c.EventBus.RabbitMq.URL) == "" {
			return errors.New("config: eventBus.rabbitMq.url required for classic-broker")
		}
	default:
		return fmt.Errorf("config: eventBus.brokerType unsupported: %s", c.EventBus.BrokerType)
	}

	backend := strings.TrimSpace(strings.ToLower(c.Store.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Store.Valkey.Address) == "" {
			return errors.New("config: store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}

	if c.RateLimiting.Default.RequestsPerWindow < 0 {
		return fmt.Errorf("config: rateLimiting.default.requestsPerWindow invalid: %d",
			c.RateLimiting.Default.RequestsPerWindow)
	}
	for i, policy := range c.RateLimiting.Policies {
		if policy.RequestsPerWindow <= 0 || policy.Window <= 0 {
			return fmt.Errorf("config: rateLimiting.policies[%d] (%s) needs a positive limit and window",
				i, policy.Name)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design
// defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Correlation-Id",
			},
			Routes: RoutesConfig{
				RoutesFolder: "./routes",
			},
		},
		Jwt: JwtConfig{
			Algorithm: "HS256",
		},
		RateLimiting: RateLimitingConfig{
			Default: ratelimit.DefaultPolicy(),
		},
		EventBus: EventBusConfig{
			BrokerType:       BrokerManaged,
			Subscription:     "gateway",
			MaxDeliveryCount: 3,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}
