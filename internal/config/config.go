package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTHN_DATABASE_URL.
const EnvPrefix = "AUTHN"

// Handler types understood by the bootstrap.
const (
	HandlerTypeAcceptUsers = "accept_users"
	HandlerTypeDatabase    = "database"
	HandlerTypeJWT         = "jwt"
	HandlerTypeX509        = "x509"
	HandlerTypeTOTP        = "totp"
)

// Policy types understood by the bootstrap.
const (
	PolicyTypeAll             = "all"
	PolicyTypeAtLeastOne      = "at_least_one"
	PolicyTypeRequiredHandler = "required_handler"
	PolicyTypeNotPrevented    = "not_prevented"
	PolicyTypeExpression      = "expression"
)

// Config holds the application configuration
type Config struct {
	// Database connection string (postgres:// or a sqlite path). Empty
	// disables every database-backed component.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`

	// Maximum database connection pool size
	MaxDBConnections int `mapstructure:"max_db_connections" validate:"gte=0" yaml:"max_db_connections"`

	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Engine        EngineConfig        `mapstructure:"engine" yaml:"engine"`

	Handlers []HandlerConfig `mapstructure:"handlers" validate:"dive" yaml:"handlers"`
	Policies []PolicyConfig  `mapstructure:"policies" validate:"dive" yaml:"policies"`
	Services []ServiceConfig `mapstructure:"services" validate:"dive" yaml:"services"`

	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
}

// LoggingConfig controls internal/logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ObservabilityConfig controls OTLP trace export.
type ObservabilityConfig struct {
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol" validate:"omitempty,oneof=http/protobuf grpc" yaml:"otlp_protocol"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure" yaml:"otlp_insecure"`
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	Environment    string `mapstructure:"environment" yaml:"environment"`
}

// EngineConfig tunes the authentication manager.
type EngineConfig struct {
	// Abort the transaction when a principal cannot be resolved after a
	// successful handler check.
	PrincipalResolutionFailureFatal bool `mapstructure:"principal_resolution_failure_fatal" yaml:"principal_resolution_failure_fatal"`

	// Metadata populators, in execution order.
	Populators []string `mapstructure:"populators" validate:"dive,oneof=client_info credential_type remember_me successful_handlers" yaml:"populators"`

	// Restrict candidates to the handler named by a credential's source.
	CredentialSourceSelection bool `mapstructure:"credential_source_selection" yaml:"credential_source_selection"`

	// Entries kept by the attribute repository resolver cache.
	AttributeCacheSize int `mapstructure:"attribute_cache_size" validate:"gte=0" yaml:"attribute_cache_size"`

	// Extend service handler whitelists with grants stored in the database.
	DatabaseGrants bool `mapstructure:"database_grants" yaml:"database_grants"`
}

// HandlerConfig declares one authentication handler.
type HandlerConfig struct {
	Name              string         `mapstructure:"name" validate:"required" yaml:"name"`
	Type              string         `mapstructure:"type" validate:"required,oneof=accept_users database jwt x509 totp" yaml:"type"`
	State             string         `mapstructure:"state" validate:"omitempty,oneof=active standby" yaml:"state"`
	PrincipalResolver string         `mapstructure:"principal_resolver" validate:"omitempty,oneof=none echo attribute_repository" yaml:"principal_resolver"`
	Options           map[string]any `mapstructure:"options" yaml:"options"`
}

// PolicyConfig declares one authentication policy.
type PolicyConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Type string `mapstructure:"type" validate:"required,oneof=all at_least_one required_handler not_prevented expression" yaml:"type"`

	TryAll     bool     `mapstructure:"try_all" yaml:"try_all"`
	Handlers   []string `mapstructure:"handlers" validate:"required_if=Type required_handler" yaml:"handlers"`
	Expression string   `mapstructure:"expression" validate:"required_if=Type expression" yaml:"expression"`

	// When is a bexpr expression over the transaction; the policy applies
	// only to transactions matching it.
	When string `mapstructure:"when" yaml:"when"`

	// Advisory policies only add warnings.
	Advisory bool `mapstructure:"advisory" yaml:"advisory"`
}

// ServiceConfig registers a target service. Pattern is a regular expression
// matched against the whole service id.
type ServiceConfig struct {
	Name    string `mapstructure:"name" validate:"required" yaml:"name"`
	Pattern string `mapstructure:"pattern" validate:"required" yaml:"pattern"`

	// Handlers the service accepts. Empty means every handler.
	AllowedHandlers []string `mapstructure:"allowed_handlers" yaml:"allowed_handlers"`

	// Policies (by name) applying to the service. Empty means the defaults.
	Policies []string `mapstructure:"policies" yaml:"policies"`
}

// ThrottleConfig controls the redis-backed failure throttle.
type ThrottleConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Enabled true" yaml:"redis_addr"`
	Threshold int           `mapstructure:"threshold" validate:"gte=0" yaml:"threshold"`
	Window    time.Duration `mapstructure:"window" validate:"gte=0" yaml:"window"`
}

// AuditConfig controls persistence of authentication events.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SetDefaults registers defaults on v. Every scalar key gets a default so
// AUTHN_ environment variables can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("max_db_connections", 10)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http/protobuf")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.service_name", "authn")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")

	v.SetDefault("engine.principal_resolution_failure_fatal", false)
	v.SetDefault("engine.populators", []string{"client_info", "credential_type", "remember_me", "successful_handlers"})
	v.SetDefault("engine.credential_source_selection", true)
	v.SetDefault("engine.attribute_cache_size", 1024)
	v.SetDefault("engine.database_grants", false)

	v.SetDefault("throttle.enabled", false)
	v.SetDefault("throttle.redis_addr", "")
	v.SetDefault("throttle.threshold", 5)
	v.SetDefault("throttle.window", 5*time.Minute)

	v.SetDefault("audit.enabled", false)
}

// Load reads configuration from the global viper instance (config file set by
// the CLI, AUTHN_ environment variables, defaults).
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags, cross references between sections and the
// options of every handler against its schema.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	handlers := make(map[string]bool, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		if handlers[h.Name] {
			return fmt.Errorf("invalid config: duplicate handler %q", h.Name)
		}
		handlers[h.Name] = true

		if err := ValidateHandlerOptions(h); err != nil {
			return fmt.Errorf("invalid config: handler %q: %w", h.Name, err)
		}
		if h.Type == HandlerTypeDatabase && cfg.DatabaseURL == "" {
			return fmt.Errorf("invalid config: handler %q needs database_url", h.Name)
		}
		if h.PrincipalResolver == "attribute_repository" && cfg.DatabaseURL == "" {
			return fmt.Errorf("invalid config: handler %q resolver needs database_url", h.Name)
		}
	}

	policies := make(map[string]bool, len(cfg.Policies))
	for _, p := range cfg.Policies {
		for _, name := range p.Handlers {
			if !handlers[name] {
				return fmt.Errorf("invalid config: policy %q requires unknown handler %q", p.Name, name)
			}
		}
		if p.Name != "" {
			policies[p.Name] = true
		}
	}

	for _, s := range cfg.Services {
		for _, name := range s.AllowedHandlers {
			if !handlers[name] {
				return fmt.Errorf("invalid config: service %q allows unknown handler %q", s.Name, name)
			}
		}
		for _, name := range s.Policies {
			if !policies[name] {
				return fmt.Errorf("invalid config: service %q references unknown policy %q", s.Name, name)
			}
		}
	}

	if cfg.Audit.Enabled && cfg.DatabaseURL == "" {
		return fmt.Errorf("invalid config: audit needs database_url")
	}
	if cfg.Engine.DatabaseGrants && cfg.DatabaseURL == "" {
		return fmt.Errorf("invalid config: database_grants needs database_url")
	}
	return nil
}
