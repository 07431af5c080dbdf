package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Server       ServerConfig       `mapstructure:"server"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig selects the Postgres pool. An empty DSN runs the service on
// in-memory stores.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"` // empty = embedded default stages
}

type EscalationConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type ProvisioningConfig struct {
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffStrategy string        `mapstructure:"backoff_strategy"` // linear | exponential
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BaseURL         string        `mapstructure:"base_url"` // empty = in-process provisioner
	Timeout         time.Duration `mapstructure:"timeout"`
	Assets          []string      `mapstructure:"assets"`
}

type AuditConfig struct {
	RetentionDays      int           `mapstructure:"retention_days"`
	InternalCIDRs      []string      `mapstructure:"internal_cidrs"`
	BusinessHoursStart int           `mapstructure:"business_hours_start"`
	BusinessHoursEnd   int           `mapstructure:"business_hours_end"`
	BurstWindow        time.Duration `mapstructure:"burst_window"`
	BurstThreshold     int           `mapstructure:"burst_threshold"`
}

// AuthConfig maps actor ids to roles for the static authorization provider.
type AuthConfig struct {
	Roles map[string]string `mapstructure:"roles"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from ./config.yaml, /etc/onboarding/config.yaml
// and ONBOARDING_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/onboarding/")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("ONBOARDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFile reads a single YAML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-onboarding")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("grpc.port", 9086)

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("nats.subject_prefix", "onboarding")

	v.SetDefault("escalation.poll_interval", time.Minute)
	v.SetDefault("escalation.purge_interval", 24*time.Hour)

	v.SetDefault("provisioning.backoff_base", 2*time.Second)
	v.SetDefault("provisioning.backoff_strategy", "linear")
	v.SetDefault("provisioning.max_backoff", time.Minute)
	v.SetDefault("provisioning.timeout", 10*time.Second)
	v.SetDefault("provisioning.assets", []string{"BTC", "ETH", "USDT", "USD"})

	v.SetDefault("audit.retention_days", 2555) // seven years
	v.SetDefault("audit.internal_cidrs", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"})
	v.SetDefault("audit.business_hours_start", 8)
	v.SetDefault("audit.business_hours_end", 18)
	v.SetDefault("audit.burst_window", 5*time.Minute)
	v.SetDefault("audit.burst_threshold", 5)

	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Provisioning.BackoffStrategy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("provisioning.backoff_strategy must be linear or exponential, got %q", c.Provisioning.BackoffStrategy)
	}
	if c.Escalation.PollInterval <= 0 {
		return fmt.Errorf("escalation.poll_interval must be positive")
	}
	if c.Audit.BusinessHoursStart < 0 || c.Audit.BusinessHoursEnd > 24 || c.Audit.BusinessHoursStart >= c.Audit.BusinessHoursEnd {
		return fmt.Errorf("audit business hours must satisfy 0 <= start < end <= 24")
	}
	return nil
}
