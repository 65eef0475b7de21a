package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOGCORR_ENGINE_WORKERS.
const EnvPrefix = "LOGCORR"

// EngineConfig holds detection engine settings.
type EngineConfig struct {
	Workers   int `mapstructure:"workers" validate:"min=1,max=1024"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
	// Host replaces loopback addresses found in events.
	Host string `mapstructure:"sagan_host" validate:"required,ip"`
	// Port is the default source port when none can be parsed.
	Port         int               `mapstructure:"sagan_port" validate:"min=0,max=65535"`
	DefaultProto string            `mapstructure:"default_proto" validate:"oneof=tcp udp icmp"`
	RegexTimeout time.Duration     `mapstructure:"regex_timeout" validate:"min=1ms,max=5s"`
	ProgramProto map[string]string `mapstructure:"program_proto"`
	MessageProto map[string]string `mapstructure:"message_proto"`
	// LookupTimeout bounds a single reputation or intel lookup.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" validate:"min=1ms"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	// Timezone is used by alert_time gates. Empty means local time.
	Timezone string `mapstructure:"timezone"`
}

// RedisConfig points the shared state backend at a Redis server.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	PoolSize  int    `mapstructure:"pool_size" validate:"min=1"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StateConfig selects where markers and rate-control counters live.
type StateConfig struct {
	Backend        string      `mapstructure:"backend" validate:"oneof=memory redis"`
	// MarkerCapacity bounds live markers across all names, for either backend.
	MarkerCapacity int         `mapstructure:"marker_capacity" validate:"min=1"`
	RateCapacity   int         `mapstructure:"rate_capacity" validate:"min=1"`
	Redis          RedisConfig `mapstructure:"redis"`
}

// SyslogListenerConfig configures the network listener.
type SyslogListenerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port" validate:"min=0,max=65535"`
	Format         string `mapstructure:"format" validate:"oneof=auto pipe syslog rfc3164"`
	RateLimit      int    `mapstructure:"rate_limit" validate:"min=0"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=0"`
}

// FileInputConfig configures the file or FIFO reader.
type FileInputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Format  string `mapstructure:"format" validate:"oneof=auto pipe syslog rfc3164"`
}

// NormalizePatternConfig is one normalization pattern.
type NormalizePatternConfig struct {
	Program []string `mapstructure:"program"`
	Pattern string   `mapstructure:"pattern" validate:"required"`
}

// CircuitBreakerConfig mirrors core.CircuitBreakerConfig for file config.
type CircuitBreakerConfig struct {
	MaxFailures         uint32        `mapstructure:"max_failures" validate:"min=1"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"min=1ms"`
	MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests" validate:"min=1"`
}

// ReputationConfig configures the HTTP reputation service.
type ReputationConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	URL            string               `mapstructure:"url"`
	APIKey         string               `mapstructure:"api_key"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	RatePerSecond  float64              `mapstructure:"rate_per_second" validate:"min=0"`
	Burst          int                  `mapstructure:"burst" validate:"min=1"`
	CacheSize      int                  `mapstructure:"cache_size" validate:"min=1"`
	CacheTTL       time.Duration        `mapstructure:"cache_ttl"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// WebhookOutputConfig configures the webhook output.
type WebhookOutputConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	URL         string            `mapstructure:"url"`
	Method      string            `mapstructure:"method" validate:"oneof=POST PUT"`
	Headers     map[string]string `mapstructure:"headers"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	MinPriority int               `mapstructure:"min_priority" validate:"min=0"`
}

// OutputsConfig selects where alerts go.
type OutputsConfig struct {
	Workers   int `mapstructure:"workers" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	Fast struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"fast"`

	SQLite struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
		// RetentionDays of zero keeps alerts forever.
		RetentionDays int `mapstructure:"retention_days" validate:"min=0"`
	} `mapstructure:"sqlite"`

	Webhook WebhookOutputConfig `mapstructure:"webhook"`

	WebSocket struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"websocket"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port" validate:"min=0,max=65535"`
	RateLimit struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
		Burst             int     `mapstructure:"burst" validate:"min=0"`
	} `mapstructure:"rate_limit"`
}

// Config holds all configuration for the correlation engine.
type Config struct {
	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`

	Engine EngineConfig `mapstructure:"engine"`
	State  StateConfig  `mapstructure:"state"`

	Rules struct {
		Files []string `mapstructure:"files"`
	} `mapstructure:"rules"`

	Listeners struct {
		Syslog SyslogListenerConfig `mapstructure:"syslog"`
	} `mapstructure:"listeners"`

	Input struct {
		File FileInputConfig `mapstructure:"file"`
	} `mapstructure:"input"`

	Normalize struct {
		Patterns []NormalizePatternConfig `mapstructure:"patterns" validate:"dive"`
	} `mapstructure:"normalize"`

	GeoIP struct {
		Enabled  bool   `mapstructure:"enabled"`
		Database string `mapstructure:"database"`
	} `mapstructure:"geoip"`

	Blacklist struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"blacklist"`

	Intel struct {
		Enabled   bool          `mapstructure:"enabled"`
		Path      string        `mapstructure:"path"`
		CacheSize int           `mapstructure:"cache_size" validate:"min=1"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"intel"`

	Reputation ReputationConfig `mapstructure:"reputation"`
	Outputs    OutputsConfig    `mapstructure:"outputs"`
	API        APIConfig        `mapstructure:"api"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 10000)
	v.SetDefault("engine.sagan_host", "127.0.0.1")
	v.SetDefault("engine.sagan_port", 514)
	v.SetDefault("engine.default_proto", "udp")
	v.SetDefault("engine.regex_timeout", 100*time.Millisecond)
	v.SetDefault("engine.program_proto", map[string]string{})
	v.SetDefault("engine.message_proto", map[string]string{})
	v.SetDefault("engine.lookup_timeout", 2*time.Second)
	v.SetDefault("engine.stats_interval", 5*time.Minute)
	v.SetDefault("engine.timezone", "")

	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.marker_capacity", 10000)
	v.SetDefault("state.rate_capacity", 10000)
	v.SetDefault("state.redis.addr", "localhost:6379")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.redis.db", 0)
	v.SetDefault("state.redis.pool_size", 10)
	v.SetDefault("state.redis.key_prefix", "logcorr")

	v.SetDefault("rules.files", []string{"rules"})

	v.SetDefault("listeners.syslog.enabled", true)
	v.SetDefault("listeners.syslog.host", "0.0.0.0")
	v.SetDefault("listeners.syslog.port", 514)
	v.SetDefault("listeners.syslog.format", "auto")
	v.SetDefault("listeners.syslog.rate_limit", 0)
	v.SetDefault("listeners.syslog.max_connections", 1000)

	v.SetDefault("input.file.enabled", false)
	v.SetDefault("input.file.path", "")
	v.SetDefault("input.file.format", "pipe")

	v.SetDefault("normalize.patterns", []NormalizePatternConfig{})

	v.SetDefault("geoip.enabled", false)
	v.SetDefault("geoip.database", "")
	v.SetDefault("blacklist.enabled", false)
	v.SetDefault("blacklist.path", "")
	v.SetDefault("intel.enabled", false)
	v.SetDefault("intel.path", "")
	v.SetDefault("intel.cache_size", 10000)
	v.SetDefault("intel.cache_ttl", 0)

	v.SetDefault("reputation.enabled", false)
	v.SetDefault("reputation.url", "")
	v.SetDefault("reputation.api_key", "")
	v.SetDefault("reputation.timeout", 5*time.Second)
	v.SetDefault("reputation.rate_per_second", 10)
	v.SetDefault("reputation.burst", 10)
	v.SetDefault("reputation.cache_size", 10000)
	v.SetDefault("reputation.cache_ttl", time.Hour)
	v.SetDefault("reputation.circuit_breaker.max_failures", 5)
	v.SetDefault("reputation.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("reputation.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("outputs.workers", 2)
	v.SetDefault("outputs.queue_size", 1000)
	v.SetDefault("outputs.fast.enabled", true)
	v.SetDefault("outputs.fast.path", "./data/fast.log")
	v.SetDefault("outputs.sqlite.enabled", true)
	v.SetDefault("outputs.sqlite.path", "./data/alerts.db")
	v.SetDefault("outputs.sqlite.retention_days", 30)
	v.SetDefault("outputs.webhook.enabled", false)
	v.SetDefault("outputs.webhook.url", "")
	v.SetDefault("outputs.webhook.method", "POST")
	v.SetDefault("outputs.webhook.headers", map[string]string{})
	v.SetDefault("outputs.webhook.timeout", 10*time.Second)
	v.SetDefault("outputs.webhook.min_priority", 0)
	v.SetDefault("outputs.websocket.enabled", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.rate_limit.requests_per_second", 100)
	v.SetDefault("api.rate_limit.burst", 100)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("rules.files", EnvPrefix+"_RULES")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL")
}

// LoadConfig loads configuration from defaults, an optional file and
// environment variables. With an empty path, config.yaml is searched in "."
// and "./config"; a missing file is not an error. An explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.File = v.ConfigFileUsed()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

var protoNames = map[string]bool{"tcp": true, "udp": true, "icmp": true}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return err
	}

	if len(config.Rules.Files) == 0 {
		return fmt.Errorf("rules.files must name at least one rule file or directory")
	}

	for program, proto := range config.Engine.ProgramProto {
		if !protoNames[strings.ToLower(proto)] {
			return fmt.Errorf("engine.program_proto[%s]: unknown protocol %q", program, proto)
		}
	}
	for word, proto := range config.Engine.MessageProto {
		if !protoNames[strings.ToLower(proto)] {
			return fmt.Errorf("engine.message_proto[%s]: unknown protocol %q", word, proto)
		}
	}
	if config.Engine.Timezone != "" {
		if _, err := time.LoadLocation(config.Engine.Timezone); err != nil {
			return fmt.Errorf("invalid engine.timezone: %w", err)
		}
	}

	if config.State.Backend == "redis" {
		if _, _, err := net.SplitHostPort(config.State.Redis.Addr); err != nil {
			return fmt.Errorf("invalid state.redis.addr %q: %w", config.State.Redis.Addr, err)
		}
	}

	if config.Listeners.Syslog.Enabled && config.Listeners.Syslog.Host == "" {
		return fmt.Errorf("invalid syslog host: host cannot be empty")
	}
	if config.Input.File.Enabled && config.Input.File.Path == "" {
		return fmt.Errorf("input.file.path is required when the file input is enabled")
	}
	if !config.Listeners.Syslog.Enabled && !config.Input.File.Enabled {
		return fmt.Errorf("no input enabled: enable listeners.syslog or input.file")
	}

	if config.GeoIP.Enabled && config.GeoIP.Database == "" {
		return fmt.Errorf("geoip.database is required when geoip is enabled")
	}
	if config.Blacklist.Enabled && config.Blacklist.Path == "" {
		return fmt.Errorf("blacklist.path is required when the blacklist is enabled")
	}
	if config.Intel.Enabled && config.Intel.Path == "" {
		return fmt.Errorf("intel.path is required when intel is enabled")
	}
	if config.Reputation.Enabled {
		if !strings.HasPrefix(config.Reputation.URL, "http://") && !strings.HasPrefix(config.Reputation.URL, "https://") {
			return fmt.Errorf("invalid reputation.url %q: must start with http:// or https://", config.Reputation.URL)
		}
	}

	if config.Outputs.Fast.Enabled && config.Outputs.Fast.Path == "" {
		return fmt.Errorf("outputs.fast.path is required when the fast output is enabled")
	}
	if config.Outputs.SQLite.Enabled && config.Outputs.SQLite.Path == "" {
		return fmt.Errorf("outputs.sqlite.path is required when the sqlite output is enabled")
	}
	if config.Outputs.Webhook.Enabled {
		if !strings.HasPrefix(config.Outputs.Webhook.URL, "http://") && !strings.HasPrefix(config.Outputs.Webhook.URL, "https://") {
			return fmt.Errorf("invalid outputs.webhook.url %q: must start with http:// or https://", config.Outputs.Webhook.URL)
		}
	}

	if config.API.Enabled && (config.API.Port < 1 || config.API.Port > 65535) {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	return nil
}

// APIAddr returns the host:port the API listens on.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprint(c.API.Port))
}
