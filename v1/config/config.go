// Package config loads service configuration from a TOML file, an optional
// .env file and SOLVES_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Bus       BusConfig       `toml:"bus"`
	Cache     CacheConfig     `toml:"cache"`
	Auth      AuthConfig      `toml:"auth"`
	Crypto    CryptoConfig    `toml:"crypto"`
	AI        AIConfig        `toml:"ai"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	MCP       MCPConfig       `toml:"mcp"`
	Todo      TodoConfig      `toml:"todo"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr" validate:"required"`
	CookieName      string   `toml:"cookie_name" validate:"required"`
	CookieSecure    bool     `toml:"cookie_secure"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `toml:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
}

type BusConfig struct {
	Driver       string   `toml:"driver" validate:"oneof=memory redis nats kafka"`
	NATSURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
}

type CacheConfig struct {
	SessionDriver string   `toml:"session_driver" validate:"oneof=memory redis"`
	SessionTTL    Duration `toml:"session_ttl"`
	WatchDriver   string   `toml:"watch_driver" validate:"oneof=memory redis"`
	// ProgressDriver stores unsubmitted answers in the database or in Redis.
	ProgressDriver string `toml:"progress_driver" validate:"oneof=database redis"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	JWTTTL    Duration `toml:"jwt_ttl"`
	Issuer    string   `toml:"issuer"`
}

type CryptoConfig struct {
	Secret string `toml:"secret"`
}

type AIConfig struct {
	BaseURL string   `toml:"base_url" validate:"omitempty,url"`
	APIKey  string   `toml:"api_key"`
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

type LoggingConfig struct {
	Level     string `toml:"level" validate:"oneof=debug info warn error"`
	Format    string `toml:"format" validate:"oneof=text json"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb" validate:"gte=1,lte=1024"`
	MaxFiles  int    `toml:"max_files" validate:"gte=0,lte=100"`
}

type TelemetryConfig struct {
	Tracing     bool   `toml:"tracing"`
	MetricsAddr string `toml:"metrics_addr"`
}

type MCPConfig struct {
	Transport string `toml:"transport" validate:"oneof=stdio http"`
	Addr      string `toml:"addr"`
}

type TodoConfig struct {
	Addr string `toml:"addr"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CookieName:      "solves_session",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "solves.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Bus:      BusConfig{Driver: "memory"},
		Cache: CacheConfig{
			SessionDriver:  "memory",
			SessionTTL:     Duration{7 * 24 * time.Hour},
			WatchDriver:    "memory",
			ProgressDriver: "database",
		},
		Auth: AuthConfig{JWTTTL: Duration{time.Hour}, Issuer: "solves"},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: Duration{60 * time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", MaxSizeMB: 10, MaxFiles: 5},
		MCP:     MCPConfig{Transport: "stdio", Addr: ":8090"},
		Todo:    TodoConfig{Addr: ":8081"},
	}
}

type LoadOptions struct {
	// ConfigPath is the TOML file. A missing file is not an error.
	ConfigPath string
	// EnvFile is a dotenv file loaded into the process environment without
	// overriding variables that are already set.
	EnvFile string
	// Env overrides the process environment, used by tests.
	Env map[string]string
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %q: %w", opts.EnvFile, err)
		}
	}

	path := opts.ConfigPath
	if path == "" {
		path, _ = lookupEnv(opts, "SOLVES_CONFIG")
	}
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

type envSetter func(cfg *Config, value string) error

func str(get func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error {
		*get(cfg) = v
		return nil
	}
}

func integer(get func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(cfg) = n
		return nil
	}
}

func boolean(get func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*get(cfg) = b
		return nil
	}
}

func duration(get func(*Config) *Duration) envSetter {
	return func(cfg *Config, v string) error {
		return get(cfg).UnmarshalText([]byte(v))
	}
}

var envOverrides = map[string]envSetter{
	"SOLVES_SERVER_ADDR":      str(func(c *Config) *string { return &c.Server.Addr }),
	"SOLVES_COOKIE_SECURE":    boolean(func(c *Config) *bool { return &c.Server.CookieSecure }),
	"SOLVES_SHUTDOWN_TIMEOUT": duration(func(c *Config) *Duration { return &c.Server.ShutdownTimeout }),
	"SOLVES_DATABASE_DRIVER":  str(func(c *Config) *string { return &c.Database.Driver }),
	"SOLVES_DATABASE_DSN":     str(func(c *Config) *string { return &c.Database.DSN }),
	"SOLVES_REDIS_ADDR":       str(func(c *Config) *string { return &c.Redis.Addr }),
	"SOLVES_REDIS_PASSWORD":   str(func(c *Config) *string { return &c.Redis.Password }),
	"SOLVES_REDIS_DB":         integer(func(c *Config) *int { return &c.Redis.DB }),
	"SOLVES_BUS_DRIVER":       str(func(c *Config) *string { return &c.Bus.Driver }),
	"SOLVES_NATS_URL":         str(func(c *Config) *string { return &c.Bus.NATSURL }),
	"SOLVES_SESSION_DRIVER":   str(func(c *Config) *string { return &c.Cache.SessionDriver }),
	"SOLVES_SESSION_TTL":      duration(func(c *Config) *Duration { return &c.Cache.SessionTTL }),
	"SOLVES_WATCH_DRIVER":     str(func(c *Config) *string { return &c.Cache.WatchDriver }),
	"SOLVES_PROGRESS_DRIVER":  str(func(c *Config) *string { return &c.Cache.ProgressDriver }),
	"SOLVES_JWT_SECRET":       str(func(c *Config) *string { return &c.Auth.JWTSecret }),
	"SOLVES_JWT_TTL":          duration(func(c *Config) *Duration { return &c.Auth.JWTTTL }),
	"SOLVES_CRYPTO_SECRET":    str(func(c *Config) *string { return &c.Crypto.Secret }),
	"SOLVES_AI_BASE_URL":      str(func(c *Config) *string { return &c.AI.BaseURL }),
	"SOLVES_AI_API_KEY":       str(func(c *Config) *string { return &c.AI.APIKey }),
	"SOLVES_AI_MODEL":         str(func(c *Config) *string { return &c.AI.Model }),
	"SOLVES_AI_TIMEOUT":       duration(func(c *Config) *Duration { return &c.AI.Timeout }),
	"SOLVES_LOG_LEVEL":        str(func(c *Config) *string { return &c.Logging.Level }),
	"SOLVES_LOG_FORMAT":       str(func(c *Config) *string { return &c.Logging.Format }),
	"SOLVES_LOG_FILE":         str(func(c *Config) *string { return &c.Logging.File }),
	"SOLVES_LOG_MAX_SIZE_MB":  integer(func(c *Config) *int { return &c.Logging.MaxSizeMB }),
	"SOLVES_LOG_MAX_FILES":    integer(func(c *Config) *int { return &c.Logging.MaxFiles }),
	"SOLVES_TRACING":          boolean(func(c *Config) *bool { return &c.Telemetry.Tracing }),
	"SOLVES_METRICS_ADDR":     str(func(c *Config) *string { return &c.Telemetry.MetricsAddr }),
	"SOLVES_MCP_TRANSPORT":    str(func(c *Config) *string { return &c.MCP.Transport }),
	"SOLVES_MCP_ADDR":         str(func(c *Config) *string { return &c.MCP.Addr }),
	"SOLVES_TODO_ADDR":        str(func(c *Config) *string { return &c.Todo.Addr }),
	"SOLVES_KAFKA_BROKERS": func(c *Config, v string) error {
		c.Bus.KafkaBrokers = splitList(v)
		return nil
	},
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	for name, set := range envOverrides {
		value, ok := lookupEnv(opts, name)
		if !ok {
			continue
		}
		if err := set(cfg, value); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Bus.Driver == "nats" && c.Bus.NATSURL == "" {
		return fmt.Errorf("%w: bus.nats_url is required for the nats driver", ErrInvalidConfig)
	}
	if c.Bus.Driver == "kafka" && len(c.Bus.KafkaBrokers) == 0 {
		return fmt.Errorf("%w: bus.kafka_brokers is required for the kafka driver", ErrInvalidConfig)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required by the selected drivers", ErrInvalidConfig)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("%w: server.shutdown_timeout must be > 0", ErrInvalidConfig)
	}
	if c.Cache.SessionTTL.Duration <= 0 {
		return fmt.Errorf("%w: cache.session_ttl must be > 0", ErrInvalidConfig)
	}
	if c.MCP.Transport == "http" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required for the http MCP transport", ErrInvalidConfig)
	}
	return nil
}

// UsesRedis reports whether any selected driver needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.Bus.Driver == "redis" || c.Cache.SessionDriver == "redis" || c.Cache.WatchDriver == "redis" ||
		c.Cache.ProgressDriver == "redis"
}
