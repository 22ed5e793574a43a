package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"authgw/store"
)

// Hardcoded session and discovery defaults
const (
	DefaultSessionMaxAge   = 7 * 24 * time.Hour
	DefaultTransientMaxAge = 10 * time.Minute
	DefaultDiscoveryTTL    = time.Hour
	DefaultLocalSentinel   = "dummy_text"
	DefaultPrompt          = "login consent"
	minSessionSecretLength = 32
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	DefaultScopes             = []string{"openid", "email", "profile", "offline_access"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Domains  DomainsConfig  `yaml:"domains"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Replay   ReplayConfig   `yaml:"replay"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	ListenAddr        string          `yaml:"listen_addr" validate:"required,hostname_port"`
	ReadTimeout       time.Duration   `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration   `yaml:"write_timeout" validate:"gte=0"`
	CORSOrigins       []string        `yaml:"cors_origins" validate:"dive,url"`
	TrustProxyHeaders bool            `yaml:"trust_proxy_headers"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds login and callback traffic per client address. Zero rps disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// IdentityConfig describes the upstream OpenID Connect provider.
type IdentityConfig struct {
	IssuerURL     string        `yaml:"issuer_url" validate:"omitempty,url"`
	ClientID      string        `yaml:"client_id" validate:"required"`
	ClientSecret  string        `yaml:"client_secret"`
	TenantID      string        `yaml:"tenant_id"`
	LocalSentinel string        `yaml:"local_sentinel" validate:"required"`
	Scopes        []string      `yaml:"scopes" validate:"min=1"`
	Prompt        string        `yaml:"prompt"`
	DiscoveryTTL  time.Duration `yaml:"discovery_ttl" validate:"gt=0"`
	// ProviderRotatesRefreshTokens coalesces concurrent refreshes of one refresh token.
	ProviderRotatesRefreshTokens bool `yaml:"provider_rotates_refresh_tokens"`
}

// DomainsConfig lists the public hostnames used to build callback and logout URLs.
type DomainsConfig struct {
	DevDomain  string   `yaml:"dev_domain" validate:"omitempty,hostname_port|hostname"`
	Production []string `yaml:"production" validate:"dive,hostname_port|hostname"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	Secret          string        `yaml:"secret"`
	Signed          bool          `yaml:"signed"`
	CookieDomain    string        `yaml:"cookie_domain"`
	MaxAge          time.Duration `yaml:"max_age" validate:"gt=0"`
	TransientMaxAge time.Duration `yaml:"transient_max_age" validate:"gt=0"`
}

// StorageConfig selects the user store backend.
type StorageConfig struct {
	Driver         string        `yaml:"driver" validate:"oneof=memory redis sqlite mysql mongo"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	Redis          RedisConfig   `yaml:"redis"`
	Mongo          MongoConfig   `yaml:"mongo"`
}

// RedisConfig is shared by the Redis user store and the Redis replay ledger.
type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MongoConfig locates the MongoDB user collection.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ReplayConfig selects where consumed login states are remembered.
type ReplayConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory redis"`
}

// EventsConfig configures auth event publishing.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig enables the Kafka publisher when brokers are listed.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" validate:"dive,hostname_port"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LocalMode reports whether the local identity shim replaces the upstream
// provider. The shim is only selected by setting client_id to the sentinel.
func (c Config) LocalMode() bool {
	return c.Identity.ClientID != "" && c.Identity.ClientID == c.Identity.LocalSentinel
}

// StoreOptions maps storage settings onto store.Options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Driver: c.Storage.Driver,
		DSN:    c.Storage.DSN,
		Redis: store.RedisOptions{
			Addr:      c.Storage.Redis.Addr,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		},
		MongoURI:       c.Storage.Mongo.URI,
		MongoDatabase:  c.Storage.Mongo.Database,
		ConnectTimeout: c.Storage.ConnectTimeout,
	}
}

// ResolveDomain picks the public domain for callback and logout URLs:
// dev_domain, then the first production domain, then the request host.
func (d DomainsConfig) ResolveDomain(requestHost string) string {
	if d.DevDomain != "" {
		return d.DevDomain
	}
	if len(d.Production) > 0 && d.Production[0] != "" {
		return d.Production[0]
	}
	return requestHost
}

// LoadConfig reads the YAML config file, a sibling .env file, and environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return Config{}, err
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv populates unset environment variables from an optional .env file.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit: RateLimitConfig{
				RPS:   5,
				Burst: 20,
			},
		},
		Identity: IdentityConfig{
			IssuerURL:     "https://replit.com/oidc",
			LocalSentinel: DefaultLocalSentinel,
			Scopes:        append([]string(nil), DefaultScopes...),
			Prompt:        DefaultPrompt,
			DiscoveryTTL:  DefaultDiscoveryTTL,
		},
		Session: SessionConfig{
			MaxAge:          DefaultSessionMaxAge,
			TransientMaxAge: DefaultTransientMaxAge,
		},
		Storage: StorageConfig{
			Driver:         store.DriverMemory,
			ConnectTimeout: 30 * time.Second,
			Redis: RedisConfig{
				KeyPrefix: "authgw:",
			},
			Mongo: MongoConfig{
				Database: "authgw",
			},
		},
		Replay: ReplayConfig{
			Driver: "memory",
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Topic: "auth-events",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_SERVER_LISTEN_ADDR":    func(v string) { cfg.Server.ListenAddr = v },
		"AUTHGW_SERVER_CORS_ORIGINS":   func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"AUTHGW_SERVER_TRUST_PROXY":    func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"AUTHGW_IDENTITY_ISSUER_URL":   func(v string) { cfg.Identity.IssuerURL = v },
		"AUTHGW_IDENTITY_CLIENT_ID":    func(v string) { cfg.Identity.ClientID = v },
		"AUTHGW_IDENTITY_SECRET":       func(v string) { cfg.Identity.ClientSecret = v },
		"AUTHGW_IDENTITY_TENANT_ID":    func(v string) { cfg.Identity.TenantID = v },
		"AUTHGW_IDENTITY_TTL":          func(v string) { cfg.Identity.DiscoveryTTL = parseDuration(v, cfg.Identity.DiscoveryTTL) },
		"AUTHGW_DOMAINS_DEV_DOMAIN":    func(v string) { cfg.Domains.DevDomain = v },
		"AUTHGW_DOMAINS_PRODUCTION":    func(v string) { cfg.Domains.Production = splitAndTrim(v) },
		"AUTHGW_SESSION_SECRET":        func(v string) { cfg.Session.Secret = v },
		"AUTHGW_SESSION_SIGNED":        func(v string) { cfg.Session.Signed = parseBool(v, cfg.Session.Signed) },
		"AUTHGW_SESSION_COOKIE_DOMAIN": func(v string) { cfg.Session.CookieDomain = v },
		"AUTHGW_STORAGE_DRIVER":        func(v string) { cfg.Storage.Driver = v },
		"AUTHGW_STORAGE_DSN":           func(v string) { cfg.Storage.DSN = v },
		"AUTHGW_STORAGE_REDIS_ADDR":    func(v string) { cfg.Storage.Redis.Addr = v },
		"AUTHGW_STORAGE_REDIS_DB":      func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"AUTHGW_STORAGE_MONGO_URI":     func(v string) { cfg.Storage.Mongo.URI = v },
		"AUTHGW_REPLAY_DRIVER":         func(v string) { cfg.Replay.Driver = v },
		"AUTHGW_EVENTS_KAFKA_BROKERS":  func(v string) { cfg.Events.Kafka.Brokers = splitAndTrim(v) },
		"AUTHGW_EVENTS_KAFKA_TOPIC":    func(v string) { cfg.Events.Kafka.Topic = v },
		"AUTHGW_METRICS_ENABLED":       func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	// Report yaml key names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field rules and then the cross-field constraints.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			slog.Error("Invalid configuration value", "field", field, "rule", fe.Tag(), "value", fe.Value())
			return fmt.Errorf("%s fails %q validation", field, fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if !c.LocalMode() && c.Identity.IssuerURL == "" {
		slog.Error("Missing required configuration", "field", "identity.issuer_url")
		return errors.New("identity.issuer_url is required unless identity.client_id is the local sentinel")
	}

	if c.Session.Signed && len(c.Session.Secret) < minSessionSecretLength {
		slog.Error("Session secret too short", "field", "session.secret", "min_length", minSessionSecretLength)
		return fmt.Errorf("session.secret must be at least %d characters when session.signed is true", minSessionSecretLength)
	}

	// Cookie domain should be a suffix of every configured public domain
	if c.Session.CookieDomain != "" {
		cookieDomain := strings.TrimPrefix(c.Session.CookieDomain, ".")
		domains := append([]string{}, c.Domains.Production...)
		if c.Domains.DevDomain != "" {
			domains = append(domains, c.Domains.DevDomain)
		}
		for _, d := range domains {
			host := d
			if h, _, err := net.SplitHostPort(d); err == nil {
				host = h
			}
			if !strings.HasSuffix(host, cookieDomain) {
				slog.Error("Cookie domain mismatch",
					"field", "session.cookie_domain",
					"cookie_domain", c.Session.CookieDomain,
					"domain", host,
					"reason", "cookie_domain must be a suffix of every public domain")
				return fmt.Errorf("session.cookie_domain '%s' does not match domain '%s'", c.Session.CookieDomain, host)
			}
		}
	}

	switch c.Storage.Driver {
	case store.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			slog.Error("Missing required storage configuration", "field", "storage.redis.addr")
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	case store.DriverSQLite, store.DriverMySQL:
		if c.Storage.DSN == "" {
			slog.Error("Missing required storage configuration", "field", "storage.dsn", "driver", c.Storage.Driver)
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	case store.DriverMongo:
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "" {
			slog.Error("Missing required storage configuration", "field", "storage.mongo")
			return errors.New("storage.mongo.uri and storage.mongo.database are required for the mongo driver")
		}
	}

	if c.Replay.Driver == "redis" && c.Storage.Redis.Addr == "" {
		slog.Error("Missing required replay configuration", "field", "storage.redis.addr", "reason", "replay.driver is redis")
		return errors.New("storage.redis.addr is required when replay.driver is redis")
	}

	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		slog.Error("Missing required events configuration", "field", "events.kafka.topic")
		return errors.New("events.kafka.topic is required when brokers are configured")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		slog.Error("Invalid metrics path", "field", "metrics.path", "value", c.Metrics.Path)
		return fmt.Errorf("metrics.path must start with '/', got: %s", c.Metrics.Path)
	}

	return nil
}
