package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// localConfig is the default configuration with the local shim selected.
func localConfig() Config {
	cfg := DefaultConfig()
	cfg.Identity.ClientID = DefaultLocalSentinel
	return cfg
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  listen_addr: 0.0.0.0:9000
identity:
  client_id: web
  issuer_url: https://issuer.example.com
domains:
  production: ["app.example.com"]
`)

	t.Setenv("AUTHGW_IDENTITY_ISSUER_URL", "https://login.example.com/oidc")
	t.Setenv("AUTHGW_IDENTITY_TTL", "5m")
	t.Setenv("AUTHGW_DOMAINS_DEV_DOMAIN", "dev.example.com")
	t.Setenv("AUTHGW_SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("listen_addr mismatch, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Identity.IssuerURL != "https://login.example.com/oidc" {
		t.Fatalf("issuer override mismatch, got %q", cfg.Identity.IssuerURL)
	}
	if cfg.Identity.DiscoveryTTL != 5*time.Minute {
		t.Fatalf("discovery ttl override mismatch, got %s", cfg.Identity.DiscoveryTTL)
	}
	if cfg.Domains.DevDomain != "dev.example.com" {
		t.Fatalf("dev domain override mismatch, got %q", cfg.Domains.DevDomain)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("cors origins mismatch, got %v", cfg.Server.CORSOrigins)
	}
	if cfg.LocalMode() {
		t.Fatalf("client id web should select the federated flow")
	}
	if cfg.Session.MaxAge != DefaultSessionMaxAge || cfg.Identity.Prompt != DefaultPrompt {
		t.Fatalf("defaults should survive partial yaml")
	}
}

func TestLoadConfigReadsSiblingEnvFile(t *testing.T) {
	path := writeConfig(t, "")
	env := "AUTHGW_IDENTITY_CLIENT_ID=from-dotenv\nAUTHGW_SESSION_SECRET=" + strings.Repeat("s", 32) + "\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("AUTHGW_IDENTITY_CLIENT_ID")
		os.Unsetenv("AUTHGW_SESSION_SECRET")
	})

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Identity.ClientID != "from-dotenv" {
		t.Fatalf("client id from .env not applied, got %q", cfg.Identity.ClientID)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `identity:
  client_idd: typo
`)
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadConfigEmptyFileRequiresClientID(t *testing.T) {
	path := writeConfig(t, "# only a comment\n")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "identity.client_id") {
		t.Fatalf("expected missing client_id error, got %v", err)
	}
}

func TestLoadConfigIssuerWithoutClientIDFails(t *testing.T) {
	path := writeConfig(t, `identity:
  issuer_url: https://issuer.example.com
domains:
  production: ["app.example.com"]
`)
	cfg, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "identity.client_id") {
		t.Fatalf("expected missing client_id error, got %v", err)
	}
	if cfg.LocalMode() {
		t.Fatalf("a config without client_id must never select the local shim")
	}
}

func TestLoadConfigExplicitSentinelSelectsShim(t *testing.T) {
	path := writeConfig(t, `identity:
  client_id: dummy_text
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !cfg.LocalMode() {
		t.Fatalf("explicit sentinel should select the local shim")
	}
}

func TestLocalModeRequiresClientID(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LocalMode() {
		t.Fatalf("default config must not select the local shim")
	}
	cfg.Identity.LocalSentinel = ""
	if cfg.LocalMode() {
		t.Fatalf("empty client_id and sentinel must not select the local shim")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"local shim", func(*Config) {}, ""},
		{"no client id", func(c *Config) { c.Identity.ClientID = "" }, "identity.client_id"},
		{"federated without issuer", func(c *Config) {
			c.Identity.ClientID = "web"
			c.Identity.IssuerURL = ""
		}, "identity.issuer_url"},
		{"local without issuer", func(c *Config) { c.Identity.IssuerURL = "" }, ""},
		{"signed without secret", func(c *Config) { c.Session.Signed = true }, "session.secret"},
		{"signed with secret", func(c *Config) {
			c.Session.Signed = true
			c.Session.Secret = strings.Repeat("k", 32)
		}, ""},
		{"cookie domain mismatch", func(c *Config) {
			c.Domains.Production = []string{"app.example.com"}
			c.Session.CookieDomain = ".other.com"
		}, "cookie_domain"},
		{"cookie domain suffix", func(c *Config) {
			c.Domains.Production = []string{"app.example.com"}
			c.Domains.DevDomain = "dev.example.com:8443"
			c.Session.CookieDomain = ".example.com"
		}, ""},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "cassandra" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis.addr"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.dsn"},
		{"mongo without uri", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.mongo"},
		{"redis replay without addr", func(c *Config) { c.Replay.Driver = "redis" }, "replay.driver"},
		{"kafka without topic", func(c *Config) {
			c.Events.Kafka.Brokers = []string{"kafka:9092"}
			c.Events.Kafka.Topic = ""
		}, "events.kafka.topic"},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"bad listen addr", func(c *Config) { c.Server.ListenAddr = "nope" }, "server.listen_addr"},
		{"bad cors origin", func(c *Config) { c.Server.CORSOrigins = []string{"not a url"} }, "server.cors_origins"},
		{"wildcard cors origin", func(c *Config) { c.Server.CORSOrigins = []string{"*"} }, "server.cors_origins"},
		{"no scopes", func(c *Config) { c.Identity.Scopes = nil }, "identity.scopes"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolveDomain(t *testing.T) {
	cases := []struct {
		name string
		d    DomainsConfig
		host string
		want string
	}{
		{"dev wins", DomainsConfig{DevDomain: "dev.example.com", Production: []string{"app.example.com"}}, "ignored:80", "dev.example.com"},
		{"first production", DomainsConfig{Production: []string{"app.example.com", "www.example.com"}}, "ignored", "app.example.com"},
		{"request host keeps port", DomainsConfig{}, "gateway.local:8080", "gateway.local:8080"},
		{"request host", DomainsConfig{}, "gateway.local", "gateway.local"},
	}
	for _, tc := range cases {
		if got := tc.d.ResolveDomain(tc.host); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestStoreOptionsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "redis"
	cfg.Storage.Redis.Addr = "localhost:6379"
	cfg.Storage.Redis.DB = 3

	opts := cfg.StoreOptions()
	if opts.Driver != "redis" || opts.Redis.Addr != "localhost:6379" || opts.Redis.DB != 3 || opts.Redis.KeyPrefix != "authgw:" {
		t.Fatalf("unexpected store options %+v", opts)
	}
}
