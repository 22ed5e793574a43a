package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"authgw/events"
	"authgw/server"
	"authgw/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGW_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "connect" {
		command = "connect"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "issuer", cfg.Identity.IssuerURL, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "issuer", cfg.Identity.IssuerURL)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func serve(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	users, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithStore(users)}

	if cfg.Replay.Driver == "redis" {
		client, err := store.NewRedisClient(ctx, cfg.StoreOptions().Redis)
		if err != nil {
			_ = users.Close()
			return fmt.Errorf("replay ledger: %w", err)
		}
		defer client.Close()
		opts = append(opts, server.WithReplayLedger(server.NewRedisReplayLedger(client, cfg.Storage.Redis.KeyPrefix)))
	}

	if len(cfg.Events.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
		if err != nil {
			_ = users.Close()
			return fmt.Errorf("event publisher: %w", err)
		}
		opts = append(opts, server.WithPublisher(pub))
	}

	application, err := server.NewApp(ctx, cfg, logger, opts...)
	if err != nil {
		_ = users.Close()
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	warmDiscovery(ctx, application, logger)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      application.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	logger.Info("server listening", "mode", application.Flow.Mode(), "addr", cfg.Server.ListenAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// warmDiscovery fetches provider metadata once at startup. Failure is only a
// warning: login keeps retrying discovery on demand.
func warmDiscovery(ctx context.Context, app *server.App, logger *slog.Logger) {
	if app.Provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := app.Provider.Config(ctx); err != nil {
		logger.Warn("provider discovery may not be reachable",
			"issuer", app.Config.Identity.IssuerURL,
			"error", err,
			"note", "server will continue but login may fail")
	}
}

// runConnect discovers the configured provider and follows its authorization
// endpoint to check that a browser would reach a login page.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if cfg.LocalMode() {
		return errors.New("identity.client_id is the local sentinel; no provider to connect to")
	}

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	cache, err := server.NewDiscoveryCache(server.DiscoveryOptions{
		IssuerURL:    cfg.Identity.IssuerURL,
		TenantID:     cfg.Identity.TenantID,
		ClientID:     cfg.Identity.ClientID,
		ClientSecret: cfg.Identity.ClientSecret,
		Scopes:       cfg.Identity.Scopes,
		TTL:          cfg.Identity.DiscoveryTTL,
		HTTPClient:   client,
	}, logger, nil)
	if err != nil {
		return err
	}
	pc, err := cache.Config(ctx)
	if err != nil {
		return err
	}
	logger.Info("connect.discovered",
		"issuer", pc.Issuer,
		"authorization_endpoint", pc.Endpoint.AuthURL,
		"token_endpoint", pc.Endpoint.TokenURL,
		"end_session_endpoint", pc.EndSessionEndpoint)

	callback := "https://" + cfg.Domains.ResolveDomain("localhost") + "/api/callback"
	authURL := pc.OAuth2(callback).AuthCodeURL(randomHex(16), oauth2.S256ChallengeOption(oauth2.GenerateVerifier()))
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(bufio.NewReader(os.Stdin), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if cfg.LocalMode() {
		logger.Warn("local identity shim is active", "client_id", cfg.Identity.ClientID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating provider discovery...")
	cache, err := server.NewDiscoveryCache(server.DiscoveryOptions{
		IssuerURL: cfg.Identity.IssuerURL,
		TenantID:  cfg.Identity.TenantID,
		ClientID:  cfg.Identity.ClientID,
	}, logger, nil)
	if err != nil {
		return err
	}
	if _, err := cache.Config(ctx); err != nil {
		logger.Error("provider discovery failed", "issuer", cfg.Identity.IssuerURL, "error", err)
	} else {
		logger.Info("provider discovery is accessible", "issuer", cfg.Identity.IssuerURL)
	}

	logger.Info("configuration validation complete")
	return nil
}

func runSetup(reader *bufio.Reader, path string, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	if askYesNo(reader, "Use the local identity shim (development only, no provider)?", false) {
		cfg.Identity.ClientID = cfg.Identity.LocalSentinel
	} else {
		cfg.Identity.IssuerURL = strings.TrimSuffix(ask(reader, "Provider issuer URL", cfg.Identity.IssuerURL), "/")
		cfg.Identity.ClientID = askRequired(reader, "OAuth client ID")
		cfg.Identity.ClientSecret = ask(reader, "OAuth client secret (blank for a public client)", "")
		cfg.Domains.Production = normalizeList(askRequired(reader, "Public domains, comma separated (e.g. app.example.com)"), nil)
	}

	cfg.Server.ListenAddr = ask(reader, "Listen address", cfg.Server.ListenAddr)

	if askYesNo(reader, "Sign session cookies?", true) {
		cfg.Session.Signed = true
		cfg.Session.Secret = randomHex(32)
	}

	cfg.Storage.Driver = ask(reader, "User storage driver (memory, redis, sqlite, mysql, mongo)", cfg.Storage.Driver)
	switch cfg.Storage.Driver {
	case store.DriverRedis:
		cfg.Storage.Redis.Addr = ask(reader, "Redis address", "127.0.0.1:6379")
	case store.DriverSQLite:
		cfg.Storage.DSN = ask(reader, "SQLite file", "file:authgw.db?_pragma=busy_timeout(5000)")
	case store.DriverMySQL:
		cfg.Storage.DSN = askRequired(reader, "MySQL DSN (user:pass@tcp(host:3306)/db?parseTime=true)")
	case store.DriverMongo:
		cfg.Storage.Mongo.URI = ask(reader, "MongoDB URI", "mongodb://127.0.0.1:27017")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
