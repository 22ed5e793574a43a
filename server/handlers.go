package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"authgw/events"
	"authgw/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.Store
	Cookies  *CookieManager
	Flow     IdentityFlow
	Guard    *Guard
	Provider ProviderSource
	Replay   ReplayLedger
	Events   events.Publisher
	Metrics  *Metrics
	Limiter  *RateLimiter
	now      func() time.Time
}

// Option overrides a default collaborator.
type Option func(*appOptions)

type appOptions struct {
	store      store.Store
	replay     ReplayLedger
	publisher  events.Publisher
	provider   ProviderSource
	httpClient *http.Client
	metrics    *Metrics
	now        func() time.Time
}

// WithStore sets the user store. The default is an in-memory store.
func WithStore(s store.Store) Option { return func(o *appOptions) { o.store = s } }

// WithReplayLedger sets the consumed-state ledger. The default is in-memory.
func WithReplayLedger(l ReplayLedger) Option { return func(o *appOptions) { o.replay = l } }

// WithPublisher sets the auth event publisher. The default logs events.
func WithPublisher(p events.Publisher) Option { return func(o *appOptions) { o.publisher = p } }

// WithProviderSource replaces discovery, mainly for tests.
func WithProviderSource(p ProviderSource) Option { return func(o *appOptions) { o.provider = p } }

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(c *http.Client) Option { return func(o *appOptions) { o.httpClient = c } }

// WithMetrics shares a metrics registry.
func WithMetrics(m *Metrics) Option { return func(o *appOptions) { o.metrics = m } }

// WithClock injects the time source for expiry and cache decisions.
func WithClock(now func() time.Time) Option { return func(o *appOptions) { o.now = now } }

// NewApp wires together the application state from configuration. The
// identity flow is chosen here once: the local shim when the client id is the
// sentinel, the federated flow otherwise.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if o.replay == nil {
		o.replay = NewMemoryReplayLedger()
	}
	if o.publisher == nil {
		o.publisher = events.NewLogPublisher(logger)
	}
	if o.metrics == nil && cfg.Metrics.Enabled {
		o.metrics = NewMetrics()
	}

	codec, err := NewCodec(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	cookies := NewCookieManager(cfg, codec)

	deps := flowDeps{
		cfg:     cfg,
		cookies: cookies,
		users:   o.store,
		events:  o.publisher,
		metrics: o.metrics,
		logger:  logger,
		now:     o.now,
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Store:   o.store,
		Cookies: cookies,
		Replay:  o.replay,
		Events:  o.publisher,
		Metrics: o.metrics,
		Limiter: NewRateLimiter(cfg.Server.RateLimit, cfg.Server.TrustProxyHeaders),
		now:     o.now,
	}

	if cfg.LocalMode() {
		logger.Warn("using local identity shim", "client_id", cfg.Identity.ClientID)
		local, err := NewLocalFlow(deps)
		if err != nil {
			return nil, err
		}
		app.Flow = local
	} else {
		provider := o.provider
		if provider == nil {
			provider, err = NewDiscoveryCache(DiscoveryOptions{
				IssuerURL:    cfg.Identity.IssuerURL,
				TenantID:     cfg.Identity.TenantID,
				ClientID:     cfg.Identity.ClientID,
				ClientSecret: cfg.Identity.ClientSecret,
				Scopes:       cfg.Identity.Scopes,
				TTL:          cfg.Identity.DiscoveryTTL,
				HTTPClient:   o.httpClient,
				Now:          o.now,
			}, logger, o.metrics)
			if err != nil {
				return nil, fmt.Errorf("init discovery: %w", err)
			}
		}
		app.Provider = provider
		app.Flow = NewFederatedFlow(deps, provider, o.replay)
	}

	app.Guard = NewGuard(cookies, app.Flow, logger, o.metrics, o.publisher, o.now)
	logger.Info("identity flow ready", "mode", app.Flow.Mode())
	return app, nil
}

// Close releases the store and the event publisher.
func (a *App) Close() error {
	return errors.Join(a.Events.Close(), a.Store.Close())
}

func (a *App) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	ac, ok := AuthFromContext(r.Context())
	if !ok || ac.Subject == "" {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := a.Store.GetUser(r.Context(), ac.Subject)
	if errors.Is(err, store.ErrUserNotFound) {
		writeMessage(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		a.Logger.Error("fetch user failed", "sub", ac.Subject, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Failed to fetch user")
		return
	}
	writeJSON(w, user)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
