package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const discoveryTimeout = 15 * time.Second

// ErrDiscovery marks a failed provider metadata fetch.
var ErrDiscovery = errors.New("provider discovery failed")

// ProviderSource yields the current provider configuration.
type ProviderSource interface {
	Config(ctx context.Context) (*ProviderConfig, error)
}

// ProviderConfig is the discovered provider metadata bound to this client.
type ProviderConfig struct {
	Issuer             string
	Endpoint           oauth2.Endpoint
	EndSessionEndpoint string
	Verifier           *oidc.IDTokenVerifier
	FetchedAt          time.Time

	clientID     string
	clientSecret string
	scopes       []string
	httpClient   *http.Client
}

// OAuth2 builds the oauth2 client config for the given callback URL.
func (p *ProviderConfig) OAuth2(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     p.Endpoint,
		Scopes:       p.scopes,
	}
}

// ClientContext attaches the configured HTTP client for oauth2 and go-oidc calls.
func (p *ProviderConfig) ClientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.httpClient)
}

// ClientID returns the OAuth client id.
func (p *ProviderConfig) ClientID() string { return p.clientID }

// DiscoveryOptions configures a DiscoveryCache.
type DiscoveryOptions struct {
	IssuerURL    string
	TenantID     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	TTL          time.Duration
	HTTPClient   *http.Client
	Now          func() time.Time
}

type cachedProvider struct {
	cfg       *ProviderConfig
	expiresAt time.Time
}

// DiscoveryCache lazily discovers provider metadata and keeps it for a TTL.
// Concurrent misses share one fetch; failures are not cached.
type DiscoveryCache struct {
	opts    DiscoveryOptions
	issuer  string
	logger  *slog.Logger
	metrics *Metrics

	group   singleflight.Group
	current atomic.Pointer[cachedProvider]
}

// NewDiscoveryCache builds a cache. Nothing is fetched until the first Config call.
func NewDiscoveryCache(opts DiscoveryOptions, logger *slog.Logger, metrics *Metrics) (*DiscoveryCache, error) {
	if opts.IssuerURL == "" {
		return nil, errors.New("issuer url required")
	}
	if opts.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultDiscoveryTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = append([]string(nil), DefaultScopes...)
	}

	issuer := opts.IssuerURL
	if resolved, ok := resolveAzureTenantIssuer(opts.IssuerURL, opts.TenantID); ok {
		issuer = resolved
	}

	return &DiscoveryCache{
		opts:    opts,
		issuer:  issuer,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Config returns cached metadata, fetching it when absent or stale.
func (c *DiscoveryCache) Config(ctx context.Context) (*ProviderConfig, error) {
	if cur := c.current.Load(); cur != nil && c.opts.Now().Before(cur.expiresAt) {
		return cur.cfg, nil
	}

	ch := c.group.DoChan("discovery", func() (any, error) {
		if cur := c.current.Load(); cur != nil && c.opts.Now().Before(cur.expiresAt) {
			return cur.cfg, nil
		}
		// The fetch outlives any single caller; waiters bail out on their own context.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discoveryTimeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProviderConfig), nil
	}
}

// Invalidate drops the cached metadata so the next call rediscovers.
func (c *DiscoveryCache) Invalidate() {
	c.current.Store(nil)
}

func (c *DiscoveryCache) fetch(ctx context.Context) (*ProviderConfig, error) {
	if c.opts.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, c.opts.HTTPClient)
	}

	op, err := oidc.NewProvider(ctx, c.issuer)
	if err != nil {
		c.metrics.discoveryFetch("error")
		c.logger.Error("provider discovery failed", "issuer", c.issuer, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, c.issuer, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&extra); err != nil {
		c.logger.Warn("provider metadata missing optional claims", "issuer", c.issuer, "error", err)
	}

	endpoint := op.Endpoint()
	if c.opts.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	now := c.opts.Now()
	cfg := &ProviderConfig{
		Issuer:             c.issuer,
		Endpoint:           endpoint,
		EndSessionEndpoint: extra.EndSessionEndpoint,
		Verifier:           op.Verifier(&oidc.Config{ClientID: c.opts.ClientID}),
		FetchedAt:          now,
		clientID:           c.opts.ClientID,
		clientSecret:       c.opts.ClientSecret,
		scopes:             c.opts.Scopes,
		httpClient:         c.opts.HTTPClient,
	}
	c.current.Store(&cachedProvider{cfg: cfg, expiresAt: now.Add(c.opts.TTL)})
	c.metrics.discoveryFetch("ok")
	c.logger.Info("provider discovered", "issuer", c.issuer, "ttl", c.opts.TTL.String())
	return cfg, nil
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
