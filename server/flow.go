package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"authgw/events"
	"authgw/store"
)

// Identity modes.
const (
	ModeFederated = "federated"
	ModeLocal     = "local"
)

// IdentityFlow is the login strategy chosen once at startup.
type IdentityFlow interface {
	Mode() string
	// MountLogin registers the login (and callback, where applicable) routes.
	MountLogin(r chi.Router)
	Logout(w http.ResponseWriter, r *http.Request)
	Refresher
}

// Refresher renews an expired session.
type Refresher interface {
	Refresh(ctx context.Context, sess Session) (Session, error)
}

// flowDeps is shared by both flows.
type flowDeps struct {
	cfg     Config
	cookies *CookieManager
	users   store.Store
	events  events.Publisher
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func (d flowDeps) publish(ctx context.Context, ev events.Event) {
	if d.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = d.now().UTC()
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("auth event not published", "type", ev.Type, "error", err)
	}
}

func (d flowDeps) upsertFromClaims(ctx context.Context, claims map[string]any) (*store.User, error) {
	return d.users.UpsertUser(ctx, store.AttributesFromClaims(claims))
}

// publicDomain resolves the externally visible host for this request.
func (d flowDeps) publicDomain(r *http.Request) string {
	return d.cfg.Domains.ResolveDomain(r.Host)
}

// safeLocalRedirect accepts only same-site absolute paths.
func safeLocalRedirect(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
