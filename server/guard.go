package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"authgw/events"
)

var (
	// ErrUnauthorized wraps every reason a protected request is turned away.
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionExpired = errors.New("session expired")
	ErrMissingExpiry  = errors.New("session has no expiry")
)

// AuthenticatedContext is what a protected handler learns about the caller.
type AuthenticatedContext struct {
	Session   Session
	Subject   string
	Refreshed bool
}

type authContextKey struct{}

// AuthFromContext returns the context attached by Guard.Protect.
func AuthFromContext(ctx context.Context) (*AuthenticatedContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthenticatedContext)
	return ac, ok
}

// Guard authenticates requests from the session cookie, refreshing expired
// sessions when a refresh token is present.
type Guard struct {
	cookies   *CookieManager
	refresher Refresher
	// requireExpiry rejects sessions without expires_at; the local shim is the only exception.
	requireExpiry bool
	mode          string
	now           func() time.Time
	logger        *slog.Logger
	metrics       *Metrics
	events        events.Publisher
}

// NewGuard builds a guard around the active identity flow.
func NewGuard(cookies *CookieManager, flow IdentityFlow, logger *slog.Logger, metrics *Metrics, publisher events.Publisher, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		cookies:       cookies,
		refresher:     flow,
		requireExpiry: flow.Mode() != ModeLocal,
		mode:          flow.Mode(),
		now:           now,
		logger:        logger,
		metrics:       metrics,
		events:        publisher,
	}
}

// Authenticate resolves the caller. A successful refresh rewrites the session
// cookie; a failed one leaves it untouched so a later attempt can retry.
func (g *Guard) Authenticate(w http.ResponseWriter, r *http.Request) (*AuthenticatedContext, error) {
	sess, err := g.cookies.Read(r)
	if err != nil {
		g.metrics.guardDecision(guardResult(err))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if sess.Subject() == "" {
		g.metrics.guardDecision("no_subject")
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrMissingSubject)
	}

	if sess.ExpiresAt == nil {
		if g.requireExpiry {
			g.metrics.guardDecision("no_expiry")
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrMissingExpiry)
		}
		g.metrics.guardDecision("ok")
		return &AuthenticatedContext{Session: sess, Subject: sess.Subject()}, nil
	}

	if !sess.Expired(g.now()) {
		g.metrics.guardDecision("ok")
		return &AuthenticatedContext{Session: sess, Subject: sess.Subject()}, nil
	}

	if sess.RefreshToken == "" {
		g.metrics.guardDecision("expired")
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrSessionExpired)
	}

	next, err := g.refresher.Refresh(r.Context(), sess)
	if err != nil {
		g.logger.Warn("session refresh failed", "sub", sess.Subject(), "error", err)
		g.metrics.refresh("error")
		g.metrics.guardDecision("refresh_failed")
		g.publish(r.Context(), events.Event{Type: events.TypeRefreshFailed, Subject: sess.Subject(), Mode: g.mode, Reason: refreshReason(err)})
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if err := g.cookies.Write(w, next); err != nil {
		g.logger.Error("refreshed session encode failed", "sub", next.Subject(), "error", err)
		g.metrics.refresh("error")
		g.metrics.guardDecision("refresh_failed")
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	g.metrics.refresh("ok")
	g.metrics.guardDecision("refreshed")
	g.publish(r.Context(), events.Event{Type: events.TypeRefreshSucceeded, Subject: next.Subject(), Mode: g.mode})
	return &AuthenticatedContext{Session: next, Subject: next.Subject(), Refreshed: true}, nil
}

// Protect rejects unauthenticated requests with 401 and hands the
// AuthenticatedContext to next via the request context.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := g.Authenticate(w, r)
		if err != nil {
			g.logger.Debug("request not authenticated", "path", r.URL.Path, "error", err)
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		setRequestSubject(r.Context(), ac.Subject)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, ac)))
	})
}

func (g *Guard) publish(ctx context.Context, ev events.Event) {
	if g.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = g.now().UTC()
	}
	if err := g.events.Publish(ctx, ev); err != nil {
		g.logger.Warn("auth event not published", "type", ev.Type, "error", err)
	}
}

func guardResult(err error) string {
	if errors.Is(err, ErrNoSession) {
		return "no_session"
	}
	return "invalid_session"
}

func refreshReason(err error) string {
	switch {
	case errors.Is(err, ErrRefreshNotExtended):
		return "not_extended"
	case errors.Is(err, ErrSubjectChanged):
		return "subject_changed"
	case errors.Is(err, ErrRefreshUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDiscovery):
		return "provider_unavailable"
	default:
		return "grant_failed"
	}
}
