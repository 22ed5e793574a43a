package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"authgw/events"
)

const refreshTimeout = 15 * time.Second

var (
	ErrMissingVerifier    = errors.New("missing pkce verifier")
	ErrStateMismatch      = errors.New("state mismatch")
	ErrProviderError      = errors.New("provider returned an error")
	ErrMissingCode        = errors.New("missing authorization code")
	ErrMissingIDToken     = errors.New("id_token missing in token response")
	ErrMissingSubject     = errors.New("id_token has no subject")
	ErrNoRefreshToken     = errors.New("session has no refresh token")
	ErrRefreshNotExtended = errors.New("refresh did not extend session expiry")
	ErrSubjectChanged     = errors.New("refreshed identity does not match session")
)

// FederatedFlow runs authorization code + PKCE against the upstream provider.
type FederatedFlow struct {
	flowDeps
	provider  ProviderSource
	replay    ReplayLedger
	coalesce  bool
	refreshes singleflight.Group
}

// NewFederatedFlow wires the provider-backed login flow.
func NewFederatedFlow(deps flowDeps, provider ProviderSource, replay ReplayLedger) *FederatedFlow {
	return &FederatedFlow{
		flowDeps: deps,
		provider: provider,
		replay:   replay,
		coalesce: deps.cfg.Identity.ProviderRotatesRefreshTokens,
	}
}

func (f *FederatedFlow) Mode() string { return ModeFederated }

func (f *FederatedFlow) MountLogin(r chi.Router) {
	r.Get("/api/login", f.BeginLogin)
	r.Get("/api/callback", f.Callback)
}

func (f *FederatedFlow) callbackURL(r *http.Request) string {
	return "https://" + f.publicDomain(r) + "/api/callback"
}

// BeginLogin stores a fresh verifier and state in transient cookies and
// redirects the browser to the provider.
func (f *FederatedFlow) BeginLogin(w http.ResponseWriter, r *http.Request) {
	pc, err := f.provider.Config(r.Context())
	if err != nil {
		f.logger.Error("login unavailable", "error", err)
		f.metrics.login(ModeFederated, "provider_unavailable")
		writeMessage(w, http.StatusBadGateway, "Identity provider unavailable")
		return
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		f.logger.Error("generate login state", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Login failed")
		return
	}

	f.cookies.SetTransient(w, verifierCookieName, verifier)
	f.cookies.SetTransient(w, stateCookieName, state)

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if prompt := f.cfg.Identity.Prompt; prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", prompt))
	}
	authURL := pc.OAuth2(f.callbackURL(r)).AuthCodeURL(state, opts...)

	f.metrics.login(ModeFederated, "redirected")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the exchange, records the user and issues the session.
// Exchange problems send the browser back to /api/login; provider detail is
// only logged.
func (f *FederatedFlow) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	verifier := f.cookies.Transient(r, verifierCookieName)
	expectedState := f.cookies.Transient(r, stateCookieName)
	// Transient values are single use whatever happens next.
	f.cookies.ClearTransient(w)

	sess, err := f.exchange(ctx, r, verifier, expectedState)
	if err != nil {
		if errors.Is(err, ErrDiscovery) {
			f.metrics.callback("provider_unavailable")
			writeMessage(w, http.StatusBadGateway, "Identity provider unavailable")
			return
		}
		f.logger.Warn("callback rejected", "error", err)
		f.metrics.callback(callbackOutcome(err))
		f.publish(ctx, events.Event{Type: events.TypeLoginFailed, Mode: ModeFederated, Reason: callbackOutcome(err)})
		http.Redirect(w, r, "/api/login", http.StatusFound)
		return
	}

	if _, err := f.upsertFromClaims(ctx, sess.Claims); err != nil {
		f.logger.Error("user upsert failed", "sub", sess.Subject(), "error", err)
		f.metrics.callback("store_error")
		writeMessage(w, http.StatusInternalServerError, "Failed to complete login")
		return
	}

	if err := f.cookies.Write(w, sess); err != nil {
		f.logger.Error("session encode failed", "sub", sess.Subject(), "error", err)
		f.metrics.callback("session_error")
		writeMessage(w, http.StatusInternalServerError, "Failed to complete login")
		return
	}

	setRequestSubject(ctx, sess.Subject())
	f.metrics.callback("ok")
	f.publish(ctx, events.Event{Type: events.TypeLoginSucceeded, Subject: sess.Subject(), Mode: ModeFederated})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *FederatedFlow) exchange(ctx context.Context, r *http.Request, verifier, expectedState string) (Session, error) {
	if verifier == "" {
		return Session{}, ErrMissingVerifier
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return Session{}, fmt.Errorf("%w: %s", ErrProviderError, e)
	}
	state := q.Get("state")
	if expectedState == "" || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return Session{}, ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return Session{}, ErrMissingCode
	}
	if err := f.replay.Consume(ctx, state, f.cfg.Session.TransientMaxAge); err != nil {
		return Session{}, err
	}

	pc, err := f.provider.Config(ctx)
	if err != nil {
		return Session{}, err
	}

	tok, err := pc.OAuth2(f.callbackURL(r)).Exchange(pc.ClientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Session{}, fmt.Errorf("exchange code: %w", err)
	}
	return f.sessionFromToken(ctx, pc, tok)
}

func (f *FederatedFlow) sessionFromToken(ctx context.Context, pc *ProviderConfig, tok *oauth2.Token) (Session, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return Session{}, ErrMissingIDToken
	}
	idToken, err := pc.Verifier.Verify(pc.ClientContext(ctx), raw)
	if err != nil {
		return Session{}, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Subject == "" {
		return Session{}, ErrMissingSubject
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Session{}, fmt.Errorf("parse claims: %w", err)
	}
	exp := idToken.Expiry.Unix()
	return Session{
		Claims:       claims,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    &exp,
	}, nil
}

// Refresh exchanges the session's refresh token. When the provider rotates
// refresh tokens, concurrent refreshes of one token share a single grant.
func (f *FederatedFlow) Refresh(ctx context.Context, sess Session) (Session, error) {
	if sess.RefreshToken == "" {
		return Session{}, ErrNoRefreshToken
	}
	if !f.coalesce {
		return f.refreshOnce(ctx, sess)
	}

	ch := f.refreshes.DoChan(stateFingerprint(sess.RefreshToken), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return f.refreshOnce(rctx, sess)
	})
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (f *FederatedFlow) refreshOnce(ctx context.Context, sess Session) (Session, error) {
	pc, err := f.provider.Config(ctx)
	if err != nil {
		return Session{}, err
	}

	src := pc.OAuth2("").TokenSource(pc.ClientContext(ctx), &oauth2.Token{RefreshToken: sess.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return Session{}, fmt.Errorf("refresh token grant: %w", err)
	}

	var next Session
	_, hasIDToken := tok.Extra("id_token").(string)
	if hasIDToken {
		next, err = f.sessionFromToken(ctx, pc, tok)
		if err != nil {
			return Session{}, err
		}
		if next.Subject() != sess.Subject() {
			return Session{}, ErrSubjectChanged
		}
	} else {
		if tok.Expiry.IsZero() {
			return Session{}, ErrRefreshNotExtended
		}
		exp := tok.Expiry.Unix()
		next = Session{
			Claims:       sess.Claims,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    &exp,
		}
	}
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	if sess.ExpiresAt != nil && *next.ExpiresAt <= *sess.ExpiresAt {
		return Session{}, ErrRefreshNotExtended
	}

	if hasIDToken {
		if _, err := f.upsertFromClaims(ctx, next.Claims); err != nil {
			f.logger.Warn("user upsert after refresh failed", "sub", next.Subject(), "error", err)
		}
	}
	return next, nil
}

// Logout clears the session and sends the browser to the provider's
// end-session endpoint, or home when the provider advertises none.
func (f *FederatedFlow) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := ""
	if sess, err := f.cookies.Read(r); err == nil {
		sub = sess.Subject()
	}
	f.cookies.Clear(w)
	f.metrics.logout(ModeFederated)
	f.publish(ctx, events.Event{Type: events.TypeLogout, Subject: sub, Mode: ModeFederated})

	pc, err := f.provider.Config(ctx)
	if err != nil || pc.EndSessionEndpoint == "" {
		if err != nil {
			f.logger.Warn("logout without provider end-session", "error", err)
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	target, err := url.Parse(pc.EndSessionEndpoint)
	if err != nil {
		f.logger.Warn("invalid end_session_endpoint", "error", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	q := target.Query()
	q.Set("client_id", pc.ClientID())
	q.Set("post_logout_redirect_uri", "https://"+f.publicDomain(r))
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func callbackOutcome(err error) string {
	switch {
	case errors.Is(err, ErrMissingVerifier):
		return "missing_verifier"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrStateReplayed):
		return "state_replayed"
	case errors.Is(err, ErrProviderError):
		return "provider_error"
	case errors.Is(err, ErrMissingCode):
		return "missing_code"
	default:
		return "exchange_failed"
	}
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
