package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authgw/events"
)

const (
	localSessionTTL = time.Hour
	localIssuer     = "authgw-local"
	mockUserID      = "mock-user-123"
)

// ErrRefreshUnavailable is returned for shim sessions, whose refresh tokens are synthetic.
var ErrRefreshUnavailable = errors.New("refresh not available for local sessions")

// LocalFlow signs users in without a provider. It is only mounted when the
// configured client id is the local sentinel.
type LocalFlow struct {
	flowDeps
	signingKey []byte
	newID      func() string
}

// NewLocalFlow builds the shim. Without a session secret the token signing key
// is random per process.
func NewLocalFlow(deps flowDeps) (*LocalFlow, error) {
	var key []byte
	if secret := deps.cfg.Session.Secret; secret != "" {
		derived, err := deriveKey(secret, "authgw local access token", 32)
		if err != nil {
			return nil, err
		}
		key = derived
	} else {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate local signing key: %w", err)
		}
	}
	return &LocalFlow{
		flowDeps:   deps,
		signingKey: key,
		newID:      uuid.NewString,
	}, nil
}

func (l *LocalFlow) Mode() string { return ModeLocal }

func (l *LocalFlow) MountLogin(r chi.Router) {
	r.Get("/api/login", l.Login)
	r.Get("/api/login/test", l.LoginTestUser)
}

// Login signs in the fixed mock user and redirects to ?redirect= or home.
func (l *LocalFlow) Login(w http.ResponseWriter, r *http.Request) {
	claims := mockUserClaims()
	if err := l.signIn(w, r, claims); err != nil {
		l.logger.Error("local login failed", "error", err)
		l.metrics.login(ModeLocal, "error")
		writeMessage(w, http.StatusInternalServerError, "Login failed")
		return
	}
	l.metrics.login(ModeLocal, "ok")
	http.Redirect(w, r, safeLocalRedirect(r.URL.Query().Get("redirect")), http.StatusFound)
}

// LoginTestUser signs in a brand-new user with an empty profile.
func (l *LocalFlow) LoginTestUser(w http.ResponseWriter, r *http.Request) {
	id := "test-user-" + l.newID()
	claims := testUserClaims(id)
	if err := l.signIn(w, r, claims); err != nil {
		l.logger.Error("local test login failed", "error", err)
		l.metrics.login(ModeLocal, "error")
		writeMessage(w, http.StatusInternalServerError, "Login failed")
		return
	}
	l.metrics.login(ModeLocal, "ok")

	if redirect := r.URL.Query().Get("redirect"); redirect != "" {
		http.Redirect(w, r, safeLocalRedirect(redirect), http.StatusFound)
		return
	}
	writeJSON(w, map[string]any{"success": true, "userId": id})
}

func (l *LocalFlow) signIn(w http.ResponseWriter, r *http.Request, claims map[string]any) error {
	ctx := r.Context()
	if _, err := l.upsertFromClaims(ctx, claims); err != nil {
		return fmt.Errorf("upsert local user: %w", err)
	}

	sub, _ := claims["sub"].(string)
	now := l.now()
	expiresAt := now.Add(localSessionTTL)
	accessToken, err := l.accessToken(sub, now, expiresAt)
	if err != nil {
		return err
	}
	exp := expiresAt.Unix()
	sess := Session{
		Claims:       claims,
		AccessToken:  accessToken,
		RefreshToken: "local-refresh-" + l.newID(),
		ExpiresAt:    &exp,
	}
	if err := l.cookies.Write(w, sess); err != nil {
		return err
	}

	setRequestSubject(ctx, sub)
	l.publish(ctx, events.Event{Type: events.TypeLoginSucceeded, Subject: sub, Mode: ModeLocal})
	return nil
}

func (l *LocalFlow) accessToken(sub string, now, exp time.Time) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    localIssuer,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        l.newID(),
	})
	signed, err := tok.SignedString(l.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign local access token: %w", err)
	}
	return signed, nil
}

// Refresh always fails: shim refresh tokens are placeholders.
func (l *LocalFlow) Refresh(context.Context, Session) (Session, error) {
	return Session{}, ErrRefreshUnavailable
}

// Logout clears the session and returns home.
func (l *LocalFlow) Logout(w http.ResponseWriter, r *http.Request) {
	sub := ""
	if sess, err := l.cookies.Read(r); err == nil {
		sub = sess.Subject()
	}
	l.cookies.Clear(w)
	l.metrics.logout(ModeLocal)
	l.publish(r.Context(), events.Event{Type: events.TypeLogout, Subject: sub, Mode: ModeLocal})
	http.Redirect(w, r, "/", http.StatusFound)
}

func mockUserClaims() map[string]any {
	return map[string]any{
		"sub":                mockUserID,
		"email":              "user@example.com",
		"first_name":         "Local",
		"last_name":          "User",
		"profile_image_url":  "https://placehold.co/100x100?text=LU",
		"nickname":           "Homeowner",
		"residence_city":     "Seoul",
		"residence_district": "Gangnam-gu",
		"residence_dong":     "Yeoksam-dong",
		"target_areas": []any{
			map[string]any{"city": "Seoul", "district": "Seocho-gu", "dong": "Banpo-dong", "priority": 1},
			map[string]any{"city": "Seoul", "district": "Songpa-gu", "dong": "Jamsil-dong", "priority": 2},
		},
		"purchase_timeline":    6,
		"available_funds":      "1B KRW or more",
		"family_types":         []any{"single", "engaged"},
		"interests":            []any{"subscription", "redevelopment", "gap investment"},
		"onboarding_completed": true,
	}
}

func testUserClaims(id string) map[string]any {
	return map[string]any{
		"sub":                  id,
		"email":                id + "@example.com",
		"first_name":           "Test",
		"last_name":            "User",
		"profile_image_url":    "https://placehold.co/100x100?text=TEST",
		"nickname":             nil,
		"residence_city":       nil,
		"residence_district":   nil,
		"residence_dong":       nil,
		"target_areas":         nil,
		"purchase_timeline":    nil,
		"available_funds":      nil,
		"family_types":         nil,
		"interests":            nil,
		"onboarding_completed": false,
	}
}
