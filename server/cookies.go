package server

import (
	"errors"
	"net/http"
	"time"
)

const (
	sessionCookieName  = "session"
	verifierCookieName = "code_verifier"
	stateCookieName    = "oauth_state"
)

// ErrNoSession means the request carried no session cookie.
var ErrNoSession = errors.New("no session cookie")

// CookieManager reads and writes the session and transient login cookies.
type CookieManager struct {
	codec           SessionCodec
	secure          bool
	sameSite        http.SameSite
	cookieDomain    string
	maxAge          time.Duration
	transientMaxAge time.Duration
}

// NewCookieManager constructs a cookie manager honouring config. Cookies are
// only marked secure when a real provider is in use.
func NewCookieManager(cfg Config, codec SessionCodec) *CookieManager {
	return &CookieManager{
		codec:           codec,
		secure:          !cfg.LocalMode(),
		sameSite:        http.SameSiteLaxMode,
		cookieDomain:    cfg.Session.CookieDomain,
		maxAge:          cfg.Session.MaxAge,
		transientMaxAge: cfg.Session.TransientMaxAge,
	}
}

// Read decodes the session cookie. Missing cookies yield ErrNoSession and
// undecodable ones ErrInvalidSession.
func (cm *CookieManager) Read(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, ErrNoSession
	}
	return cm.codec.Decode(cookie.Value)
}

// Write encodes the session and sets the cookie.
func (cm *CookieManager) Write(w http.ResponseWriter, sess Session) error {
	value, err := cm.codec.Encode(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, cm.cookie(sessionCookieName, value, int(cm.maxAge.Seconds())))
	return nil
}

// Clear removes the session cookie for logout.
func (cm *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, cm.cookie(sessionCookieName, "", -1))
}

// SetTransient stores a single-use login value.
func (cm *CookieManager) SetTransient(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, cm.cookie(name, value, int(cm.transientMaxAge.Seconds())))
}

// Transient returns a login value or "".
func (cm *CookieManager) Transient(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// ClearTransient expires both login cookies.
func (cm *CookieManager) ClearTransient(w http.ResponseWriter) {
	http.SetCookie(w, cm.cookie(verifierCookieName, "", -1))
	http.SetCookie(w, cm.cookie(stateCookieName, "", -1))
}

func (cm *CookieManager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cm.cookieDomain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: cm.sameSite,
		MaxAge:   maxAge,
	}
}
