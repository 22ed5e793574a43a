package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "test-client"
	testDomain   = "app.example.com"
	testKeyID    = "test-key"
)

// fakeProvider is an in-process OpenID Connect provider that enforces PKCE.
type fakeProvider struct {
	t        *testing.T
	srv      *httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu             sync.Mutex
	codes          map[string]fakeGrant
	refreshTokens  map[string]map[string]any
	rotate         bool
	refreshExpiry  time.Duration
	omitEndSession bool
	failDiscovery  bool
	refreshGate    chan struct{}
	discoveryGate  chan struct{}
	seq            int

	discoveryHits atomic.Int32
	tokenHits     atomic.Int32
	refreshHits   atomic.Int32
}

type fakeGrant struct {
	claims      map[string]any
	challenge   string
	redirectURI string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fp := &fakeProvider{
		t:             t,
		key:           key,
		clientID:      testClientID,
		codes:         make(map[string]fakeGrant),
		refreshTokens: make(map[string]map[string]any),
		refreshExpiry: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", fp.handleDiscovery)
	mux.HandleFunc("/jwks", fp.handleJWKS)
	mux.HandleFunc("/token", fp.handleToken)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) issuer() string { return fp.srv.URL }

func (fp *fakeProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	fp.discoveryHits.Add(1)
	fp.mu.Lock()
	gate := fp.discoveryGate
	omitEndSession := fp.omitEndSession
	fail := fp.failDiscovery
	fp.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	doc := map[string]any{
		"issuer":                                fp.issuer(),
		"authorization_endpoint":                fp.issuer() + "/authorize",
		"token_endpoint":                        fp.issuer() + "/token",
		"jwks_uri":                              fp.issuer() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if !omitEndSession {
		doc["end_session_endpoint"] = fp.issuer() + "/logout"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (fp *fakeProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &fp.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (fp *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	fp.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != fp.clientID {
		tokenError(w, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		fp.mu.Lock()
		grant, ok := fp.codes[r.PostForm.Get("code")]
		delete(fp.codes, r.PostForm.Get("code"))
		fp.mu.Unlock()
		if !ok {
			tokenError(w, "invalid_grant")
			return
		}
		if pkceChallenge(r.PostForm.Get("code_verifier")) != grant.challenge {
			tokenError(w, "invalid_grant")
			return
		}
		if r.PostForm.Get("redirect_uri") != grant.redirectURI {
			tokenError(w, "invalid_grant")
			return
		}
		rt := fp.newRefreshToken(grant.claims)
		fp.writeTokens(w, grant.claims, rt, time.Hour)

	case "refresh_token":
		fp.refreshHits.Add(1)
		fp.mu.Lock()
		gate := fp.refreshGate
		fp.mu.Unlock()
		if gate != nil {
			<-gate
		}

		old := r.PostForm.Get("refresh_token")
		fp.mu.Lock()
		claims, ok := fp.refreshTokens[old]
		rotate := fp.rotate
		expiry := fp.refreshExpiry
		if ok && rotate {
			delete(fp.refreshTokens, old)
		}
		fp.mu.Unlock()
		if !ok {
			tokenError(w, "invalid_grant")
			return
		}
		rt := ""
		if rotate {
			rt = fp.newRefreshToken(claims)
		}
		fp.writeTokens(w, claims, rt, expiry)

	default:
		tokenError(w, "unsupported_grant_type")
	}
}

func (fp *fakeProvider) writeTokens(w http.ResponseWriter, claims map[string]any, refreshToken string, ttl time.Duration) {
	fp.mu.Lock()
	fp.seq++
	n := fp.seq
	fp.mu.Unlock()

	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", n),
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
		"id_token":     fp.signIDToken(claims, time.Now().Add(ttl)),
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (fp *fakeProvider) signIDToken(claims map[string]any, exp time.Time) string {
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	mc["iss"] = fp.issuer()
	mc["aud"] = fp.clientID
	mc["iat"] = time.Now().Unix()
	mc["exp"] = exp.Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(fp.key)
	if err != nil {
		fp.t.Fatalf("sign id_token: %v", err)
	}
	return signed
}

func (fp *fakeProvider) newRefreshToken(claims map[string]any) string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.seq++
	rt := fmt.Sprintf("refresh-%d", fp.seq)
	fp.refreshTokens[rt] = claims
	return rt
}

// issueCode stands in for the user approving the authorization request.
func (fp *fakeProvider) issueCode(claims map[string]any, challenge, redirectURI string) string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.seq++
	code := fmt.Sprintf("code-%d", fp.seq)
	fp.codes[code] = fakeGrant{claims: claims, challenge: challenge, redirectURI: redirectURI}
	return code
}

func (fp *fakeProvider) registerRefreshToken(rt string, claims map[string]any) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.refreshTokens[rt] = claims
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func federatedTestConfig(fp *fakeProvider) Config {
	cfg := DefaultConfig()
	cfg.Identity.ClientID = testClientID
	cfg.Identity.IssuerURL = fp.issuer()
	cfg.Domains.DevDomain = testDomain
	cfg.Server.RateLimit.RPS = 0
	return cfg
}

func doRequest(h http.Handler, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type loginAttempt struct {
	begin       *httptest.ResponseRecorder
	callback    *httptest.ResponseRecorder
	transient   []*http.Cookie
	callbackURL string
}

// runLogin drives /api/login, the provider approval, and /api/callback.
func runLogin(t *testing.T, h http.Handler, fp *fakeProvider, claims map[string]any) loginAttempt {
	t.Helper()
	begin := doRequest(h, "/api/login")
	if begin.Code != http.StatusFound {
		t.Fatalf("login status = %d, want 302", begin.Code)
	}
	loc, err := url.Parse(begin.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse login redirect: %v", err)
	}
	q := loc.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge, got %q", q.Get("code_challenge_method"))
	}

	var transient []*http.Cookie
	for _, c := range begin.Result().Cookies() {
		if c.Name == verifierCookieName || c.Name == stateCookieName {
			transient = append(transient, c)
		}
	}
	if len(transient) != 2 {
		t.Fatalf("expected verifier and state cookies, got %d", len(transient))
	}

	code := fp.issueCode(claims, q.Get("code_challenge"), q.Get("redirect_uri"))
	target := "/api/callback?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(q.Get("state"))
	return loginAttempt{
		begin:       begin,
		callback:    doRequest(h, target, transient...),
		transient:   transient,
		callbackURL: target,
	}
}

func userClaims(sub string) map[string]any {
	return map[string]any{
		"sub":        sub,
		"email":      sub + "@example.com",
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"interests":  []any{"subscription"},
	}
}
