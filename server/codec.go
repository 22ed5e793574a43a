package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidSession is returned for any cookie value that does not decode to a session.
var ErrInvalidSession = errors.New("invalid session")

// Session is the authenticated state carried in the session cookie.
// Values are treated as immutable; a refresh produces a new Session.
type Session struct {
	Claims       map[string]any `json:"claims"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    *int64         `json:"expires_at,omitempty"`
}

// Subject returns the sub claim, or "" when absent.
func (s Session) Subject() string {
	sub, _ := s.Claims["sub"].(string)
	return sub
}

// Expired reports whether now is strictly past expires_at. Sessions without
// an expiry never expire here; callers decide whether that is acceptable.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.Unix() > *s.ExpiresAt
}

// SessionCodec turns sessions into cookie values and back.
type SessionCodec interface {
	Encode(Session) (string, error)
	Decode(string) (Session, error)
}

// Base64Codec stores the session as base64 JSON. It hides nothing from a
// determined client and offers no integrity.
type Base64Codec struct{}

func (Base64Codec) Encode(s Session) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (Base64Codec) Decode(v string) (Session, error) {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return decodeSessionJSON(raw)
}

// SignedCodec wraps the session JSON in an HS256 JWS so tampered cookies are rejected.
type SignedCodec struct {
	key    []byte
	signer jose.Signer
}

// NewSignedCodec derives the signing key from secret.
func NewSignedCodec(secret string) (*SignedCodec, error) {
	if len(secret) < minSessionSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSessionSecretLength)
	}
	key, err := deriveKey(secret, "authgw session codec", 32)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("create session signer: %w", err)
	}
	return &SignedCodec{key: key, signer: signer}, nil
}

func (c *SignedCodec) Encode(s Session) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	obj, err := c.signer.Sign(raw)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return obj.CompactSerialize()
}

func (c *SignedCodec) Decode(v string) (Session, error) {
	obj, err := jose.ParseSigned(v)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if len(obj.Signatures) != 1 || obj.Signatures[0].Header.Algorithm != string(jose.HS256) {
		return Session{}, fmt.Errorf("%w: unexpected signature algorithm", ErrInvalidSession)
	}
	raw, err := obj.Verify(c.key)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return decodeSessionJSON(raw)
}

func decodeSessionJSON(raw []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if s.Claims == nil {
		return Session{}, fmt.Errorf("%w: no claims", ErrInvalidSession)
	}
	return s, nil
}

// NewCodec picks the codec for the session config.
func NewCodec(cfg SessionConfig) (SessionCodec, error) {
	if cfg.Signed {
		return NewSignedCodec(cfg.Secret)
	}
	return Base64Codec{}, nil
}

func deriveKey(secret, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
