// Package auth verifies the platform's HS256 session tokens.
//
// Token issuance lives in the authentication service; this package only
// checks signatures and extracts the identity claims the signaling core
// needs for admin-scoped actions.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrUnsupportedJWT = errors.New("unsupported jwt")
)

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	maxTokenLen      = 16 * 1024
)

// Claims is the identity payload carried by a session token.
type Claims struct {
	Role      string `json:"role"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	// Exp/Iat are optional; zero means absent.
	Exp int64 `json:"exp"`
	Iat int64 `json:"iat"`
}

// Verifier checks a credential and returns its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

type HMACVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *HMACVerifier) Verify(token string) (Claims, error) {
	if len(token) == 0 || len(token) > maxTokenLen {
		return Claims{}, ErrInvalidToken
	}

	headerB64, payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if header.Alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}

	if claims.Exp != 0 && v.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}

	return claims, nil
}

func splitToken(token string) (header, payload, sig string, ok bool) {
	first := strings.IndexByte(token, '.')
	if first <= 0 {
		return "", "", "", false
	}
	rest := token[first+1:]
	second := strings.IndexByte(rest, '.')
	if second <= 0 {
		return "", "", "", false
	}
	header = token[:first]
	payload = rest[:second]
	sig = rest[second+1:]
	if sig == "" || strings.IndexByte(sig, '.') >= 0 {
		return "", "", "", false
	}
	return header, payload, sig, true
}

// RequireRole wraps Verify with a role check for admin-scoped actions.
func RequireRole(v Verifier, token, role string) (Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Role != role {
		return Claims{}, fmt.Errorf("%w: role %q is not %q", ErrInvalidToken, claims.Role, role)
	}
	return claims, nil
}

// BearerToken extracts the credential from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
