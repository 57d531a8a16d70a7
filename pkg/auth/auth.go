// Package auth provides bearer-token authentication for the service API and
// the HMAC-signed request channel the operational job endpoints require.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "authority.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// HasAnyRole reports whether the principal holds at least one of the
// required roles. Comparison is case-insensitive.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// Middleware returns the bearer-token middleware for the given mode. Mode
// "off" injects an anonymous principal; mode "hs256" verifies HS256 tokens
// against the shared secret.
func Middleware(mode, secret, issuer, audience string) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			if mode != "hs256" {
				http.Error(w, "unsupported auth mode", http.StatusUnauthorized)
				return
			}
			claims, err := VerifyHS256Token(token, secret, time.Now().UTC(), issuer, audience)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
				Tenant:  claims.Tenant,
			})))
		})
	}
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

// VerifyHS256Token validates an HS256 JWT against the shared secret,
// enforcing expiry, not-before, and optional issuer/audience binding.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return TokenClaims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

// SignHS256Token mints an HS256 JWT from the claims. Used by operator
// tooling and tests.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func audContains(aud any, audience string) bool {
	switch v := aud.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == audience {
				return true
			}
		}
	}
	return false
}
