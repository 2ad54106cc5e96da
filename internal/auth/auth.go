// Package auth verifies the credentials presented by signaling clients.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/moodsync/relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedJWT     = errors.New("unsupported jwt")
)

// Principal is what a verified credential entitles its holder to.
type Principal struct {
	Subject string
	// Room, when non-empty, is the only room code the holder may join.
	Room string
	// Host reports whether the holder may join as a room host.
	Host bool
}

// Anonymous is the principal used when AUTH_MODE=none and for API keys:
// any room, host allowed.
var Anonymous = Principal{Host: true}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the credential for mode from ?apiKey= / ?token=.
// Each mode prefers its own parameter but accepts the other one, since some
// clients only know how to send one of them.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = q.Get("apiKey"), q.Get("token")
	case config.AuthModeJWT:
		first, second = q.Get("token"), q.Get("apiKey")
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if v := strings.TrimSpace(first); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(second); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// CredentialFromRequest prefers headers (Authorization: Bearer, X-API-Key) and
// falls back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
			return v, nil
		}
	case config.AuthModeJWT:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if bearer, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return bearer, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
