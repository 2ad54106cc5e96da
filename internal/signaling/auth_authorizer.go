package signaling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/moodsync/relay/internal/auth"
	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/protocol"
)

// Authorizer enforces AUTH_MODE=none|api_key|jwt for the WebSocket and the
// room endpoints.
//
// Credential sources:
//   - HTTP: headers (preferred) and query string (fallback).
//   - WebSocket: query string at upgrade time, otherwise a first
//     `{type:"auth", apiKey:"..."}` / `{type:"auth", token:"..."}` message.
type Authorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return Authorizer{mode: cfg.AuthMode}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return Authorizer{}, err
	}
	return Authorizer{mode: cfg.AuthMode, verifier: v}, nil
}

// AllowAll returns an Authorizer for AUTH_MODE=none.
func AllowAll() Authorizer {
	return Authorizer{mode: config.AuthModeNone}
}

func (a Authorizer) Mode() config.AuthMode {
	if a.mode == "" {
		return config.AuthModeNone
	}
	return a.mode
}

// AuthorizeRequest authenticates an HTTP request from its headers or query
// string.
func (a Authorizer) AuthorizeRequest(r *http.Request) (auth.Principal, error) {
	if a.Mode() == config.AuthModeNone {
		return auth.Anonymous, nil
	}
	cred, err := auth.CredentialFromRequest(a.mode, r)
	if err != nil {
		return auth.Principal{}, err
	}
	return a.verify(cred)
}

// AuthorizeQuery authenticates a WebSocket upgrade from its query string.
// It returns auth.ErrMissingCredentials when the client must authenticate
// with an auth message instead.
func (a Authorizer) AuthorizeQuery(r *http.Request) (auth.Principal, error) {
	if a.Mode() == config.AuthModeNone {
		return auth.Anonymous, nil
	}
	cred, err := auth.CredentialFromQuery(a.mode, r.URL.Query())
	if err != nil {
		return auth.Principal{}, err
	}
	return a.verify(cred)
}

// AuthorizeMessage authenticates a WebSocket auth message. Each mode prefers
// its own field and falls back to the other.
func (a Authorizer) AuthorizeMessage(msg protocol.ClientMessage) (auth.Principal, error) {
	if a.Mode() == config.AuthModeNone {
		return auth.Anonymous, nil
	}
	first, second := msg.APIKey, msg.Token
	if a.mode == config.AuthModeJWT {
		first, second = second, first
	}
	cred := strings.TrimSpace(first)
	if cred == "" {
		cred = strings.TrimSpace(second)
	}
	if cred == "" {
		return auth.Principal{}, auth.ErrMissingCredentials
	}
	return a.verify(cred)
}

func (a Authorizer) verify(cred string) (auth.Principal, error) {
	if a.verifier == nil {
		return auth.Principal{}, errors.New("auth verifier not configured")
	}
	return a.verifier.Verify(cred)
}

// IsAuthMissing reports whether err represents missing credentials (as opposed to
// invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err should be treated as an authentication failure.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

func unauthorizedMessage(err error) string {
	// Avoid leaking server configuration details (e.g. "invalid auth mode").
	if err == nil || IsUnauthorized(err) {
		return "unauthorized"
	}
	return "authorization failed"
}
