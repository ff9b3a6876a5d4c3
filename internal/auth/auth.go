// Package auth resolves the authenticated identity attached to a signaling
// connection. Credential issuance lives in an external service; the relay only
// verifies what it is handed.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/meshconf/meshconf/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the authenticated user attached to a connection before a join
// is accepted.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Verifier turns a raw credential into an Identity.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return anonymousVerifier{}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// anonymousVerifier accepts any credential and yields an empty identity; the
// join payload's user info is trusted instead. Dev/test only.
type anonymousVerifier struct{}

func (anonymousVerifier) Verify(string) (Identity, error) { return Identity{}, nil }

// CredentialFromQuery extracts the signaling credential from the upgrade
// request's query string, if present.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if token := q.Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
