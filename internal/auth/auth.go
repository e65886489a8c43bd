// Package auth turns the credentials in a client's first envelope into a
// canonical username.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrInvalidCredentials is returned for a wrong secret, a bad or expired
	// token, or an unusable username.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOrgDenied is returned when the identity is not a member of the
	// allow-listed organization.
	ErrOrgDenied = errors.New("organization not allowed")
)

// Credentials are the authentication fields of an auth envelope. They are
// never logged.
type Credentials struct {
	Secret   string
	Token    string
	Username string
}

// Identity is an authenticated user.
type Identity struct {
	Username string
	GitHubID int64
	Org      string
}

// Authenticator validates credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// ValidUsername reports whether name is non-empty valid UTF-8 without
// control characters.
func ValidUsername(name string) bool {
	if name == "" || !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// SharedSecret accepts any username presented together with the configured
// secret.
type SharedSecret struct {
	secret []byte
}

// NewSharedSecret returns a shared-secret authenticator.
func NewSharedSecret(secret string) *SharedSecret {
	return &SharedSecret{secret: []byte(secret)}
}

// Authenticate implements Authenticator.
func (s *SharedSecret) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	if len(s.secret) == 0 || subtle.ConstantTimeCompare([]byte(creds.Secret), s.secret) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	if !ValidUsername(creds.Username) {
		return Identity{}, fmt.Errorf("%w: bad username", ErrInvalidCredentials)
	}
	return Identity{Username: creds.Username}, nil
}

// TokenAuth accepts relay tokens minted by an Issuer. When allowedOrg is set
// the token must carry that organization.
type TokenAuth struct {
	issuer     *Issuer
	allowedOrg string
}

// NewTokenAuth returns a token authenticator.
func NewTokenAuth(issuer *Issuer, allowedOrg string) *TokenAuth {
	return &TokenAuth{issuer: issuer, allowedOrg: allowedOrg}
}

// Authenticate implements Authenticator.
func (a *TokenAuth) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	if creds.Token == "" {
		return Identity{}, ErrInvalidCredentials
	}
	id, err := a.issuer.Verify(creds.Token)
	if err != nil {
		return Identity{}, err
	}
	if a.allowedOrg != "" && id.Org != a.allowedOrg {
		return Identity{}, ErrOrgDenied
	}
	return id, nil
}
