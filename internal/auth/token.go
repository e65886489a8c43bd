package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "relay"

// Issuer signs and verifies relay tokens (HS256 JWTs).
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer signing with secret. A non-positive ttl
// defaults to seven days.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for id.
func (i *Issuer) Issue(id Identity) (string, time.Time, error) {
	if !ValidUsername(id.Username) {
		return "", time.Time{}, fmt.Errorf("%w: bad username", ErrInvalidCredentials)
	}
	now := i.now()
	exp := now.Add(i.ttl)

	claims := jwtlib.MapClaims{
		"iss": tokenIssuer,
		"sub": id.Username,
		"gid": id.GitHubID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if id.Org != "" {
		claims["org"] = id.Org
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry and returns the identity the
// token was issued for. Every failure wraps ErrInvalidCredentials.
func (i *Issuer) Verify(token string) (Identity, error) {
	parsed, err := jwtlib.Parse(token,
		func(t *jwtlib.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(i.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: claims type mismatch", ErrInvalidCredentials)
	}

	sub, err := claims.GetSubject()
	if err != nil || !ValidUsername(sub) {
		return Identity{}, fmt.Errorf("%w: bad subject", ErrInvalidCredentials)
	}

	id := Identity{Username: sub}
	if gid, ok := claims["gid"].(float64); ok {
		id.GitHubID = int64(gid)
	}
	if org, ok := claims["org"].(string); ok {
		id.Org = org
	}
	return id, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwtlib.ErrTokenExpired)
}
