// Package auth resolves the caller identity asserted by the external identity
// provider. It does not issue credentials for end users; it only verifies
// them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/job-dispatch/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Principal struct {
	UserID string
	Name   string
	Role   models.Role
}

type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// Claims is the token payload issued by the identity provider.
type Claims struct {
	UserID string
	Name   string
	Role   string
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 bearer tokens. Browsers cannot set headers
// on websocket upgrades, so a "token" query parameter is accepted too.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := bearer(r)
	if raw == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims, err := a.Parse(raw)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return principal(claims.UserID, claims.Name, claims.Role)
}

func (a *JWTAuthenticator) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid structure")
	}
	return claims, nil
}

// Issue signs claims valid for ttl. Used by tooling and tests.
func (a *JWTAuthenticator) Issue(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// HeaderAuthenticator trusts identity headers set by a fronting gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	return principal(r.Header.Get("X-User-ID"), r.Header.Get("X-User-Name"), r.Header.Get("X-User-Role"))
}

func principal(id, name, role string) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, fmt.Errorf("%w: missing user id", ErrUnauthenticated)
	}
	p := Principal{UserID: id, Name: strings.TrimSpace(name), Role: models.Role(strings.ToLower(strings.TrimSpace(role)))}
	if !p.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, role)
	}
	return p, nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
