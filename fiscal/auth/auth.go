// Package auth verifies the bearer credential of a caller and decides which
// fiscal capabilities its role grants.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v4"
)

type Role string

const (
	RoleMaster   Role = "master"
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleClient   Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMaster, RoleAdmin, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// Permission has the form "resource:action", "*:*" grants everything.
type Permission string

const (
	PermissionAll       Permission = "*:*"
	PermDocumentsEmit   Permission = "documents:emit"
	PermDocumentsView   Permission = "documents:view"
	PermConfigurationRW Permission = "configuration:manage"
)

func (p Permission) Matches(requested Permission) bool {
	if p == PermissionAll || p == requested {
		return true
	}
	res, act, _ := strings.Cut(string(p), ":")
	reqRes, _, _ := strings.Cut(string(requested), ":")
	return res == reqRes && act == "*"
}

var rolePermissions = map[Role][]Permission{
	RoleMaster:   {PermissionAll},
	RoleAdmin:    {"documents:*"},
	RoleEmployee: {PermDocumentsEmit, PermDocumentsView},
	RoleClient:   {PermDocumentsView},
}

// Allowed reports whether role holds perm.
func Allowed(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p.Matches(perm) {
			return true
		}
	}
	return false
}

// CanEmit gates the emission entry point.
func CanEmit(role Role) bool { return Allowed(role, PermDocumentsEmit) }

// CanView gates reading documents from the registry.
func CanView(role Role) bool { return Allowed(role, PermDocumentsView) }

// CanConfigure gates the restricted configuration capability, master only.
func CanConfigure(role Role) bool { return Allowed(role, PermConfigurationRW) }

type Principal struct {
	UserID string
	Nick   string
	Role   Role
}

var ErrNoPrincipal = errors.New("no principal in context")

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

type Claims struct {
	Nick string `json:"nick,omitempty"`
	Role Role   `json:"role"`
	jwt.RegisteredClaims
}

const issuer = "go-fiscal-engine"

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns the principal of a valid token. Any failure wraps fiscal.ErrUnauthorized.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Principal{}, errors.Wrap(fiscal.ErrUnauthorized, "empty token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, errors.Wrapf(fiscal.ErrUnauthorized, "parse token: %v", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.Wrap(fiscal.ErrUnauthorized, "token without subject")
	}
	if !claims.Role.Valid() {
		return Principal{}, errors.Wrapf(fiscal.ErrUnauthorized, "unknown role %q", claims.Role)
	}

	return Principal{UserID: claims.Subject, Nick: claims.Nick, Role: claims.Role}, nil
}

// Issuer signs tokens. Production tokens come from the authentication service;
// this exists for the CLI and tests.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Issue(p Principal) (string, error) {
	if !p.Role.Valid() {
		return "", errors.Errorf("unknown role %q", p.Role)
	}
	now := time.Now()
	claims := Claims{
		Nick: p.Nick,
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
