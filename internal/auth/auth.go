// Package auth verifies bearer tokens and carries the caller's identity on
// the request context. Tokens are HS256 JWTs whose subject is the account id.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bourse/settlement-engine/internal/audit"
	"github.com/bourse/settlement-engine/internal/model"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are the token claims the engine relies on.
type Claims struct {
	Alias string     `json:"alias"`
	Role  model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	AccountID string
	Alias     string
	Role      model.Role
}

type ctxKey struct{}

// FromContext returns the identity set by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity attaches id to ctx and records it as the acting identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, id)
	return audit.WithActor(ctx, id.AccountID)
}

// Authenticator signs and verifies tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// New creates an Authenticator. An empty issuer disables the issuer check.
func New(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for the identity valid for ttl.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Alias: id.Alias,
		Role:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse verifies a token and returns its identity.
func (a *Authenticator) Parse(raw string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	role := claims.Role
	if role == "" {
		role = model.RoleTrader
	}
	return Identity{AccountID: claims.Subject, Alias: claims.Alias, Role: role}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			Unauthorized(w, ErrMissingToken)
			return
		}
		id, err := a.Parse(raw)
		if err != nil {
			Unauthorized(w, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Identify verifies the token of a request that may be anonymous. Browsers
// cannot set headers on a WebSocket upgrade, so the access_token query
// parameter is accepted as well. It returns ok=false when no token was sent
// and ErrInvalidToken when one was sent but failed verification.
func (a *Authenticator) Identify(r *http.Request) (id Identity, ok bool, err error) {
	raw, ok := bearer(r)
	if !ok {
		raw = r.URL.Query().Get("access_token")
	}
	if raw == "" {
		return Identity{}, false, nil
	}
	id, err = a.Parse(raw)
	if err != nil {
		return Identity{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, true, nil
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

// RequireRole allows only callers with the given role. It must run after
// Middleware.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				Unauthorized(w, ErrMissingToken)
				return
			}
			if id.Role != role {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": string(role) + " access required", "kind": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Unauthorized writes a 401 JSON body with a bearer challenge.
func Unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="settlement-engine"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": "unauthorized"})
}
