/*
Package auth verifies bearer tokens and carries the caller's identity.

TOKENS:
  HS256 JWTs signed with a shared secret.
  sub   → user id (required)
  role  → "admin" unlocks /api/admin/*

  Handlers read the user id only from the Principal placed in the request
  context. Request bodies and paths never name the acting user.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/warp/access-engine/ledger"
)

const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified caller.
type Principal struct {
	UserID ledger.UserID
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type Verifier struct {
	secret []byte
	leeway time.Duration
	// Now is overridable for tests.
	Now func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second, Now: time.Now}, nil
}

// Issue signs a token for userID. Used by tests and local tooling.
func (v *Verifier) Issue(userID ledger.UserID, role string, ttl time.Duration) (string, error) {
	now := v.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates token, returning the principal it names.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return Principal{UserID: ledger.UserID(sub), Role: claims.Role}, nil
}

// =============================================================================
// Context + middleware
// =============================================================================

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ErrorWriter renders an auth failure. The api package supplies its JSON writer.
type ErrorWriter func(w http.ResponseWriter, status int, msg string)

func defaultErrorWriter(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// Middleware rejects requests without a valid bearer token.
func (v *Verifier) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultErrorWriter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				onError(w, http.StatusUnauthorized, err.Error())
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				onError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin(onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultErrorWriter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				onError(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			if !p.IsAdmin() {
				onError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
