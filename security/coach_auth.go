package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fairway-cloud/logging"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in platform-issued bearer tokens.
const (
	RoleCoach   = "coach"
	RoleService = "booking-service"
)

// Claims is the platform session token. Subject is the coach ID for coach
// tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the verified caller.
type Principal struct {
	Subject string
	Role    string
}

type principalKey struct{}

// PrincipalFrom returns the caller placed on ctx by Authenticator.Require.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithPrincipal is used by tests and internal callers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticator verifies HS256 bearer tokens issued by the platform's
// session service.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token. The platform normally does this; tests and ops
// tooling use it too.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("bearer authentication not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return Principal{}, fmt.Errorf("invalid bearer token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("invalid bearer token: missing subject")
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Require rejects requests without a valid bearer token for role.
func (a *Authenticator) Require(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			p, err := a.Parse(raw)
			if err != nil {
				logging.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			if p.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
