package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	usersvc "github.com/civic-chain/engagement/internal/app/services/users"
)

type contextKey string

const actorKey contextKey = "httpapi.actor"

// authClaims is the JWT payload issued at login.
type authClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and verifies the bearer tokens guarding the API.
type Auth struct {
	secret []byte
	ttl    time.Duration
	users  *usersvc.Service
}

// NewAuth creates an authenticator signing HS256 tokens with secret.
func NewAuth(secret []byte, ttl time.Duration, users *usersvc.Service) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: secret, ttl: ttl, users: users}
}

// IssueToken signs a token for u.
func (a *Auth) IssueToken(u user.User) (string, error) {
	now := time.Now().UTC()
	claims := authClaims{
		UserID: u.ID,
		Role:   string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// verify parses a bearer token and loads the current user record, so role
// changes take effect without waiting for token expiry.
func (a *Auth) verify(ctx context.Context, bearer string) (user.User, error) {
	claims := &authClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return user.User{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	u, err := a.users.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return user.User{}, fmt.Errorf("%w: unknown token subject", errs.ErrUnauthorized)
		}
		return user.User{}, err
	}
	return u, nil
}

// exemptPath reports whether p is reachable without a token.
func exemptPath(p string) bool {
	if p == "/health" || p == "/metrics" {
		return true
	}
	return strings.HasPrefix(p, "/auth/")
}

// Middleware authenticates every request except the exempt paths and stashes
// the caller in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		u, err := a.verify(r.Context(), strings.TrimSpace(strings.TrimPrefix(header, prefix)))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), u)))
	})
}

func withActor(ctx context.Context, u user.User) context.Context {
	return context.WithValue(ctx, actorKey, u)
}

// actorFrom returns the authenticated caller, if any.
func actorFrom(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(actorKey).(user.User)
	return u, ok
}
