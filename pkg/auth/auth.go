// Package auth mints and checks the HS256 bearer tokens the dashboard sends with every call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/astromechza/nego/pkg/model"
)

const Issuer = "nego"

var ErrUnauthorized = errors.New("unauthorized")

type ContextKey int

const SubjectKeyCtx ContextKey = iota

type Claims struct {
	jwt.RegisteredClaims
	EstablishmentID int64 `json:"establecimiento_id,omitempty"`
}

// NewToken signs a token for subject valid for duration.
func NewToken(subject string, establishmentID int64, duration time.Duration, secret []byte) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		EstablishmentID: establishmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	tokenString, err := t.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func Validate(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

func CreateAuthedContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, SubjectKeyCtx, claims)
}

// FromContext returns the claims the middleware attached, or nil.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(SubjectKeyCtx).(*Claims)
	return c
}

// bearer takes the token from the Authorization header. Websocket clients in a browser cannot set
// headers, so access_token in the query is accepted too.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects requests without a valid token with 401 and a {"message"} body.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			token := bearer(r)
			if token == "" {
				unauthorized(w, "no token provided")
				return
			}
			claims, err := Validate(token, secret)
			if err != nil {
				slog.WarnContext(r.Context(), "rejected token", "err", err)
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(CreateAuthedContext(r.Context(), claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(model.Message{Message: msg})
}
