package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// agentContextKey is the context key type for authenticated agent data.
type agentContextKey string

const (
	agentIDKey       agentContextKey = "agent_id"
	agentUsernameKey agentContextKey = "agent_username"
)

// jwtTokenTTL is the lifetime of an agent JWT token.
const jwtTokenTTL = 24 * time.Hour

// AgentClaims holds the JWT claims for agent authentication.
type AgentClaims struct {
	AgentID  int64  `json:"agent_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateAgentToken creates a signed JWT for an agent login.
func GenerateAgentToken(secret []byte, agentID int64, username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(jwtTokenTTL)

	claims := AgentClaims{
		AgentID:  agentID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "wacall",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAuth returns middleware that validates JWT bearer tokens for agent
// endpoints. On success it stores the agent identity in the request context.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AgentClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("agent auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.AgentID == 0 {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), agentIDKey, claims.AgentID)
			ctx = context.WithValue(ctx, agentUsernameKey, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentIDFromContext retrieves the authenticated agent ID from the request
// context. Returns 0 if not set.
func AgentIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(agentIDKey).(int64)
	return id
}

// AgentUsernameFromContext retrieves the authenticated agent username from
// the request context.
func AgentUsernameFromContext(ctx context.Context) string {
	username, _ := ctx.Value(agentUsernameKey).(string)
	return username
}

// errEnvelope matches the api package's envelope format for error responses.
type errEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
