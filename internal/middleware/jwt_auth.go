package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// AdminRole is the role a token needs for requests that change state.
const AdminRole = "admin"

type claimsKey struct{}

// JWTClaims represents the claims of an admin API token
type JWTClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role.
func (c *JWTClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTAuthMiddleware authenticates admin API requests with HS256 bearer
// tokens. Read-only requests need any valid token; other methods need the
// admin role.
type JWTAuthMiddleware struct {
	secret []byte
	logger *logger.Logger
}

// NewJWTAuthMiddleware creates the middleware. An empty secret is rejected.
func NewJWTAuthMiddleware(secret string, log *logger.Logger) (*JWTAuthMiddleware, error) {
	if secret == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "admin", "jwt secret cannot be empty")
	}
	return &JWTAuthMiddleware{
		secret: []byte(secret),
		logger: log.MiddlewareLogger("jwt_auth"),
	}, nil
}

// JWTAuth returns the authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeAuthError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeAuthError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if !readOnly(r.Method) && !claims.HasRole(AdminRole) {
				jm.logger.WithFields(map[string]interface{}{
					"subject": claims.Subject,
					"roles":   claims.Roles,
					"path":    r.URL.Path,
					"method":  r.Method,
				}).Warn("Insufficient roles for access")
				writeAuthError(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			jm.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT authentication successful")

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext returns the claims of the authenticated request.
func ClaimsFromContext(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*JWTClaims)
	return claims, ok
}

// IssueToken signs a token for subject with the given roles. Used by
// operators to mint admin credentials.
func (jm *JWTAuthMiddleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
}

func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidToken, "jwt_auth", "token rejected")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.NewError(errors.ErrCodeInvalidToken, "jwt_auth", "invalid token claims")
	}

	// Expiry is mandatory for admin tokens; the parser already rejected
	// expired ones.
	if claims.ExpiresAt == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidToken, "jwt_auth", "token has no expiry")
	}

	return claims, nil
}

// extractToken reads a bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "authentication_failed",
		"message": message,
		"status":  statusCode,
	})
}
