package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/middleware"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

const testSecret = "test-secret-key"

func newJWT(t *testing.T) *middleware.JWTAuthMiddleware {
	t.Helper()
	jm, err := middleware.NewJWTAuthMiddleware(testSecret, logger.NewNop())
	require.NoError(t, err)
	return jm
}

func protected(jm *middleware.JWTAuthMiddleware) http.Handler {
	return jm.JWTAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.ClaimsFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Subject))
	}))
}

func call(h http.Handler, method, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/admin/network-groups", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewJWTAuthMiddlewareRequiresSecret(t *testing.T) {
	_, err := middleware.NewJWTAuthMiddleware("", logger.NewNop())
	assert.Error(t, err)
}

func TestJWTAuthAcceptsValidToken(t *testing.T) {
	jm := newJWT(t)
	token, err := jm.IssueToken("operator", nil, time.Hour)
	require.NoError(t, err)

	rec := call(protected(jm), http.MethodGet, token)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator", rec.Body.String())
}

func TestJWTAuthRejectsMissingToken(t *testing.T) {
	rec := call(protected(newJWT(t)), http.MethodGet, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestJWTAuthRejectsBadTokens(t *testing.T) {
	jm := newJWT(t)

	other, err := middleware.NewJWTAuthMiddleware("another-secret", logger.NewNop())
	require.NoError(t, err)
	foreign, err := other.IssueToken("operator", []string{middleware.AdminRole}, time.Hour)
	require.NoError(t, err)

	expired, err := jm.IssueToken("operator", []string{middleware.AdminRole}, -time.Minute)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "operator"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, middleware.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"no expiry", noExpiry},
		{"unsigned", unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(protected(jm), http.MethodGet, tt.token)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestJWTAuthRequiresAdminRoleForWrites(t *testing.T) {
	jm := newJWT(t)
	viewer, err := jm.IssueToken("viewer", []string{"read"}, time.Hour)
	require.NoError(t, err)
	admin, err := jm.IssueToken("root", []string{middleware.AdminRole}, time.Hour)
	require.NoError(t, err)

	h := protected(jm)

	assert.Equal(t, http.StatusOK, call(h, http.MethodGet, viewer).Code)
	assert.Equal(t, http.StatusForbidden, call(h, http.MethodPost, viewer).Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodPost, admin).Code)
}
