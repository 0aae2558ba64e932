package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", "buildops")
	token, err := a.GenerateToken("u1", "dev@example.com", "admin")
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.ID)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "u1", claims.Subject)
	assert.NotEmpty(t, claims.RegisteredClaims.ID)
}

func TestValidateTokenRejects(t *testing.T) {
	a := NewAuthenticator("secret", "buildops")

	other, err := NewAuthenticator("other", "buildops").GenerateToken("u1", "", "user")
	require.NoError(t, err)
	_, err = a.ValidateToken(other)
	assert.Error(t, err)

	foreign, err := NewAuthenticator("secret", "someone-else").GenerateToken("u1", "", "user")
	require.NoError(t, err)
	_, err = a.ValidateToken(foreign)
	assert.Error(t, err)

	expired := NewAuthenticator("secret", "buildops")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, err := expired.GenerateToken("u1", "", "user")
	require.NoError(t, err)
	_, err = a.ValidateToken(old)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("secret", "buildops")
	var seen string
	h := a.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActingUser(r.Context(), "anonymous")
	}))

	serve := func(path, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("/health", ""))
	assert.Equal(t, "anonymous", seen)
	assert.Equal(t, http.StatusUnauthorized, serve("/api/targets", ""))
	assert.Equal(t, http.StatusUnauthorized, serve("/api/targets", "Token abc"))
	assert.Equal(t, http.StatusUnauthorized, serve("/api/targets", "Bearer abc"))

	token, err := a.GenerateToken("u1", "dev@example.com", "user")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve("/api/targets", "Bearer "+token))
	assert.Equal(t, "dev@example.com", seen)
}

func TestActingUserFallsBackToID(t *testing.T) {
	ctx := ContextWithUserClaims(context.Background(), &UserClaims{ID: "u1"})
	assert.Equal(t, "u1", ActingUser(ctx, "anonymous"))
}
