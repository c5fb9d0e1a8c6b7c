package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/auth"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/di"
	"github.com/dvitali/carovana/internal/ratelimit"
)

func hashPassword(pw string) string {
	h := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(h[:])
}

func newTestServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "runtime.db"),
		Profile: database.ProfileCache,
		Name:    "runtime",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	authSvc := auth.NewService(config.AuthConfig{
		Users: map[string]config.UserCredential{
			"root": {PasswordHash: hashPassword("rootpw"), Role: "admin"},
			"eye":  {PasswordHash: hashPassword("eyepw"), Role: "viewer"},
		},
		SessionTTL: time.Hour,
	}, "test-secret", db.Conn(), zerolog.Nop())

	srv := &Server{
		log: zerolog.Nop(),
		container: &di.Container{
			Auth:        authSvc,
			RateLimiter: ratelimit.NewLimiter(nil, zerolog.Nop()),
		},
	}
	return srv, authSvc
}

func loginToken(t *testing.T, svc *auth.Service, username, password string) string {
	t.Helper()
	session, err := svc.Login(context.Background(), username, password)
	require.NoError(t, err)
	return session.Token
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.authenticate(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.authenticate(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer not-a-session")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRoleEnforcesHierarchy(t *testing.T) {
	srv, authSvc := newTestServer(t)
	handler := srv.authenticate(srv.requireRole(auth.RoleAdmin)(okHandler()))

	viewerReq := httptest.NewRequest(http.MethodPost, "/api/command/veto_agent", nil)
	viewerReq.Header.Set("Authorization", "Bearer "+loginToken(t, authSvc, "eye", "eyepw"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, viewerReq)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminReq := httptest.NewRequest(http.MethodPost, "/api/command/veto_agent", nil)
	adminReq.Header.Set("Authorization", "Bearer "+loginToken(t, authSvc, "root", "rootpw"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, adminReq)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecondFactorGateBlocksUnverifiedSessions(t *testing.T) {
	srv, authSvc := newTestServer(t)
	handler := srv.authenticate(srv.requireSecondFactor(okHandler()))

	req := httptest.NewRequest(http.MethodPost, "/api/command/emergency_stop", nil)
	req.Header.Set("Authorization", "Bearer "+loginToken(t, authSvc, "root", "rootpw"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimitExhaustsBurst(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.rateLimit("failover.trigger")(okHandler())

	// Burst of 2, then the bucket is dry
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/command/change_carrier", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/command/change_carrier", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client still has a full bucket
	other := httptest.NewRequest(http.MethodPost, "/api/command/change_carrier", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}
