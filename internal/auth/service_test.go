package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/domain"
)

const testSecret = "carovana-test-secret"

func newRuntimeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "runtime.db"),
		Profile: database.ProfileCache,
		Name:    "runtime",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.Conn()
}

func hashOf(password string) string {
	h := sha256.Sum256([]byte(password))
	return hex.EncodeToString(h[:])
}

func newAuthService(t *testing.T) *Service {
	t.Helper()
	cfg := config.AuthConfig{
		Users: map[string]config.UserCredential{
			"dvitali": {PasswordHash: hashOf("segreto"), Role: "admin"},
			"ops":     {PasswordHash: hashOf("turno"), Role: "operator"},
			"guest":   {PasswordHash: hashOf("ospite"), Role: "viewer"},
		},
		SessionTTL: time.Hour,
	}
	return NewService(cfg, testSecret, newRuntimeDB(t), zerolog.Nop())
}

func TestLoginAndVerify(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	session, err := s.Login(ctx, "dvitali", "segreto")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, session.Role)
	assert.False(t, session.SecondFactorOK)

	got, err := s.Verify(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "dvitali", got.Username)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "dvitali", "sbagliata")
	assert.ErrorIs(t, err, domain.ErrAuthRequired)

	_, err = s.Login(ctx, "nessuno", "segreto")
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestExpiredSessionRejected(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	session, err := s.Login(ctx, "ops", "turno")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Verify(ctx, session.Token)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestRefreshRotatesTokenAndDropsSecondFactor(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	session, err := s.Login(ctx, "dvitali", "segreto")
	require.NoError(t, err)
	require.NoError(t, s.VerifySecondFactor(ctx, session.Token, CurrentCode(testSecret)))

	fresh, err := s.Refresh(ctx, session.Token)
	require.NoError(t, err)
	assert.NotEqual(t, session.Token, fresh.Token)
	assert.False(t, fresh.SecondFactorOK)

	_, err = s.Verify(ctx, session.Token)
	assert.ErrorIs(t, err, domain.ErrAuthRequired, "old token is gone")
}

func TestRoleMatrix(t *testing.T) {
	s := newAuthService(t)

	assert.NoError(t, s.RequireRole(&Session{Role: RoleAdmin}, RoleOperator))
	assert.NoError(t, s.RequireRole(&Session{Role: RoleOperator}, RoleOperator))
	assert.NoError(t, s.RequireRole(&Session{Role: RoleViewer}, RoleViewer))

	err := s.RequireRole(&Session{Role: RoleViewer, Username: "guest"}, RoleOperator)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	err = s.RequireRole(&Session{Role: RoleOperator}, RoleAdmin)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSecondFactorGate(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	session, err := s.Login(ctx, "dvitali", "segreto")
	require.NoError(t, err)
	assert.ErrorIs(t, s.RequireSecondFactor(session), domain.ErrSecondFactor)

	assert.ErrorIs(t, s.VerifySecondFactor(ctx, session.Token, "000000"), domain.ErrSecondFactor)

	require.NoError(t, s.VerifySecondFactor(ctx, session.Token, CurrentCode(testSecret)))
	verified, err := s.Verify(ctx, session.Token)
	require.NoError(t, err)
	assert.NoError(t, s.RequireSecondFactor(verified))
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	s := newAuthService(t)
	ctx := context.Background()

	stale, err := s.Login(ctx, "guest", "ospite")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	live, err := s.Login(ctx, "ops", "turno")
	require.NoError(t, err)
	require.NoError(t, s.Sweep(ctx))

	_, err = s.Verify(ctx, stale.Token)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	_, err = s.Verify(ctx, live.Token)
	assert.NoError(t, err)
}

func TestTotpCodesRollOver(t *testing.T) {
	now := time.Now()
	assert.True(t, validCode(testSecret, totpCode(testSecret, uint64(now.Unix())/30), now))
	assert.True(t, validCode(testSecret, totpCode(testSecret, uint64(now.Unix())/30-1), now), "one step of skew")
	assert.False(t, validCode(testSecret, totpCode(testSecret, uint64(now.Unix())/30-5), now))
	assert.False(t, validCode("", "123456", now))
}
