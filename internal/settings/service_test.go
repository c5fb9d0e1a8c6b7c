package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/database"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "config.db"),
		Profile: database.ProfileStandard,
		Name:    "config",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewService(db.Conn(), zerolog.Nop())
}

func TestGetFallsBackWhenUnset(t *testing.T) {
	svc := newTestService(t)
	val, err := svc.Get(context.Background(), "missing_key", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", val)
}

func TestSetThenGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "greeting", "ciao"))
	val, err := svc.Get(ctx, "greeting", "")
	require.NoError(t, err)
	assert.Equal(t, "ciao", val)

	// Upsert overwrites
	require.NoError(t, svc.Set(ctx, "greeting", "salve"))
	val, err = svc.Get(ctx, "greeting", "")
	require.NoError(t, err)
	assert.Equal(t, "salve", val)
}

func TestToggleFlipsFromFallback(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Unset promotion mode defaults to enabled, so the first toggle disables
	on, err := svc.Toggle(ctx, KeyPromotionMode, true)
	require.NoError(t, err)
	assert.False(t, on)

	on, err = svc.Toggle(ctx, KeyPromotionMode, true)
	require.NoError(t, err)
	assert.True(t, on)

	stored, err := svc.GetBool(ctx, KeyPromotionMode, false)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestAllListsEveryKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "a", "1"))
	require.NoError(t, svc.SetBool(ctx, "b", true))

	all, err := svc.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", all["a"])
	assert.Equal(t, "true", all["b"])
}
