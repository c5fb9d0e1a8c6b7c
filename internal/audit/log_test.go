package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/database"
)

func newAuditDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "audit.db"),
		Profile: database.ProfileLedger,
		Name:    "audit",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.Conn()
}

func TestRecordAndList(t *testing.T) {
	l := NewLog(newAuditDB(t), zerolog.Nop())
	ctx := context.Background()

	err := l.Record(ctx, Decision{
		Type:          "failover",
		Actor:         "paolo",
		Input:         map[string]string{"shipment": "s-1"},
		Output:        map[string]string{"new_carrier": "c-2"},
		Rationale:     "carrier missed two position updates",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	entries, err := l.List(ctx, "failover", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "paolo", entries[0].Actor)
	assert.Equal(t, "corr-1", entries[0].CorrelationID)
	assert.Len(t, entries[0].InputDigest, 64)
	assert.True(t, entries[0].RetentionUntil.After(time.Now()))
}

func TestRetentionSpansFiveYears(t *testing.T) {
	l := NewLog(newAuditDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Decision{
		Type:      "dispute",
		Actor:     "giulia",
		Rationale: "settled automatically",
	}))

	entries, err := l.List(ctx, "dispute", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	want := entries[0].CreatedAt.AddDate(0, 60, 0)
	assert.WithinDuration(t, want, entries[0].RetentionUntil, time.Second)
}

func TestRecordRequiresRationale(t *testing.T) {
	l := NewLog(newAuditDB(t), zerolog.Nop())
	err := l.Record(context.Background(), Decision{Type: "failover", Actor: "paolo"})
	assert.Error(t, err)
}

func TestAuditTrailRefusesUpdate(t *testing.T) {
	db := newAuditDB(t)
	l := NewLog(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Decision{
		Type: "dispute", Actor: "giulia", Rationale: "evidence supports carrier",
	}))

	_, err := db.ExecContext(ctx, `UPDATE audit_log SET rationale = 'tampered'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	entries, err := l.List(ctx, "dispute", 1)
	require.NoError(t, err)
	assert.Equal(t, "evidence supports carrier", entries[0].Rationale)
}

func TestAuditTrailRefusesDelete(t *testing.T) {
	db := newAuditDB(t)
	l := NewLog(db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Decision{
		Type: "pricing", Actor: "system", Rationale: "margin below floor",
	}))

	_, err := db.ExecContext(ctx, `DELETE FROM audit_log`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	count, err := l.Count(ctx, "pricing", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDigestIsStable(t *testing.T) {
	a := Digest(map[string]int{"x": 1})
	b := Digest(map[string]int{"x": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Digest(map[string]int{"x": 2}))
}
