package scheduler

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/database"
)

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

func lastHistoryRow(t *testing.T, db *sql.DB, jobName string) (status, detail string) {
	t.Helper()
	err := db.QueryRow(`
		SELECT status, detail FROM job_history
		WHERE job_name = ? ORDER BY id DESC LIMIT 1`, jobName).Scan(&status, &detail)
	require.NoError(t, err)
	return status, detail
}

func TestRunNowRecordsSuccess(t *testing.T) {
	db := newRuntimeDB(t)
	s := New(db, zerolog.Nop())

	ran := false
	require.NoError(t, s.RunNow(JobFunc("test_job", func() error {
		ran = true
		return nil
	})))

	assert.True(t, ran)
	status, detail := lastHistoryRow(t, db, "test_job")
	assert.Equal(t, "success", status)
	assert.Empty(t, detail)
}

func TestRunNowRecordsFailureDetail(t *testing.T) {
	db := newRuntimeDB(t)
	s := New(db, zerolog.Nop())

	require.NoError(t, s.RunNow(JobFunc("failing_job", func() error {
		return errors.New("carrier feed unreachable")
	})))

	status, detail := lastHistoryRow(t, db, "failing_job")
	assert.Equal(t, "error", status)
	assert.Equal(t, "carrier feed unreachable", detail)
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(newRuntimeDB(t), zerolog.Nop())
	err := s.AddJob("not a schedule", JobFunc("noop", func() error { return nil }))
	assert.Error(t, err)
}
