package profile

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
	"github.com/dvitali/carovana/internal/domain"
)

func newCoreDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "core.db"),
		Profile: database.ProfileStandard,
		Name:    "core",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db.Conn()
}

func seedLead(t *testing.T, db *sql.DB, id, status string) {
	t.Helper()
	now := time.Now().Unix()
	_, err := db.Exec(`INSERT INTO leads (id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, id, "Lead "+id, status, now, now)
	require.NoError(t, err)
}

func seedProfile(t *testing.T, repo *SQLRepository, leadID string, embedding []float64) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), &domain.PsychProfile{
		LeadID:            leadID,
		Type:              domain.ProfileAnalyst,
		DecisionSpeed:     5,
		RiskTolerance:     5,
		PriceSensitivity:  5,
		CommunicationPref: "email",
		Embedding:         embedding,
		AssignedAt:        time.Now(),
	}))
}

func TestListConvertedReturnsOnlyWonDeals(t *testing.T) {
	db := newCoreDB(t)
	repo := NewSQLRepository(db)

	seedLead(t, db, "lead-won", "converted")
	seedLead(t, db, "lead-live", "qualified")
	seedLead(t, db, "lead-lost", "rejected")
	seedProfile(t, repo, "lead-won", []float64{1, 0, 0, 0, 0, 0.5, 0, 0.3})
	seedProfile(t, repo, "lead-live", []float64{1, 0, 0, 0, 0, 0.5, 0, 0.3})
	seedProfile(t, repo, "lead-lost", []float64{1, 0, 0, 0, 0, 0.5, 0, 0.3})

	converted, err := repo.ListConverted(context.Background())
	require.NoError(t, err)
	require.Len(t, converted, 1)
	assert.Equal(t, "lead-won", converted[0].LeadID)
}

func TestSimilarSurfacesConvertedLeads(t *testing.T) {
	db := newCoreDB(t)
	repo := NewSQLRepository(db)
	store := NewStore(repo, &memSentiments{}, zerolog.Nop())

	target := []float64{0.9, 0.1, 0, 0, 0.2, 0.6, 0, 0.4}
	seedLead(t, db, "lead-target", "qualified")
	seedProfile(t, repo, "lead-target", target)

	// A won deal with the identical embedding must come back first
	seedLead(t, db, "lead-won", "converted")
	seedProfile(t, repo, "lead-won", target)

	// Still-active and lost leads never appear, however close they sit
	seedLead(t, db, "lead-live", "contacted")
	seedProfile(t, repo, "lead-live", target)
	seedLead(t, db, "lead-lost", "rejected")
	seedProfile(t, repo, "lead-lost", target)

	neighbours, err := store.Similar(context.Background(), "lead-target", 5)
	require.NoError(t, err)
	require.Len(t, neighbours, 1)
	assert.Equal(t, "lead-won", neighbours[0].Profile.LeadID)
	assert.InDelta(t, 1.0, neighbours[0].Similarity, 0.001)
}
