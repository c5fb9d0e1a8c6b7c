package profile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/domain"
)

type memProfileRepo struct {
	profiles map[string]*domain.PsychProfile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: map[string]*domain.PsychProfile{}}
}

func (m *memProfileRepo) Upsert(ctx context.Context, p *domain.PsychProfile) error {
	m.profiles[p.LeadID] = p
	return nil
}

func (m *memProfileRepo) Get(ctx context.Context, leadID string) (*domain.PsychProfile, error) {
	p, ok := m.profiles[leadID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *memProfileRepo) ListConverted(ctx context.Context) ([]*domain.PsychProfile, error) {
	out := make([]*domain.PsychProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out, nil
}

type memSentiments struct {
	byLead map[string][]*domain.SentimentRecord
}

func (m *memSentiments) ListByLead(ctx context.Context, leadID string, limit int) ([]*domain.SentimentRecord, error) {
	return m.byLead[leadID], nil
}

func record(score float64, emotions map[string]float64) *domain.SentimentRecord {
	return &domain.SentimentRecord{
		Score:      score,
		Emotions:   emotions,
		Method:     domain.MethodKeyword,
		AnalyzedAt: time.Now(),
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	history := []*domain.SentimentRecord{
		record(0.6, map[string]float64{"joy": 0.8, "surprise": 0.4}),
		record(0.2, map[string]float64{"joy": 0.5}),
		record(-0.1, map[string]float64{"sadness": 0.3}),
	}
	sentiments := &memSentiments{byLead: map[string][]*domain.SentimentRecord{"lead-1": history}}
	repo := newMemProfileRepo()
	store := NewStore(repo, sentiments, zerolog.Nop())

	first, err := store.Assign(context.Background(), "lead-1")
	require.NoError(t, err)
	second, err := store.Assign(context.Background(), "lead-1")
	require.NoError(t, err)

	assert.Equal(t, first.Type, second.Type)
	assert.Equal(t, first.DecisionSpeed, second.DecisionSpeed)
	assert.Equal(t, first.RiskTolerance, second.RiskTolerance)
	assert.Equal(t, first.PriceSensitivity, second.PriceSensitivity)
	assert.Equal(t, first.Embedding, second.Embedding)
}

func TestClassifyTieBreaksByPriority(t *testing.T) {
	// Alternating extreme scores with no emotion labels zero every cluster
	// score; velocity wins the tie.
	history := []*domain.SentimentRecord{
		record(1.0, nil),
		record(-1.0, nil),
	}
	p := classify("lead-1", history)
	assert.Equal(t, domain.ProfileVelocity, p.Type)
}

func TestClassifyEmptyHistoryDefaultsToAnalyst(t *testing.T) {
	p := classify("lead-1", nil)
	assert.Equal(t, domain.ProfileAnalyst, p.Type)
	assert.Len(t, p.Embedding, embeddingDim)
}

func TestClassifyFearfulHistoryIsSecurity(t *testing.T) {
	history := []*domain.SentimentRecord{
		record(-0.4, map[string]float64{"fear": 0.9, "sadness": 0.5}),
		record(-0.6, map[string]float64{"fear": 0.8}),
	}
	p := classify("lead-1", history)
	assert.Equal(t, domain.ProfileSecurity, p.Type)
	assert.LessOrEqual(t, p.RiskTolerance, 3)
}

func TestSimilarExcludesSelfAndRanksByCosine(t *testing.T) {
	repo := newMemProfileRepo()
	sentiments := &memSentiments{byLead: map[string][]*domain.SentimentRecord{}}
	store := NewStore(repo, sentiments, zerolog.Nop())

	mk := func(id string, emb []float64) {
		repo.profiles[id] = &domain.PsychProfile{LeadID: id, Type: domain.ProfileAnalyst, Embedding: emb}
	}
	mk("target", []float64{1, 0, 0, 0, 0, 0.5, 0, 0.5})
	mk("close", []float64{0.9, 0.1, 0, 0, 0, 0.5, 0, 0.5})
	mk("far", []float64{0, 1, 1, 1, 0, 0.1, 1, 0.5})
	mk("no-embedding", nil)

	neighbours, err := store.Similar(context.Background(), "target", 2)
	require.NoError(t, err)

	require.Len(t, neighbours, 2)
	assert.Equal(t, "close", neighbours[0].Profile.LeadID)
	assert.Equal(t, "far", neighbours[1].Profile.LeadID)
	assert.Greater(t, neighbours[0].Similarity, neighbours[1].Similarity)
	for _, n := range neighbours {
		assert.NotEqual(t, "target", n.Profile.LeadID)
	}
}

func TestSimilarWithoutEmbeddingFails(t *testing.T) {
	repo := newMemProfileRepo()
	repo.profiles["bare"] = &domain.PsychProfile{LeadID: "bare"}
	store := NewStore(repo, &memSentiments{}, zerolog.Nop())

	_, err := store.Similar(context.Background(), "bare", 3)
	assert.Error(t, err)
}
