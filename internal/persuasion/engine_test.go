package persuasion

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/domain"
)

type memStrategyRepo struct {
	strategies []*Strategy
	outcomes   []int64
	steps      []struct {
		leadID  string
		step    int
		channel string
	}
}

func (m *memStrategyRepo) ListStrategies(ctx context.Context, pt domain.ProfileType, stage string) ([]*Strategy, error) {
	var out []*Strategy
	for _, s := range m.strategies {
		if s.ProfileType == pt && s.Stage == stage {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStrategyRepo) RecordOutcome(ctx context.Context, id int64, won bool) error {
	m.outcomes = append(m.outcomes, id)
	return nil
}

func (m *memStrategyRepo) ScheduleStep(ctx context.Context, leadID string, step int, channel string, at time.Time) error {
	m.steps = append(m.steps, struct {
		leadID  string
		step    int
		channel string
	}{leadID, step, channel})
	return nil
}

type stubProfiles struct {
	profile *domain.PsychProfile
	err     error
}

func (s *stubProfiles) Get(ctx context.Context, leadID string) (*domain.PsychProfile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func TestSelectStrategyPrefersHighestSuccessRate(t *testing.T) {
	repo := &memStrategyRepo{strategies: []*Strategy{
		{ID: 1, ProfileType: domain.ProfileVelocity, Stage: "closing", Template: "best", SuccessRate: 0.8, Active: true},
		{ID: 2, ProfileType: domain.ProfileVelocity, Stage: "closing", Template: "worse", SuccessRate: 0.4, Active: true},
	}}
	profiles := &stubProfiles{profile: &domain.PsychProfile{LeadID: "lead-1", Type: domain.ProfileVelocity}}
	e := NewEngine(repo, profiles, nil, zerolog.Nop())

	s, err := e.SelectStrategy(context.Background(), "lead-1", "closing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID)
}

func TestSelectStrategySkipsInactive(t *testing.T) {
	repo := &memStrategyRepo{strategies: []*Strategy{
		{ID: 1, ProfileType: domain.ProfileAnalyst, Stage: "intro", SuccessRate: 0.9, Active: false},
		{ID: 2, ProfileType: domain.ProfileAnalyst, Stage: "intro", SuccessRate: 0.3, Active: true},
	}}
	profiles := &stubProfiles{profile: &domain.PsychProfile{LeadID: "lead-1", Type: domain.ProfileAnalyst}}
	e := NewEngine(repo, profiles, nil, zerolog.Nop())

	s, err := e.SelectStrategy(context.Background(), "lead-1", "intro")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.ID)
}

func TestSelectStrategyFallsBackToDefault(t *testing.T) {
	repo := &memStrategyRepo{}
	profiles := &stubProfiles{profile: &domain.PsychProfile{LeadID: "lead-1", Type: domain.ProfileSecurity}}
	e := NewEngine(repo, profiles, nil, zerolog.Nop())

	s, err := e.SelectStrategy(context.Background(), "lead-1", "closing")
	require.NoError(t, err)
	assert.Zero(t, s.ID)
	assert.Equal(t, defaultTemplates[domain.ProfileSecurity], s.Template)
}

func TestSelectStrategyUnprofiledLeadUsesAnalyst(t *testing.T) {
	repo := &memStrategyRepo{}
	profiles := &stubProfiles{err: domain.ErrNotFound}
	e := NewEngine(repo, profiles, nil, zerolog.Nop())

	s, err := e.SelectStrategy(context.Background(), "lead-unknown", "intro")
	require.NoError(t, err)
	assert.Equal(t, domain.ProfileAnalyst, s.ProfileType)
}

func TestClassifyObjection(t *testing.T) {
	cases := map[string]ObjectionClass{
		"il prezzo è troppo caro per noi":              ObjectionPrice,
		"non ho tempo adesso, sono occupato":           ObjectionTime,
		"che garanzia mi date? non mi fido":            ObjectionTrust,
		"non ne abbiamo bisogno, già abbiamo tutto":    ObjectionNeed,
		"un altro fornitore ci fa un'offerta migliore": ObjectionCompetition,
		"mah, boh":                                     ObjectionUnknown,
	}
	for text, want := range cases {
		assert.Equal(t, want, ClassifyObjection(text), "text: %s", text)
	}
}

func TestHandleObjectionPrefersStrategyHandler(t *testing.T) {
	e := NewEngine(&memStrategyRepo{}, &stubProfiles{}, nil, zerolog.Nop())
	strategy := &Strategy{ObjectionHandlers: map[string]string{
		"price": "handler custom sul prezzo",
	}}

	class, reply := e.HandleObjection(strategy, "è troppo caro")
	assert.Equal(t, ObjectionPrice, class)
	assert.Equal(t, "handler custom sul prezzo", reply)

	class, reply = e.HandleObjection(strategy, "non mi fido, voglio referenze")
	assert.Equal(t, ObjectionTrust, class)
	assert.Equal(t, defaultObjectionHandlers[ObjectionTrust], reply)
}

func TestScheduleNurturingFollowsCommunicationPref(t *testing.T) {
	repo := &memStrategyRepo{}
	profiles := &stubProfiles{profile: &domain.PsychProfile{
		LeadID: "lead-1", Type: domain.ProfileVelocity, CommunicationPref: "phone",
	}}
	e := NewEngine(repo, profiles, nil, zerolog.Nop())

	require.NoError(t, e.ScheduleNurturing(context.Background(), "lead-1"))
	require.Len(t, repo.steps, 3)
	assert.Equal(t, "phone", repo.steps[0].channel)
	assert.Equal(t, 1, repo.steps[0].step)
	assert.Equal(t, 3, repo.steps[2].step)
}
