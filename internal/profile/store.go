// Package profile classifies leads into psychological clusters and answers
// nearest-neighbour queries over profile embeddings.
package profile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/dvitali/carovana/internal/domain"
)

// embeddingDim is the fixed dimension of profile embeddings
const embeddingDim = 8

// Repository persists psych profiles
type Repository interface {
	Upsert(ctx context.Context, profile *domain.PsychProfile) error
	Get(ctx context.Context, leadID string) (*domain.PsychProfile, error)
	ListConverted(ctx context.Context) ([]*domain.PsychProfile, error)
}

// SentimentSource supplies the sentiment history classification runs on
type SentimentSource interface {
	ListByLead(ctx context.Context, leadID string, limit int) ([]*domain.SentimentRecord, error)
}

// Store owns profile assignment and similarity queries
type Store struct {
	repo       Repository
	sentiments SentimentSource
	log        zerolog.Logger
}

// NewStore creates a profile store
func NewStore(repo Repository, sentiments SentimentSource, log zerolog.Logger) *Store {
	return &Store{
		repo:       repo,
		sentiments: sentiments,
		log:        log.With().Str("component", "profile_store").Logger(),
	}
}

// Get returns the profile for a lead
func (s *Store) Get(ctx context.Context, leadID string) (*domain.PsychProfile, error) {
	return s.repo.Get(ctx, leadID)
}

// Assign classifies a lead from its sentiment history and stores the result.
// Classification is a pure function of the history: re-running it on the
// same records always yields the same profile.
func (s *Store) Assign(ctx context.Context, leadID string) (*domain.PsychProfile, error) {
	records, err := s.sentiments.ListByLead(ctx, leadID, 200)
	if err != nil {
		return nil, fmt.Errorf("failed to load sentiment history: %w", err)
	}

	profile := classify(leadID, records)
	profile.AssignedAt = time.Now().UTC()

	if err := s.repo.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	s.log.Info().
		Str("lead_id", leadID).
		Str("profile_type", string(profile.Type)).
		Int("history_size", len(records)).
		Msg("Profile assigned")

	return profile, nil
}

// Neighbour is a similarity query result
type Neighbour struct {
	Profile    *domain.PsychProfile
	Similarity float64
}

// Similar returns the k converted-lead profiles closest to the lead's by
// cosine similarity: the playbook comes from deals that closed, not from
// prospects still in flight. The lead itself is excluded and profiles with
// mismatched embeddings are skipped.
func (s *Store) Similar(ctx context.Context, leadID string, k int) ([]Neighbour, error) {
	if k <= 0 {
		k = 5
	}

	target, err := s.repo.Get(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if len(target.Embedding) == 0 {
		return nil, fmt.Errorf("lead %s has no embedding", leadID)
	}

	candidates, err := s.repo.ListConverted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	neighbours := make([]Neighbour, 0, len(candidates))
	for _, cand := range candidates {
		if cand.LeadID == leadID || len(cand.Embedding) != len(target.Embedding) {
			continue
		}
		sim := cosine(target.Embedding, cand.Embedding)
		neighbours = append(neighbours, Neighbour{Profile: cand, Similarity: sim})
	}

	sort.SliceStable(neighbours, func(i, j int) bool {
		if neighbours[i].Similarity != neighbours[j].Similarity {
			return neighbours[i].Similarity > neighbours[j].Similarity
		}
		return neighbours[i].Profile.LeadID < neighbours[j].Profile.LeadID
	})

	if len(neighbours) > k {
		neighbours = neighbours[:k]
	}
	return neighbours, nil
}

func cosine(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// typePriority breaks score ties deterministically
var typePriority = []domain.ProfileType{
	domain.ProfileVelocity,
	domain.ProfileAnalyst,
	domain.ProfileSocial,
	domain.ProfileSecurity,
}

// classify derives a profile from sentiment history. With no history the
// lead defaults to analyst with mid-range traits.
func classify(leadID string, records []*domain.SentimentRecord) *domain.PsychProfile {
	agg := aggregate(records)

	scores := map[domain.ProfileType]float64{
		domain.ProfileVelocity: agg.emotion["surprise"]*0.6 + agg.emotion["joy"]*0.3 + positivePart(agg.avgScore)*0.1,
		domain.ProfileAnalyst:  agg.neutralRatio*0.8 + (1-agg.volatility)*0.2,
		domain.ProfileSocial:   agg.emotion["joy"]*0.7 + agg.emotion["surprise"]*0.3,
		domain.ProfileSecurity: agg.emotion["fear"]*0.6 + agg.emotion["sadness"]*0.4,
	}

	best := typePriority[0]
	for _, t := range typePriority[1:] {
		if scores[t] > scores[best] {
			best = t
		}
	}

	return &domain.PsychProfile{
		LeadID:            leadID,
		Type:              best,
		DecisionSpeed:     traitScale(agg.emotion["surprise"]*0.5 + positivePart(agg.avgScore)*0.5),
		RiskTolerance:     traitScale(1 - agg.emotion["fear"]),
		PriceSensitivity:  traitScale(agg.emotion["sadness"]*0.4 + agg.emotion["anger"]*0.4 + agg.neutralRatio*0.2),
		CommunicationPref: commPref(best),
		Embedding:         embedding(agg),
	}
}

type aggregates struct {
	emotion      map[string]float64 // mean intensity per label
	avgScore     float64
	volatility   float64 // mean absolute deviation of scores, [0,1]
	neutralRatio float64 // share of records with |score| < 0.2
	escalations  float64 // share of records flagged for escalation
	volume       float64 // history size squashed to [0,1]
}

func aggregate(records []*domain.SentimentRecord) aggregates {
	agg := aggregates{emotion: map[string]float64{}}
	if len(records) == 0 {
		agg.neutralRatio = 1
		return agg
	}

	n := float64(len(records))
	for _, r := range records {
		agg.avgScore += r.Score
		if r.Score > -0.2 && r.Score < 0.2 {
			agg.neutralRatio++
		}
		if r.RequiresEscalation {
			agg.escalations++
		}
		for label, intensity := range r.Emotions {
			agg.emotion[label] += intensity
		}
	}
	agg.avgScore /= n
	agg.neutralRatio /= n
	agg.escalations /= n
	for label := range agg.emotion {
		agg.emotion[label] /= n
	}

	for _, r := range records {
		agg.volatility += math.Abs(r.Score - agg.avgScore)
	}
	agg.volatility /= n

	agg.volume = 1 - 1/(1+n/10)
	return agg
}

// embedding packs the aggregates into the fixed-dimension vector used for
// similarity queries.
func embedding(agg aggregates) []float64 {
	v := make([]float64, embeddingDim)
	v[0] = agg.emotion["joy"]
	v[1] = agg.emotion["anger"]
	v[2] = agg.emotion["fear"]
	v[3] = agg.emotion["sadness"]
	v[4] = agg.emotion["surprise"]
	v[5] = (agg.avgScore + 1) / 2
	v[6] = agg.escalations
	v[7] = agg.volume
	return v
}

// traitScale maps [0,1] to the 1..10 trait range
func traitScale(x float64) int {
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	v := int(math.Round(1 + x*9))
	if v < 1 {
		v = 1
	}
	if v > 10 {
		v = 10
	}
	return v
}

func positivePart(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func commPref(t domain.ProfileType) string {
	switch t {
	case domain.ProfileVelocity:
		return "phone"
	case domain.ProfileAnalyst:
		return "email"
	case domain.ProfileSocial:
		return "video"
	default:
		return "email"
	}
}
