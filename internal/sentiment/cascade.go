// Package sentiment implements the three-tier call analysis cascade:
// remote prosody service, local model, keyword lexicon. Degradation is
// silent; the tier that produced a record is visible only in its method.
package sentiment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
	"github.com/dvitali/carovana/internal/quota"
	"github.com/dvitali/carovana/internal/reliability"
)

// Auditor records analysis decisions
type Auditor interface {
	Record(ctx context.Context, d audit.Decision) error
}

// escalationScore is the score a record must drop strictly below to require
// human escalation on polarity alone.
const escalationScore = -0.7

// angerEscalationIntensity escalates a call whose anger reading runs hot even
// when the overall score stays positive.
const angerEscalationIntensity = 0.8

// prosodyDependency is the quota ledger key for the remote service
const prosodyDependency = "prosody"

// Repository persists sentiment records
type Repository interface {
	Create(ctx context.Context, record *domain.SentimentRecord) error
	GetByCallID(ctx context.Context, callID string) (*domain.SentimentRecord, error)
	ListByLead(ctx context.Context, leadID string, limit int) ([]*domain.SentimentRecord, error)
}

// Cascade runs transcripts through the analysis tiers
type Cascade struct {
	repo           Repository
	prosody        domain.ProsodyClient
	local          domain.LocalModelClient
	prosodyBreaker *reliability.CircuitBreaker
	localBreaker   *reliability.CircuitBreaker
	quota          *quota.Ledger
	auditor        Auditor
	events         *events.Manager
	log            zerolog.Logger
}

// NewCascade creates the sentiment cascade
func NewCascade(
	repo Repository,
	prosodyClient domain.ProsodyClient,
	localClient domain.LocalModelClient,
	prosodyBreaker *reliability.CircuitBreaker,
	localBreaker *reliability.CircuitBreaker,
	quotaLedger *quota.Ledger,
	auditor Auditor,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Cascade {
	return &Cascade{
		repo:           repo,
		prosody:        prosodyClient,
		local:          localClient,
		prosodyBreaker: prosodyBreaker,
		localBreaker:   localBreaker,
		quota:          quotaLedger,
		auditor:        auditor,
		events:         eventManager,
		log:            log.With().Str("component", "sentiment_cascade").Logger(),
	}
}

// Analyze runs one transcript through the cascade, persists the resulting
// record and emits the analysis events. It returns an error only when
// persistence fails; tier failures degrade to the next tier.
func (c *Cascade) Analyze(ctx context.Context, leadID, callID, transcript string) (*domain.SentimentRecord, error) {
	record := c.analyzeTiers(ctx, transcript)
	record.ID = uuid.New().String()
	record.LeadID = leadID
	record.CallID = callID
	record.AnalyzedAt = time.Now().UTC()

	legalThreat := ContainsLegalThreat(transcript)
	managerRequest := RequestsManager(transcript)
	record.RequiresEscalation = legalThreat || managerRequest ||
		record.Score < escalationScore ||
		record.Emotions["anger"] > angerEscalationIntensity

	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("cascade produced invalid record: %w", err)
	}
	if err := c.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store sentiment record: %w", err)
	}

	correlationID := uuid.New().String()
	c.events.EmitCorrelated(events.SentimentAnalyzed, "sentiment_cascade", correlationID, map[string]interface{}{
		"lead_id":  leadID,
		"call_id":  callID,
		"score":    record.Score,
		"method":   string(record.Method),
		"dominant": record.DominantEmotion,
	})

	if record.RequiresEscalation {
		c.events.EmitCorrelated(events.SentimentEscalation, "sentiment_cascade", correlationID, map[string]interface{}{
			"lead_id":         leadID,
			"call_id":         callID,
			"score":           record.Score,
			"legal_threat":    legalThreat,
			"manager_request": managerRequest,
			"anger":           record.Emotions["anger"],
		})
	}

	rationale := fmt.Sprintf("Analyzed via %s tier, score %.2f", record.Method, record.Score)
	if legalThreat {
		rationale += ", legal threat terms present"
	}
	if managerRequest {
		rationale += ", caller asked for a manager"
	}
	if err := c.auditor.Record(ctx, audit.Decision{
		Type:              "sentiment",
		Actor:             "sentiment_cascade",
		Input:             map[string]interface{}{"lead_id": leadID, "call_id": callID, "transcript": transcript},
		Output:            record,
		FeatureImportance: record.Emotions,
		Rationale:         rationale,
		CorrelationID:     correlationID,
	}); err != nil {
		c.log.Error().Err(err).Msg("Failed to audit sentiment decision")
	}

	return record, nil
}

// analyzeTiers tries each tier in order. The keyword tier cannot fail, so
// the cascade always produces a record.
func (c *Cascade) analyzeTiers(ctx context.Context, transcript string) *domain.SentimentRecord {
	if record, ok := c.tryRemote(ctx, transcript); ok {
		return record
	}
	if record, ok := c.tryLocal(ctx, transcript); ok {
		return record
	}

	kw := analyzeKeywords(transcript)
	return &domain.SentimentRecord{
		Score:           kw.Score,
		Emotions:        kw.Emotions,
		DominantEmotion: kw.Dominant,
		Confidence:      kw.Confidence,
		Method:          domain.MethodKeyword,
	}
}

func (c *Cascade) tryRemote(ctx context.Context, transcript string) (*domain.SentimentRecord, bool) {
	if c.quota.FallbackRequired(ctx, prosodyDependency) {
		c.log.Debug().Msg("Skipping remote tier: quota near exhaustion")
		return nil, false
	}

	var result *domain.ProsodyResult
	err := c.prosodyBreaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.prosody.Analyze(ctx, transcript)
		return callErr
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("Remote tier unavailable, degrading to local model")
		return nil, false
	}

	c.quota.RecordUsage(prosodyDependency, 1)

	score, dominant := scoreFromEmotions(result.Emotions)
	return &domain.SentimentRecord{
		Score:           score,
		Emotions:        result.Emotions,
		DominantEmotion: dominant,
		Confidence:      result.Confidence,
		Method:          domain.MethodRemote,
	}, true
}

func (c *Cascade) tryLocal(ctx context.Context, transcript string) (*domain.SentimentRecord, bool) {
	var result *domain.LocalModelResult
	err := c.localBreaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.local.Classify(ctx, transcript)
		return callErr
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("Local model unavailable, degrading to keyword lexicon")
		return nil, false
	}

	return &domain.SentimentRecord{
		Score:           result.Score,
		Emotions:        result.Emotions,
		DominantEmotion: result.Dominant,
		Confidence:      result.Confidence,
		Method:          domain.MethodLocal,
	}, true
}

// emotionPolarity weighs each label's contribution to the overall score
var emotionPolarity = map[string]float64{
	"joy":      1.0,
	"surprise": 0.3,
	"anger":    -1.0,
	"fear":     -0.8,
	"sadness":  -0.8,
}

// scoreFromEmotions collapses an emotion intensity map to a score in [-1,1]
// and the dominant label.
func scoreFromEmotions(emotions map[string]float64) (float64, string) {
	var weighted, total float64
	dominant := "neutral"
	best := 0.0

	for label, intensity := range emotions {
		if intensity > best {
			best = intensity
			dominant = label
		}
		polarity, ok := emotionPolarity[label]
		if !ok {
			continue
		}
		weighted += polarity * intensity
		total += intensity
	}

	if total == 0 {
		return 0, dominant
	}

	score := weighted / total
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score, dominant
}
