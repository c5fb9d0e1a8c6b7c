// Package persuasion selects communication strategies per psychological
// profile and sales stage, classifies objections, and schedules nurturing
// sequences.
package persuasion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/domain"
)

// Strategy is one selectable persuasion approach
type Strategy struct {
	ID                int64
	ProfileType       domain.ProfileType
	Stage             string
	Template          string
	Patterns          []string
	ObjectionHandlers map[string]string
	Attempts          int
	Wins              int
	SuccessRate       float64
	Active            bool
	CreatedAt         time.Time
}

// Repository persists strategies and nurturing sequences
type Repository interface {
	ListStrategies(ctx context.Context, profileType domain.ProfileType, stage string) ([]*Strategy, error)
	RecordOutcome(ctx context.Context, strategyID int64, won bool) error
	ScheduleStep(ctx context.Context, leadID string, step int, channel string, at time.Time) error
}

// ProfileSource supplies the lead's psychological profile
type ProfileSource interface {
	Get(ctx context.Context, leadID string) (*domain.PsychProfile, error)
}

// ObjectionClass is one of the recognized objection categories
type ObjectionClass string

const (
	ObjectionPrice       ObjectionClass = "price"
	ObjectionTime        ObjectionClass = "time"
	ObjectionTrust       ObjectionClass = "trust"
	ObjectionNeed        ObjectionClass = "need"
	ObjectionCompetition ObjectionClass = "competition"
	ObjectionUnknown     ObjectionClass = "unknown"
)

// objectionMarkers maps Italian keywords to the class they signal
var objectionMarkers = map[ObjectionClass][]string{
	ObjectionPrice:       {"costoso", "caro", "prezzo", "budget", "sconto", "tariffa"},
	ObjectionTime:        {"tempo", "fretta", "più avanti", "richiamare", "occupato", "scadenza"},
	ObjectionTrust:       {"fiducia", "garanzia", "sicuro", "referenze", "assicurazione", "recensioni"},
	ObjectionNeed:        {"bisogno", "serve", "necessario", "già abbiamo", "non ci interessa"},
	ObjectionCompetition: {"concorrenza", "altro fornitore", "altra azienda", "offerta migliore", "competitor"},
}

// defaultTemplates back up the strategy table when it has no active row for
// a profile/stage combination.
var defaultTemplates = map[domain.ProfileType]string{
	domain.ProfileVelocity: "Andiamo dritti al punto: posso confermare il ritiro entro oggi. Le va bene?",
	domain.ProfileAnalyst:  "Le invio il dettaglio completo di costi, tempi e copertura assicurativa così può confrontare con calma.",
	domain.ProfileSocial:   "Lavoriamo già con diverse aziende della sua zona; le racconto come abbiamo risolto un caso simile al suo.",
	domain.ProfileSecurity: "Ogni spedizione è assicurata e tracciata passo passo; riceve conferma a ogni passaggio.",
}

var defaultObjectionHandlers = map[ObjectionClass]string{
	ObjectionPrice:       "Capisco la preoccupazione sul prezzo; il costo include assicurazione e tracking, le mostro il confronto voce per voce.",
	ObjectionTime:        "Nessuna fretta: le lascio la proposta valida una settimana e la ricontatto quando preferisce.",
	ObjectionTrust:       "Le giro le referenze di clienti attivi e i termini della garanzia, così verifica direttamente.",
	ObjectionNeed:        "Posso chiederle come gestite oggi le spedizioni? Spesso emergono costi nascosti che vale la pena confrontare.",
	ObjectionCompetition: "Ottimo che stia confrontando: le preparo un prospetto con le differenze concrete di servizio.",
	ObjectionUnknown:     "Mi aiuti a capire meglio la sua perplessità, così le do una risposta precisa.",
}

// Engine picks strategies and drives nurturing
type Engine struct {
	repo     Repository
	profiles ProfileSource
	notifier domain.Notifier
	log      zerolog.Logger
}

// NewEngine creates a persuasion engine
func NewEngine(repo Repository, profiles ProfileSource, notifier domain.Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		profiles: profiles,
		notifier: notifier,
		log:      log.With().Str("component", "persuasion_engine").Logger(),
	}
}

// SelectStrategy returns the best active strategy for the lead at a stage.
// Best means highest observed success rate; the built-in default covers
// profile/stage combinations with no stored strategy yet.
func (e *Engine) SelectStrategy(ctx context.Context, leadID, stage string) (*Strategy, error) {
	p, err := e.profiles.Get(ctx, leadID)
	if errors.Is(err, domain.ErrNotFound) {
		// Unprofiled leads get the analyst treatment
		p = &domain.PsychProfile{LeadID: leadID, Type: domain.ProfileAnalyst}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	strategies, err := e.repo.ListStrategies(ctx, p.Type, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}

	for _, s := range strategies {
		if s.Active {
			return s, nil
		}
	}

	e.log.Debug().
		Str("lead_id", leadID).
		Str("profile_type", string(p.Type)).
		Str("stage", stage).
		Msg("No stored strategy, using default template")

	return &Strategy{
		ProfileType: p.Type,
		Stage:       stage,
		Template:    defaultTemplates[p.Type],
		Active:      true,
	}, nil
}

// RecordOutcome feeds a strategy's win/loss back into its success rate
func (e *Engine) RecordOutcome(ctx context.Context, strategyID int64, won bool) error {
	if strategyID == 0 {
		// Default template outcomes are not tracked
		return nil
	}
	return e.repo.RecordOutcome(ctx, strategyID, won)
}

// ClassifyObjection maps free text to an objection class
func ClassifyObjection(text string) ObjectionClass {
	lower := strings.ToLower(text)
	best := ObjectionUnknown
	bestHits := 0
	for _, class := range []ObjectionClass{ObjectionPrice, ObjectionTime, ObjectionTrust, ObjectionNeed, ObjectionCompetition} {
		hits := 0
		for _, marker := range objectionMarkers[class] {
			if strings.Contains(lower, marker) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = class
		}
	}
	return best
}

// HandleObjection returns the remediation line for an objection, preferring
// the selected strategy's own handler over the defaults.
func (e *Engine) HandleObjection(strategy *Strategy, objectionText string) (ObjectionClass, string) {
	class := ClassifyObjection(objectionText)
	if strategy != nil {
		if handler, ok := strategy.ObjectionHandlers[string(class)]; ok && handler != "" {
			return class, handler
		}
	}
	return class, defaultObjectionHandlers[class]
}

// nurturingPlan is the step cadence per communication preference
var nurturingPlan = map[string][]time.Duration{
	"phone": {24 * time.Hour, 3 * 24 * time.Hour, 7 * 24 * time.Hour},
	"email": {2 * 24 * time.Hour, 5 * 24 * time.Hour, 10 * 24 * time.Hour, 20 * 24 * time.Hour},
	"video": {24 * time.Hour, 4 * 24 * time.Hour, 9 * 24 * time.Hour},
}

// ScheduleNurturing lays out the follow-up sequence for a lead according to
// its communication preference.
func (e *Engine) ScheduleNurturing(ctx context.Context, leadID string) error {
	p, err := e.profiles.Get(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	channel := p.CommunicationPref
	plan, ok := nurturingPlan[channel]
	if !ok {
		channel = "email"
		plan = nurturingPlan["email"]
	}

	now := time.Now().UTC()
	for i, delay := range plan {
		if err := e.repo.ScheduleStep(ctx, leadID, i+1, channel, now.Add(delay)); err != nil {
			return fmt.Errorf("failed to schedule nurturing step %d: %w", i+1, err)
		}
	}

	e.log.Info().
		Str("lead_id", leadID).
		Str("channel", channel).
		Int("steps", len(plan)).
		Msg("Nurturing sequence scheduled")
	return nil
}
