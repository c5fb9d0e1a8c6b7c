// Package di provides dependency injection wiring for the control plane.
// The Container is the single source of truth for service instances; the
// server and scheduler reach everything through it.
package di

import (
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/agents"
	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/auth"
	"github.com/dvitali/carovana/internal/clients/localmodel"
	"github.com/dvitali/carovana/internal/clients/notify"
	"github.com/dvitali/carovana/internal/clients/prosody"
	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/domain"
	"github.com/dvitali/carovana/internal/events"
	"github.com/dvitali/carovana/internal/hub"
	"github.com/dvitali/carovana/internal/modules/carriers"
	"github.com/dvitali/carovana/internal/modules/disputes"
	"github.com/dvitali/carovana/internal/modules/escrow"
	"github.com/dvitali/carovana/internal/modules/leads"
	"github.com/dvitali/carovana/internal/modules/shipments"
	"github.com/dvitali/carovana/internal/persuasion"
	"github.com/dvitali/carovana/internal/profile"
	"github.com/dvitali/carovana/internal/provisioning"
	"github.com/dvitali/carovana/internal/quota"
	"github.com/dvitali/carovana/internal/ratelimit"
	"github.com/dvitali/carovana/internal/reliability"
	"github.com/dvitali/carovana/internal/revenue"
	"github.com/dvitali/carovana/internal/saga"
	"github.com/dvitali/carovana/internal/sentiment"
	"github.com/dvitali/carovana/internal/settings"
)

// Container holds all application dependencies.
//
// Databases: four-database architecture (core, config, audit, runtime), each
// SQLite with a profile-specific PRAGMA set. Repositories wrap one database
// each; services compose repositories, clients and the event bus.
type Container struct {
	Log zerolog.Logger

	// Databases
	CoreDB    *database.DB // leads, carriers, shipments, escrow, payments
	ConfigDB  *database.DB // settings, economic levels, strategies
	AuditDB   *database.DB // append-only decision trail and saga journal
	RuntimeDB *database.DB // sessions, agent activity, job history

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// External clients
	ProsodyClient    *prosody.Client
	LocalModelClient *localmodel.Client
	LedgerClient     domain.LedgerClient
	Notifier         domain.Notifier
	NotifyClient     *notify.Client

	// Reliability
	Breakers    *reliability.Registry
	QuotaLedger *quota.Ledger
	Backups     *reliability.BackupService // nil when no bucket configured

	// Repositories
	LeadRepo      *leads.Repository
	CarrierRepo   *carriers.Repository
	ShipmentRepo  *shipments.Repository
	EscrowRepo    *escrow.Repository
	DisputeRepo   *disputes.Repository
	SentimentRepo *sentiment.SQLRepository
	ProfileRepo   *profile.SQLRepository
	StrategyRepo  *persuasion.SQLRepository

	// Services
	AuditLog     *audit.Log
	Cascade      *sentiment.Cascade
	Profiles     *profile.Store
	Persuasion   *persuasion.Engine
	Revenue      *revenue.Monitor
	Levels       *provisioning.Store
	Orchestrator *provisioning.Orchestrator
	Settings     *settings.Service
	Auth         *auth.Service
	RateLimiter  *ratelimit.Limiter
	Hub          *hub.Hub
	Saga         *saga.Coordinator

	// Agents
	AgentRegistry *agents.Registry
	AgentControl  *agents.Control
	ActivityLog   *agents.ActivityLog
	Failover      *agents.FailoverAgent
	Dispute       *agents.DisputeAgent
	Swarm         *agents.Swarm
}

// Close shuts the databases down in reverse dependency order
func (c *Container) Close() {
	for _, db := range []*database.DB{c.RuntimeDB, c.AuditDB, c.ConfigDB, c.CoreDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}
