package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/agents"
	"github.com/dvitali/carovana/internal/audit"
	"github.com/dvitali/carovana/internal/auth"
	"github.com/dvitali/carovana/internal/clients/ledger"
	"github.com/dvitali/carovana/internal/clients/localmodel"
	"github.com/dvitali/carovana/internal/clients/notify"
	"github.com/dvitali/carovana/internal/clients/prosody"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/database"
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

// Wire initializes all dependencies and returns a fully configured container.
// Order: databases, clients and reliability, repositories, services, agents.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Log: log}

	if err := initDatabases(c, cfg); err != nil {
		return nil, err
	}
	if err := initServices(c, cfg); err != nil {
		c.Close()
		return nil, err
	}

	log.Info().Msg("Dependency wiring completed")
	return c, nil
}

func initDatabases(c *Container, cfg *config.Config) error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"core", database.ProfileStandard, &c.CoreDB},
		{"config", database.ProfileStandard, &c.ConfigDB},
		{"audit", database.ProfileLedger, &c.AuditDB},
		{"runtime", database.ProfileCache, &c.RuntimeDB},
	}
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			c.Close()
			return fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.target = db
	}
	return nil
}

func initServices(c *Container, cfg *config.Config) error {
	log := c.Log

	// Events
	c.EventBus = events.NewBus()
	c.EventManager = events.NewManager(c.EventBus, log)

	// External clients
	c.ProsodyClient = prosody.New(cfg.ProsodyServiceURL, cfg.ProsodyAPIKey, log)
	c.LocalModelClient = localmodel.New(cfg.LocalModelURL, log)
	c.LedgerClient = ledger.New(cfg.LedgerServiceURL, cfg.LedgerAPIKey, log)
	c.NotifyClient = notify.New(cfg.NotifyGatewayURL, log)
	c.Notifier = c.NotifyClient

	// Reliability
	c.Breakers = reliability.NewRegistry(log)
	prosodyBreaker := c.Breakers.Register("prosody", reliability.BreakerConfig{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		RecoveryTimeout:  cfg.Breakers.RemoteRecoveryTimeout,
		HalfOpenProbes:   cfg.Breakers.HalfOpenProbes,
		CallTimeout:      cfg.Breakers.CallTimeout,
	})
	localBreaker := c.Breakers.Register("local_model", reliability.BreakerConfig{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		RecoveryTimeout:  cfg.Breakers.LocalRecoveryTimeout,
		HalfOpenProbes:   cfg.Breakers.HalfOpenProbes,
		CallTimeout:      cfg.Breakers.CallTimeout,
	})
	c.QuotaLedger = quota.NewLedger(c.ProsodyClient, cfg.Quota.FallbackThresholdPct,
		cfg.Quota.ProsodyQuotaLimit, log)

	if cfg.BackupBucket != "" {
		store, err := reliability.NewS3Client(cfg.BackupEndpoint, cfg.BackupAccessKey, cfg.BackupSecretKey, cfg.BackupBucket, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		c.Backups = reliability.NewBackupService(map[string]*database.DB{
			"core":    c.CoreDB,
			"config":  c.ConfigDB,
			"audit":   c.AuditDB,
			"runtime": c.RuntimeDB,
		}, store, cfg.DataDir, log)
	}

	// Repositories
	c.LeadRepo = leads.NewRepository(c.CoreDB.Conn())
	c.CarrierRepo = carriers.NewRepository(c.CoreDB.Conn())
	c.ShipmentRepo = shipments.NewRepository(c.CoreDB.Conn())
	c.EscrowRepo = escrow.NewRepository(c.CoreDB.Conn(), c.AuditDB.Conn())
	c.DisputeRepo = disputes.NewRepository(c.CoreDB.Conn())
	c.SentimentRepo = sentiment.NewSQLRepository(c.CoreDB.Conn())
	c.ProfileRepo = profile.NewSQLRepository(c.CoreDB.Conn())
	c.StrategyRepo = persuasion.NewSQLRepository(c.ConfigDB.Conn())

	// Services
	c.AuditLog = audit.NewLog(c.AuditDB.Conn(), log)
	c.Cascade = sentiment.NewCascade(c.SentimentRepo, c.ProsodyClient, c.LocalModelClient,
		prosodyBreaker, localBreaker, c.QuotaLedger, c.AuditLog, c.EventManager, log)
	c.Profiles = profile.NewStore(c.ProfileRepo, c.SentimentRepo, log)
	c.Persuasion = persuasion.NewEngine(c.StrategyRepo, c.Profiles, c.Notifier, log)
	c.Levels = provisioning.NewStore(c.ConfigDB.Conn())
	c.Revenue = revenue.NewMonitor(c.CoreDB.Conn(), c.Levels, c.EventManager, log)
	c.Settings = settings.NewService(c.ConfigDB.Conn(), log)
	c.Auth = auth.NewService(cfg.Auth, cfg.SessionSecret, c.RuntimeDB.Conn(), log)
	c.RateLimiter = ratelimit.NewLimiter(nil, log)
	c.Hub = hub.NewHub(cfg.Hub, c.EventManager, log)
	sagaJournal := saga.NewJournal(c.AuditDB.Conn())
	c.Saga = saga.NewCoordinator(sagaJournal, log)
	c.Orchestrator = provisioning.NewOrchestrator(cfg.Levels, c.Levels, c.AuditLog, c.EventManager, log)

	// Agents
	c.AgentRegistry = agents.NewRegistry(c.EventManager, log)
	for _, a := range agents.Roster {
		c.AgentRegistry.Register(a.ID, a.Name)
	}
	c.AgentRegistry.Register(agents.AgentSwarm, "Swarm")
	c.AgentControl = agents.NewControl(c.EventManager, log)
	c.ActivityLog = agents.NewActivityLog(c.RuntimeDB.Conn())
	c.Failover = agents.NewFailoverAgent(cfg.Failover, c.ShipmentRepo, c.CarrierRepo,
		c.EscrowRepo, c.LedgerClient, c.Notifier, c.Saga, c.AuditLog, c.AgentRegistry,
		c.ActivityLog, c.AgentControl, c.EventManager, log)
	c.Dispute = agents.NewDisputeAgent(cfg.Dispute, c.DisputeRepo, c.ShipmentRepo,
		c.EscrowRepo, c.LedgerClient, c.Saga, c.AuditLog, c.AgentRegistry, c.ActivityLog,
		c.AgentControl, c.EventManager, log)
	c.Swarm = agents.NewSwarm(c.EscrowRepo, c.CarrierRepo, c.AgentRegistry, c.ActivityLog,
		c.AgentControl, c.EventManager, log)

	// Event-driven wiring
	c.Swarm.Start(c.EventBus)
	c.Dispute.Start(c.EventBus)
	c.Orchestrator.Start(c.EventBus)
	c.Hub.Start(c.EventBus)

	// Sagas the previous process left mid-flight need an operator's eyes
	if ids, err := sagaJournal.Unfinished(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to scan saga journal for unfinished sagas")
	} else {
		for _, id := range ids {
			log.Warn().Str("saga_id", id).Msg("Unfinished saga found in journal")
			c.EventManager.Emit(events.SystemAlert, "saga_recovery", map[string]interface{}{
				"saga_id": id,
				"reason":  "unfinished_saga",
			})
		}
	}

	return nil
}
