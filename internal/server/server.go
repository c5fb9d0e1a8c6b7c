// Package server provides the HTTP server and routing for Carovana.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/auth"
	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/di"
	carrierhandlers "github.com/dvitali/carovana/internal/modules/carriers/handlers"
	disputehandlers "github.com/dvitali/carovana/internal/modules/disputes/handlers"
	escrowhandlers "github.com/dvitali/carovana/internal/modules/escrow/handlers"
	leadhandlers "github.com/dvitali/carovana/internal/modules/leads/handlers"
	shipmenthandlers "github.com/dvitali/carovana/internal/modules/shipments/handlers"
)

// Server is the HTTP front of the control plane
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	container *di.Container
	dataDir   string
}

// New creates the HTTP server and wires every route
func New(cfg *config.Config, container *di.Container, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "server").Logger(),
		container: container,
		dataDir:   cfg.DataDir,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	c := s.container

	leadH := leadhandlers.NewLeadHandlers(c.LeadRepo, s.log)
	shipmentH := shipmenthandlers.NewShipmentHandlers(c.ShipmentRepo, c.EventManager, s.log)
	carrierH := carrierhandlers.NewCarrierHandlers(c.CarrierRepo, s.log)
	disputeH := disputehandlers.NewDisputeHandlers(c.DisputeRepo, c.ShipmentRepo, c.EscrowRepo,
		c.Dispute, c.LedgerClient, c.EventManager, s.log)
	escrowH := escrowhandlers.NewEscrowHandlers(c.EscrowRepo, s.log)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimit("auth.login")).Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.Post("/second-factor", s.handleSecondFactor)
			r.With(s.authenticate).Get("/me", s.handleMe)
		})

		// Everything below requires a session
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			// Viewer: read-only tracking and status surfaces
			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleViewer), s.rateLimit("read"))
				r.Get("/shipments/tracking/{code}", shipmentH.HandleTrackShipment)
				r.Get("/agents", s.handleAgentStatuses)
				r.Get("/agents/{id}", s.handleAgentStatus)
				r.Get("/agents/{id}/activity", s.handleAgentActivity)
			})

			// Operator: day-to-day brokerage operations
			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleOperator))

				r.Group(func(r chi.Router) {
					r.Use(s.rateLimit("read"))
					leadH.RegisterRoutes(r)
					shipmentH.RegisterRoutes(r, s.rateLimit("shipment.create"))
					carrierH.RegisterRoutes(r)
					escrowH.RegisterRoutes(r)
					disputeH.RegisterRoutes(r)

					r.Get("/dashboard/stats", s.handleDashboardStats)
					r.Get("/sentiment/lead/{id}", s.handleLeadSentiments)
					r.Get("/profiles/{leadID}", s.handleGetProfile)
					r.Post("/profiles/{leadID}/assign", s.handleAssignProfile)
					r.Post("/persuasion/select", s.handleSelectStrategy)
					r.Post("/persuasion/objection", s.handleObjection)
					r.Post("/persuasion/outcome", s.handleRecordOutcome)
					r.Post("/persuasion/nurture", s.handleScheduleNurturing)
					r.Get("/revenue/metrics", s.handleRevenueMetrics)
					r.Post("/revenue/payments", s.handleRecordPayment)
					r.Post("/revenue/payments/{id}/complete", s.handleCompletePayment)
					r.Get("/provisioning/levels", s.handleLevels)
					r.Get("/provisioning/state", s.handleLevelState)
					r.Get("/system/breakers", s.handleBreakers)
					r.Get("/system/quota", s.handleQuota)
					r.Get("/system/audit", s.handleAuditLog)
					r.Get("/system/backups", s.handleListBackups)
					r.Post("/agents/{id}/activate", s.handleActivateAgent)
				})

				r.With(s.rateLimit("sentiment.analyze")).Post("/sentiment/analyze", s.handleAnalyzeSentiment)
				r.With(s.rateLimit("profile.similar")).Get("/profiles/{leadID}/similar", s.handleSimilarProfiles)

				r.Route("/command", func(r chi.Router) {
					r.Use(s.rateLimit("command"))
					r.With(s.rateLimit("failover.trigger")).Post("/change_carrier", s.handleChangeCarrier)
					r.Post("/toggle_promotion_mode", s.handleTogglePromotionMode)

					r.Group(func(r chi.Router) {
						r.Use(s.requireRole(auth.RoleAdmin))
						r.Post("/veto_agent", s.handleVetoAgent)
						r.Post("/resume", s.handleResume)

						r.With(s.requireSecondFactor).Post("/emergency_stop", s.handleEmergencyStop)
						r.With(s.requireSecondFactor).Post("/force_level", s.handleForceLevel)
					})
				})
			})

			// Admin: system administration
			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleAdmin))
				r.Post("/system/breakers/{name}/reset", s.handleResetBreaker)
				r.Post("/system/backups/run", s.handleRunBackup)
				r.Get("/system/settings", s.handleGetSettings)
				r.Put("/system/settings/{key}", s.handleSetSetting)
			})
		})
	})

	// Realtime stream; browsers pass the token as a query parameter
	s.router.With(s.authenticate, s.requireRole(auth.RoleOperator)).
		Get("/command-center", s.container.Hub.ServeHTTP)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests
func (s *Server) Router() http.Handler {
	return s.router
}
