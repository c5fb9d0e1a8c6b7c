// Package scheduler runs the periodic jobs: agent ticks, revenue evaluation,
// nurturing dispatch, sweeps and backups. Every run is recorded in
// runtime.db job_history.
package scheduler

import (
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work
type Job interface {
	Name() string
	Run() error
}

// Scheduler manages background jobs
type Scheduler struct {
	cron    *cron.Cron
	runtime *sql.DB
	log     zerolog.Logger
}

// New creates a scheduler. runtime receives job history rows.
func New(runtime *sql.DB, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		runtime: runtime,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins running registered jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop waits for in-flight jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job on a cron schedule ("@every 5m", "0 0 3 * * *", ...)
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runRecorded(job)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	s.runRecorded(job)
	return nil
}

func (s *Scheduler) runRecorded(job Job) {
	started := time.Now().UTC()
	err := job.Run()
	finished := time.Now().UTC()

	status, detail := "success", ""
	if err != nil {
		status, detail = "error", err.Error()
		s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
	}

	if _, dbErr := s.runtime.Exec(`
		INSERT INTO job_history (job_name, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.Name(), status, detail, started.Unix(), finished.Unix()); dbErr != nil {
		s.log.Error().Err(dbErr).Str("job", job.Name()).Msg("Failed to record job history")
	}
}

// funcJob adapts a closure to the Job interface
type funcJob struct {
	name string
	fn   func() error
}

func (j funcJob) Name() string { return j.name }
func (j funcJob) Run() error   { return j.fn() }

// JobFunc wraps a closure as a named job
func JobFunc(name string, fn func() error) Job {
	return funcJob{name: name, fn: fn}
}
