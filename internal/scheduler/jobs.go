package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/database"
	"github.com/dvitali/carovana/internal/di"
	"github.com/dvitali/carovana/internal/settings"
)

const backupRetention = 90 * 24 * time.Hour

// RegisterJobs wires every periodic job onto the scheduler. The failover
// tick follows the configured check interval; everything else runs on fixed
// schedules.
func RegisterJobs(s *Scheduler, c *di.Container, cfg *config.Config) error {
	jobs := []struct {
		schedule string
		job      Job
	}{
		{fmt.Sprintf("@every %s", cfg.Failover.CheckInterval), JobFunc("failover_tick", func() error {
			c.Failover.Tick(c.AgentControl.Context())
			return nil
		})},
		{"0 5 * * * *", JobFunc("revenue_tick", timed(c.Revenue.Tick))},
		{"@every 5m", JobFunc("nurturing_dispatch", timed(func(ctx context.Context) error {
			return dispatchNurturing(ctx, c)
		}))},
		{"0 15 * * * *", JobFunc("session_sweep", timed(c.Auth.Sweep))},
		{"0 25 * * * *", JobFunc("ratelimit_sweep", func() error {
			c.RateLimiter.Sweep(30 * time.Minute)
			return nil
		})},
		{"0 35 * * * *", JobFunc("wal_checkpoint", func() error {
			return checkpointAll(c)
		})},
	}

	if c.Backups != nil {
		jobs = append(jobs, struct {
			schedule string
			job      Job
		}{"0 0 3 * * *", JobFunc("nightly_backup", timed(func(ctx context.Context) error {
			if err := c.Backups.Run(ctx); err != nil {
				return err
			}
			return c.Backups.Rotate(ctx, backupRetention)
		}))})
	}

	for _, entry := range jobs {
		if err := s.AddJob(entry.schedule, entry.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", entry.job.Name(), err)
		}
	}
	return nil
}

// dispatchNurturing sends due nurturing steps through the notifier. Dispatch
// pauses while promotion mode is off; steps stay queued and go out once it
// is re-enabled.
func dispatchNurturing(ctx context.Context, c *di.Container) error {
	enabled, err := c.Settings.GetBool(ctx, settings.KeyPromotionMode, true)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	steps, err := c.StrategyRepo.DueSteps(ctx, time.Now(), 100)
	if err != nil {
		return err
	}

	for _, step := range steps {
		subject := fmt.Sprintf("Follow-up %d", step.Step)
		body := fmt.Sprintf("Nurturing step %d via %s", step.Step, step.Channel)
		if err := c.Notifier.Notify(ctx, step.LeadID, subject, body); err != nil {
			// Leave the step unsent so the next run retries it
			c.Log.Error().Err(err).Int64("step_id", step.ID).Str("lead_id", step.LeadID).
				Msg("Nurturing delivery failed")
			continue
		}
		if err := c.StrategyRepo.MarkSent(ctx, step.ID); err != nil {
			return err
		}
	}
	return nil
}

// checkpointAll flushes each database's WAL back into the main file so the
// nightly snapshot copies a compact single file.
func checkpointAll(c *di.Container) error {
	for _, db := range []*database.DB{c.CoreDB, c.ConfigDB, c.AuditDB, c.RuntimeDB} {
		if db == nil {
			continue
		}
		if _, err := db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("wal checkpoint failed: %w", err)
		}
	}
	return nil
}

// timed bounds one job run to two minutes
func timed(fn func(ctx context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return fn(ctx)
	}
}
