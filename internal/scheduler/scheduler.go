// Package scheduler runs periodic maintenance jobs alongside the manager,
// such as expiring temporary penalties.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/db"
)

// Job is a named task run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	jobs []Job
}

// NewScheduler creates a scheduler for jobs. Jobs with a non-positive
// interval are skipped.
func NewScheduler(jobs ...Job) *Scheduler {
	s := &Scheduler{}
	for _, j := range jobs {
		if j.Interval <= 0 {
			log.Debug().Str("job", j.Name).Msg("job disabled")
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start runs every job until ctx is cancelled and then waits for running
// jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.RunAtStart {
		s.runJob(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, j)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Warn().Err(err).Str("job", j.Name).Msg("scheduled job failed")
		return
	}
	log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("scheduled job completed")
}

// PenaltySweep returns the job deactivating expired temporary penalties.
func PenaltySweep(store db.Store, interval time.Duration) Job {
	return Job{
		Name:       "penalty-sweep",
		Interval:   interval,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			n, err := store.ExpirePenalties(ctx, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int64("expired", n).Msg("temporary penalties expired")
			}
			return nil
		},
	}
}
