// Package scheduler runs the maintenance pass on a cron schedule. It
// never starts privileged operations.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"debguard/internal/db"
)

const nextRunSetting = "maintenance_next_run"

// Job is the periodic work the scheduler drives.
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler fires the maintenance job according to a cron expression.
type Scheduler struct {
	db       *db.DB
	job      Job
	cronExpr string
	parser   cron.Parser

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler firing job per cronExpr (standard five-field
// cron syntax).
func New(database *db.DB, job Job, cronExpr string) *Scheduler {
	return &Scheduler{
		db:       database,
		job:      job,
		cronExpr: cronExpr,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() error {
	if _, err := s.parser.Parse(s.cronExpr); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.check(ctx)

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check fires the job when the persisted next-run time has passed. The
// first check after a fresh database only schedules the initial run.
func (s *Scheduler) check(ctx context.Context) {
	next, err := s.nextRun()
	if err != nil {
		log.Printf("scheduler: failed to load next run time: %v", err)
		return
	}
	if next.IsZero() {
		s.scheduleNext(time.Now())
		return
	}

	if time.Now().Before(next) {
		return
	}

	s.scheduleNext(time.Now())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("scheduler: running maintenance")
		if err := s.job.Run(ctx); err != nil {
			log.Printf("scheduler: maintenance failed: %v", err)
		}
	}()
}

// nextRun reads the persisted next-run time; zero means never scheduled.
func (s *Scheduler) nextRun() (time.Time, error) {
	val, err := s.db.GetSetting(nextRunSetting)
	if err != nil || val == "" {
		return time.Time{}, err
	}
	next, err := time.Parse(time.RFC3339, val)
	if err != nil {
		// Unparseable value; reschedule from scratch.
		return time.Time{}, nil
	}
	return next, nil
}

func (s *Scheduler) scheduleNext(from time.Time) {
	schedule, err := s.parser.Parse(s.cronExpr)
	if err != nil {
		log.Printf("scheduler: invalid cron expression %q: %v", s.cronExpr, err)
		return
	}
	next := schedule.Next(from)
	if err := s.db.SetSetting(nextRunSetting, next.Format(time.RFC3339)); err != nil {
		log.Printf("scheduler: failed to persist next run time: %v", err)
		return
	}
	log.Printf("scheduler: next maintenance at %v", next)
}
