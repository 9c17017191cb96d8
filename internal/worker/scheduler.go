package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Job is one periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until stopped. A run that
// overlaps the next tick delays it rather than running concurrently.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a scheduler for the given jobs.
func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, logger: util.GetLogger()}
}

// Start launches every job. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Scheduled job panicked",
				zap.String("job", job.Name),
				zap.String("panic", fmt.Sprint(p)))
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.logger.Error("Scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	s.logger.Debug("Scheduled job finished",
		zap.String("job", job.Name),
		zap.Duration("took", time.Since(start)))
}

// SweepJob releases escrows whose settlement window has ended. The sweep
// logs its own report.
func SweepJob(escrow *service.EscrowService, interval time.Duration) Job {
	return Job{
		Name:     "settlement-sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := escrow.SweepSettlements(ctx)
			return err
		},
	}
}

// SLAJob evaluates unresolved disputes against the rule engine.
func SLAJob(disputes *service.DisputeService, interval time.Duration) Job {
	return Job{
		Name:     "dispute-sla",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := disputes.CheckSLA(ctx)
			return err
		},
	}
}

// IntegrityJob runs the ledger integrity audit.
func IntegrityJob(integrity *service.IntegrityService, interval time.Duration) Job {
	logger := util.GetLogger()
	return Job{
		Name:     "integrity-audit",
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := integrity.RunAudit(ctx)
			if err != nil {
				return err
			}
			if report.TotalIssues > 0 {
				logger.Warn("Integrity audit found issues",
					zap.String("status", report.Status),
					zap.Int("issues", report.TotalIssues))
			}
			return nil
		},
	}
}
