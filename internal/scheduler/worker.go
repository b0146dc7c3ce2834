package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// errorBackoff is how long a worker sleeps after an infrastructure error
// (queue or store unavailable) before polling again.
const errorBackoff = 5 * time.Second

// Pool runs N polling workers. Each worker drives one job at a time, so
// the pool size is also the global cap on concurrently running jobs.
type Pool struct {
	scheduler *Scheduler
	telemetry core.Telemetry
	cfg       config.SchedulerConfig
	logger    *logger.Logger

	statusMu sync.RWMutex
	statuses map[string]*types.WorkerStatus
}

func NewPool(sched *Scheduler, telemetry core.Telemetry, cfg config.SchedulerConfig, log *logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	return &Pool{
		scheduler: sched,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    log.WithComponent("worker"),
		statuses:  make(map[string]*types.WorkerStatus),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to
// drain. Findings collected by a job interrupted mid-flight are still
// merged before its worker exits.
func (p *Pool) Run(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	p.logger.WithContext(ctx).Infow("Worker pool starting",
		"workers", p.cfg.Workers,
		"hostname", hostname,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := uuid.New().String()
		p.setStatus(workerID, &types.WorkerStatus{
			ID:       workerID,
			Hostname: hostname,
			Status:   "idle",
			LastPing: time.Now(),
		})
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}

	err = g.Wait()
	p.logger.Infow("Worker pool stopped", "workers", p.cfg.Workers)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Statuses reports a snapshot of every worker, surfaced over the API.
func (p *Pool) Statuses() []*types.WorkerStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	out := make([]*types.WorkerStatus, 0, len(p.statuses))
	for _, st := range p.statuses {
		copied := *st
		out = append(out, &copied)
	}
	return out
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	log := p.logger.WithFields("worker_id", workerID)
	log.WithContext(ctx).Infow("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Infow("Worker shutting down")
			return ctx.Err()
		default:
		}

		job, err := p.scheduler.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.LogError(ctx, err, "worker.claimNext", "worker_id", workerID)
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			// ClaimNext already blocked for a poll interval.
			continue
		}

		p.updateStatus(workerID, "busy", job.ID.String(), 0)
		p.telemetry.RecordWorkerBusy(ctx, 1)

		outcome, err := p.scheduler.Execute(ctx, job)
		p.telemetry.RecordWorkerBusy(ctx, -1)
		p.updateStatus(workerID, "idle", "", 1)

		if err != nil {
			log.LogError(ctx, err, "worker.execute",
				"job_id", job.ID.String(),
				"job_type", string(job.Type),
			)
			continue
		}
		log.WithContext(ctx).Debugw("Job processed",
			"job_id", job.ID.String(),
			"cancelled", outcome.Cancelled,
			"adapters_failed", fmt.Sprintf("%d/%d", outcome.AdaptersFailed, outcome.AdaptersRun),
		)
	}
}

func (p *Pool) setStatus(workerID string, st *types.WorkerStatus) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.statuses[workerID] = st
}

func (p *Pool) updateStatus(workerID, status, currentJob string, completedDelta int) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	st, ok := p.statuses[workerID]
	if !ok {
		return
	}
	st.Status = status
	st.CurrentJob = currentJob
	st.JobsComplete += completedDelta
	st.LastPing = time.Now()
}
