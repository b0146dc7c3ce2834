package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-sec/outpost/internal/adapters"
	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/inventory"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/normalizer"
	"github.com/outpost-sec/outpost/internal/validation"
	"github.com/outpost-sec/outpost/pkg/types"
)

var (
	// ErrInvalidInput means the target or job type was rejected before a
	// job was created.
	ErrInvalidInput = errors.New("invalid job input")
	// ErrJobTerminal means the requested transition targets a job that
	// already finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrNotClaimed means Execute was handed a job this process does not
	// own.
	ErrNotClaimed = errors.New("job not claimed")
)

// cancelPollInterval is how often a running execution checks the store for
// a cooperative cancellation request.
const cancelPollInterval = 2 * time.Second

// mergeTimeout bounds the inventory merge that runs after adapters finish.
// The merge runs on a detached context so partial findings survive worker
// shutdown and job cancellation.
const mergeTimeout = 30 * time.Second

// Scheduler owns the job lifecycle: it validates and enqueues work, claims
// it for execution, fans out to tool adapters, and folds normalized
// findings into the inventory exactly once per execution.
type Scheduler struct {
	jobs       core.JobStore
	queue      core.NotifyQueue
	registry   *adapters.Registry
	normalizer *normalizer.Normalizer
	merger     *inventory.Merger
	telemetry  core.Telemetry
	cfg        config.SchedulerConfig
	logger     *logger.Logger
}

func New(
	jobs core.JobStore,
	queue core.NotifyQueue,
	registry *adapters.Registry,
	norm *normalizer.Normalizer,
	merger *inventory.Merger,
	telemetry core.Telemetry,
	cfg config.SchedulerConfig,
	log *logger.Logger,
) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Minute
	}
	return &Scheduler{
		jobs:       jobs,
		queue:      queue,
		registry:   registry,
		normalizer: norm,
		merger:     merger,
		telemetry:  telemetry,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
	}
}

// Enqueue validates the target against the job type, persists a pending
// job, and wakes a worker. A failed wake-up is not fatal: workers also
// poll the store, so the job runs either way, just later.
func (s *Scheduler) Enqueue(ctx context.Context, orgID uuid.UUID, jobType types.JobType, target string, options map[string]string) (*types.DiscoveryJob, error) {
	result, err := validation.ValidateForJobType(jobType, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	job := &types.DiscoveryJob{
		OrganizationID: orgID,
		Type:           jobType,
		Target:         result.Normalized,
		Config:         options,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := s.queue.Push(ctx, job.ID); err != nil {
		s.logger.LogError(ctx, err, "scheduler.Enqueue.push",
			"job_id", job.ID.String())
	}

	s.logger.WithContext(ctx).Infow("Job enqueued",
		"job_id", job.ID.String(),
		"job_type", string(jobType),
		"target", job.Target,
	)
	return job, nil
}

// Cancel requests cancellation. Pending jobs are cancelled immediately;
// running jobs get a cooperative flag the executor polls for. Terminal
// jobs are never resurrected.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) (types.JobStatus, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, ErrJobTerminal
	}
	return s.jobs.RequestCancel(ctx, jobID)
}

// ClaimNext returns the next job this worker owns, or nil when there is
// nothing to run. It blocks up to the queue poll interval waiting for a
// wake-up, then falls back to polling the store so jobs survive lost
// notifications. Claiming is a conditional UPDATE; a lost race simply
// moves on to the next candidate.
func (s *Scheduler) ClaimNext(ctx context.Context) (*types.DiscoveryJob, error) {
	jobID, ok, err := s.queue.Pop(ctx, s.cfg.QueuePollInterval)
	if err != nil {
		return nil, fmt.Errorf("pop wake queue: %w", err)
	}
	if ok {
		claimed, err := s.jobs.TryClaim(ctx, jobID, types.JobStatusPending, types.JobStatusRunning)
		if err != nil {
			return nil, err
		}
		if claimed {
			return s.jobs.GetJob(ctx, jobID)
		}
		// Another worker won, or the job was cancelled while queued.
		// Fall through to the backlog.
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidate, err := s.jobs.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}
		claimed, err := s.jobs.TryClaim(ctx, candidate.ID, types.JobStatusPending, types.JobStatusRunning)
		if err != nil {
			return nil, err
		}
		if claimed {
			candidate.Status = types.JobStatusRunning
			return candidate, nil
		}
	}
}

type adapterResult struct {
	capability string
	findings   *types.RawFindings
	err        error
	attempts   int
}

// Execute runs every adapter the job type requires, normalizes whatever
// they produced, merges it into the inventory as one batch, and finalizes
// the job. Partial findings are merged even when adapters fail or the job
// is cancelled mid-flight.
func (s *Scheduler) Execute(ctx context.Context, job *types.DiscoveryJob) (_ *types.ExecutionOutcome, execErr error) {
	if job.Status != types.JobStatusRunning {
		return nil, ErrNotClaimed
	}

	start := time.Now().UTC()
	log := s.logger.WithJobID(job.ID.String()).WithTarget(job.Target).
		WithFields("job_type", string(job.Type))

	ctx, span := log.StartOperation(ctx, "scheduler.execute",
		"job_id", job.ID.String(),
		"job_type", string(job.Type),
	)
	defer func() {
		log.FinishOperation(ctx, span, "scheduler.execute", start, execErr)
	}()

	toolset, err := s.registry.ForJobType(job.Type)
	if err != nil {
		// No capability plan means the job can never succeed.
		reason := fmt.Sprintf("no adapters for job: %v", err)
		if ferr := s.jobs.MarkFailed(ctx, job.ID, time.Now().UTC(), reason); ferr != nil {
			return nil, ferr
		}
		return &types.ExecutionOutcome{JobID: job.ID, Log: reason}, err
	}

	if err := s.jobs.MarkRunning(ctx, job.ID, start); err != nil {
		return nil, err
	}
	s.telemetry.RecordJobStarted(ctx, job.Type)
	log.WithContext(ctx).Infow("Job execution started", "adapters", len(toolset))

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelled bool
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				requested, err := s.jobs.IsCancelRequested(jobCtx, job.ID)
				if err != nil {
					continue
				}
				if requested {
					log.WithContext(jobCtx).Infow("Cancellation requested, stopping adapters")
					cancelled = true
					cancelJob()
					return
				}
			}
		}
	}()

	var (
		mu      sync.Mutex
		results []adapterResult
	)
	g := &errgroup.Group{}
	if s.cfg.FanOutLimit > 0 {
		g.SetLimit(s.cfg.FanOutLimit)
	}
	for _, adapter := range toolset {
		adapter := adapter
		g.Go(func() error {
			res := s.runAdapter(jobCtx, log, adapter, job.Target, job.Config)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	waitDone := make(chan struct{})
	go func() {
		g.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-jobCtx.Done():
		// Cancelled or shutting down. Give in-flight adapters a grace
		// window to return their partials, then abandon them.
		grace := s.cfg.CancelGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		select {
		case <-waitDone:
		case <-time.After(grace):
			log.Warnw("Abandoning in-flight adapters after grace period",
				"grace_ms", grace.Milliseconds())
		}
	}
	cancelJob()
	<-watcherDone

	// Normalize everything usable, successful runs and partial output of
	// failed ones alike, then apply the merge as one batch. Results are
	// snapshotted under the lock because abandoned adapters may still be
	// returning.
	mu.Lock()
	collected := append([]adapterResult(nil), results...)
	mu.Unlock()

	observedAt := time.Now().UTC()
	var (
		deltas     []types.EntityDelta
		transcript []string
		failed     int
	)
	for _, res := range collected {
		if res.findings != nil && !res.findings.Empty() {
			batch := s.normalizer.Normalize(job.OrganizationID, res.findings, observedAt)
			deltas = append(deltas, batch...)
			s.telemetry.RecordFindings(ctx, res.capability, len(batch))
		}
		if res.err != nil {
			failed++
			kind := adapters.KindOf(res.err)
			transcript = append(transcript, fmt.Sprintf(
				"adapter %s failed after %d attempt(s) [%s]: %v",
				res.capability, res.attempts, kind, res.err))
		} else {
			transcript = append(transcript, fmt.Sprintf(
				"adapter %s ok after %d attempt(s)", res.capability, res.attempts))
		}
	}

	var stats *inventory.MergeStats
	if len(deltas) > 0 {
		mergeCtx, cancelMerge := context.WithTimeout(context.Background(), mergeTimeout)
		defer cancelMerge()
		stats, err = s.merger.Merge(mergeCtx, job.ID, deltas)
		if err != nil {
			// The inventory store is unavailable. Hand the job back to the
			// backlog so another worker can pick it up once the store
			// recovers; a job left running here would never be claimed
			// again. The merge is idempotent, so the rerun converges.
			log.LogError(ctx, err, "scheduler.Execute.merge")
			reqCtx, cancelReq := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelReq()
			if reqErr := s.jobs.Requeue(reqCtx, job.ID, time.Now().UTC()); reqErr != nil {
				log.LogError(reqCtx, reqErr, "scheduler.Execute.requeue")
			}
			return nil, fmt.Errorf("merge findings: %w", err)
		}
	} else {
		stats = &inventory.MergeStats{}
	}

	outcome := &types.ExecutionOutcome{
		JobID:          job.ID,
		AdaptersRun:    len(collected),
		AdaptersFailed: failed,
		AssetsTouched:  stats.AssetsTouched,
		DeltasApplied:  stats.DeltasApplied,
		Cancelled:      cancelled,
		Duration:       time.Since(start),
		Log:            strings.Join(transcript, "\n"),
	}

	// Finalization runs on a detached context so a shutting-down worker
	// can still record the terminal state it owes the store.
	finCtx, cancelFin := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFin()

	if ctx.Err() != nil && !cancelled {
		// Worker shutdown interrupted the job before it reached a terminal
		// state. Hand it back to the backlog: claims only take pending
		// jobs, so a job left running by a dying worker would be stranded
		// forever. The merge already applied is idempotent, so the rerun
		// converges. This is the only transition out of running that is
		// not terminal; a finished job is never resurrected.
		if err := s.jobs.Requeue(finCtx, job.ID, time.Now().UTC()); err != nil {
			log.LogError(finCtx, err, "scheduler.Execute.requeue")
		}
		return outcome, ctx.Err()
	}

	status, err := s.finalize(finCtx, job, outcome)
	if err != nil {
		return outcome, err
	}
	s.telemetry.RecordJobFinished(finCtx, job.Type, status, outcome.Duration)
	log.WithContext(ctx).Infow("Job execution finished",
		"status", string(status),
		"adapters_failed", failed,
		"assets_touched", stats.AssetsTouched,
		"deltas_applied", stats.DeltasApplied,
		"duration_ms", outcome.Duration.Milliseconds(),
	)
	return outcome, nil
}

// runAdapter drives one adapter with a per-attempt timeout and bounded
// retries. Transient failures back off exponentially, timeouts are retried
// once, permanent failures stop immediately. The last partial findings are
// kept across attempts so a flaky tool still contributes what it saw.
func (s *Scheduler) runAdapter(ctx context.Context, log *logger.Logger, adapter core.ToolAdapter, target string, options map[string]string) adapterResult {
	res := adapterResult{capability: adapter.Capability()}

	if err := adapter.Validate(target); err != nil {
		res.err = err
		return res
	}

	for attempt := 0; ; attempt++ {
		res.attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
		findings, err := adapter.Run(attemptCtx, target, options)
		cancel()

		if findings != nil && !findings.Empty() {
			res.findings = findings
		}
		if err == nil {
			res.err = nil
			return res
		}
		res.err = err

		// The job itself was cancelled or timed out; keep partials and
		// stop retrying.
		if ctx.Err() != nil {
			return res
		}

		kind := adapters.KindOf(err)
		switch kind {
		case adapters.ErrPermanent:
			return res
		case adapters.ErrTimeout:
			if attempt >= 1 {
				return res
			}
		default:
			if attempt >= s.cfg.MaxRetries {
				return res
			}
		}

		backoff := s.cfg.RetryBackoff << uint(attempt)
		log.WithContext(ctx).Warnw("Adapter failed, retrying",
			"capability", res.capability,
			"attempt", attempt+1,
			"kind", string(kind),
			"backoff_ms", backoff.Milliseconds(),
			"error", err.Error(),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return res
		}
	}
}

// finalize drives the terminal transition. A cancelled execution becomes
// cancelled, a wholly failed one becomes failed, anything else completes.
// Transitions are one-way; retries happen inside runAdapter, never by
// resurrecting a terminal job. Timestamps are stamped exactly once by the
// store.
func (s *Scheduler) finalize(ctx context.Context, job *types.DiscoveryJob, outcome *types.ExecutionOutcome) (types.JobStatus, error) {
	now := time.Now().UTC()

	if outcome.Cancelled {
		if err := s.jobs.MarkCancelled(ctx, job.ID, now); err != nil {
			return "", err
		}
		return types.JobStatusCancelled, nil
	}

	if outcome.Failed() {
		if err := s.jobs.MarkFailed(ctx, job.ID, now, outcome.Log); err != nil {
			return "", err
		}
		return types.JobStatusFailed, nil
	}

	if err := s.jobs.MarkCompleted(ctx, job.ID, now, outcome.Log); err != nil {
		return "", err
	}
	return types.JobStatusCompleted, nil
}
