package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-sec/outpost/pkg/types"
)

// ToolAdapter wraps one discovery capability (an external binary, a network
// client, or an in-process library) behind a uniform contract. Run must
// honor ctx cancellation and may return partial findings alongside an error.
type ToolAdapter interface {
	Capability() string
	Validate(target string) error
	Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error)
}

// JobStore persists discovery jobs and owns the claim semantics that keep
// two workers from running the same job.
type JobStore interface {
	CreateJob(ctx context.Context, job *types.DiscoveryJob) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*types.DiscoveryJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.DiscoveryJob, error)

	// TryClaim transitions the job from `from` to `to` only if it is still
	// in `from`, returning false when another worker won the race.
	TryClaim(ctx context.Context, jobID uuid.UUID, from, to types.JobStatus) (bool, error)
	NextPending(ctx context.Context) (*types.DiscoveryJob, error)

	MarkRunning(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, completedAt time.Time, logs string) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, completedAt time.Time, reason string) error
	MarkCancelled(ctx context.Context, jobID uuid.UUID, completedAt time.Time) error
	RequestCancel(ctx context.Context, jobID uuid.UUID) (types.JobStatus, error)
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)

	// Requeue hands a running job back to the backlog. It exists only for
	// interrupted executions (worker shutdown, unreachable inventory);
	// terminal jobs are never resurrected.
	Requeue(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error

	Close() error
}

// AssetStore is the inventory side: assets, ports, technologies,
// vulnerabilities and job provenance links, all keyed by natural identity.
type AssetStore interface {
	UpsertAsset(ctx context.Context, asset *types.Asset) (*types.Asset, error)
	GetAssetByKey(ctx context.Context, key types.AssetKey) (*types.Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]*types.Asset, error)

	UpsertPort(ctx context.Context, port *types.Port) (*types.Port, error)
	ListPorts(ctx context.Context, assetID uuid.UUID) ([]*types.Port, error)

	UpsertTechnology(ctx context.Context, tech *types.Technology) (*types.Technology, error)
	ListTechnologies(ctx context.Context, assetID uuid.UUID) ([]*types.Technology, error)

	UpsertVulnerability(ctx context.Context, vuln *types.Vulnerability) (*types.Vulnerability, error)
	ListVulnerabilities(ctx context.Context, assetID uuid.UUID) ([]*types.Vulnerability, error)

	LinkJobAsset(ctx context.Context, jobID, assetID uuid.UUID) error
	ListJobAssets(ctx context.Context, jobID uuid.UUID) ([]*types.Asset, error)

	Close() error
}

// NotifyQueue is a wake-up channel for workers. It carries job IDs only;
// the job store remains the source of truth for claiming.
type NotifyQueue interface {
	Push(ctx context.Context, jobID uuid.UUID) error
	Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

type JobFilter struct {
	OrganizationID *uuid.UUID
	Status         types.JobStatus
	JobType        types.JobType
	Target         string
	Limit          int
	Offset         int
}

type AssetFilter struct {
	OrganizationID *uuid.UUID
	Type           types.AssetType
	Status         types.AssetStatus
	Search         string
	Limit          int
	Offset         int
}

// Telemetry records the engine's operational metrics. Implementations must
// be safe for concurrent use; a disabled implementation is a no-op.
type Telemetry interface {
	RecordJobStarted(ctx context.Context, jobType types.JobType)
	RecordJobFinished(ctx context.Context, jobType types.JobType, status types.JobStatus, duration time.Duration)
	RecordFindings(ctx context.Context, capability string, count int)
	RecordWorkerBusy(ctx context.Context, delta int64)
	Shutdown(ctx context.Context) error
}
