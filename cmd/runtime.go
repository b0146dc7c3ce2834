package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/outpost-sec/outpost/internal/adapters"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/inventory"
	"github.com/outpost-sec/outpost/internal/jobstore"
	"github.com/outpost-sec/outpost/internal/normalizer"
	"github.com/outpost-sec/outpost/internal/queue"
	"github.com/outpost-sec/outpost/internal/ratelimit"
	"github.com/outpost-sec/outpost/internal/scheduler"
	"github.com/outpost-sec/outpost/internal/telemetry"
)

// runtime bundles everything a command needs. Stores share one connection
// pool; the queue degrades to polling-only when Redis is unreachable.
type runtime struct {
	jobs      core.JobStore
	assets    core.AssetStore
	queue     core.NotifyQueue
	registry  *adapters.Registry
	scheduler *scheduler.Scheduler
	telemetry core.Telemetry
}

func newRuntime(ctx context.Context) (*runtime, error) {
	jobs, err := jobstore.NewStore(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	var assets core.AssetStore
	if db, ok := jobstore.DB(jobs); ok {
		assets, err = inventory.NewStoreWithDB(db, cfg.Database, log)
	} else {
		assets, err = inventory.NewStore(cfg.Database, log)
	}
	if err != nil {
		jobs.Close()
		return nil, err
	}

	notify, err := queue.NewRedisQueue(cfg.Redis, log)
	if err != nil {
		log.Warnw("Redis unavailable, falling back to store polling", "error", err.Error())
		notify = queue.Noop()
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err.Error())
		tel = telemetry.Noop()
	}

	registry := buildRegistry()
	sched := scheduler.New(
		jobs,
		notify,
		registry,
		normalizer.New(log),
		inventory.NewMerger(assets, log),
		tel,
		cfg.Scheduler,
		log,
	)

	return &runtime{
		jobs:      jobs,
		assets:    assets,
		queue:     notify,
		registry:  registry,
		scheduler: sched,
		telemetry: tel,
	}, nil
}

func (r *runtime) close(ctx context.Context) {
	r.queue.Close()
	r.assets.Close()
	r.jobs.Close()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		log.Warnw("Telemetry shutdown failed", "error", err.Error())
	}
}

func buildRegistry() *adapters.Registry {
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	registry := adapters.NewRegistry()
	registry.Register(adapters.NewDNSEnum(cfg.Tools.DNS, log))
	registry.Register(adapters.NewNaabu(cfg.Tools.Naabu, log))
	registry.Register(adapters.NewHTTPX(cfg.Tools.HTTPX, log))
	registry.Register(adapters.NewCrtSh(cfg.Tools.CrtSh, limiter, log))
	registry.Register(adapters.NewNuclei(cfg.Tools.Nuclei, log))
	return registry
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
