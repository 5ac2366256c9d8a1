package middleware

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/aiondist/fedtune/coordinator"
	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/worker"
)

var _ coordinator.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     coordinator.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc coordinator.Service) coordinator.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) RegisterWorker(ctx context.Context, w worker.Worker) (worker.Worker, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "register-worker").Add(1)
		mm.latency.With("method", "register-worker").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.RegisterWorker(ctx, w)
}

func (mm *metricsMiddleware) Heartbeat(ctx context.Context, workerID string, report coordinator.HealthReport) (worker.Worker, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "heartbeat").Add(1)
		mm.latency.With("method", "heartbeat").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Heartbeat(ctx, workerID, report)
}

func (mm *metricsMiddleware) GetWorker(ctx context.Context, workerID string) (worker.Worker, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "get-worker").Add(1)
		mm.latency.With("method", "get-worker").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.GetWorker(ctx, workerID)
}

func (mm *metricsMiddleware) ListWorkers(ctx context.Context, offset, limit uint64) (worker.Page, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "list-workers").Add(1)
		mm.latency.With("method", "list-workers").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ListWorkers(ctx, offset, limit)
}

func (mm *metricsMiddleware) SelectHealthy(ctx context.Context, f worker.Filter) ([]worker.Worker, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "select-healthy").Add(1)
		mm.latency.With("method", "select-healthy").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SelectHealthy(ctx, f)
}

func (mm *metricsMiddleware) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "create-job").Add(1)
		mm.latency.With("method", "create-job").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.CreateJob(ctx, j)
}

func (mm *metricsMiddleware) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "get-job").Add(1)
		mm.latency.With("method", "get-job").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.GetJob(ctx, jobID)
}

func (mm *metricsMiddleware) ListJobs(ctx context.Context, offset, limit uint64) (job.Page, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "list-jobs").Add(1)
		mm.latency.With("method", "list-jobs").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ListJobs(ctx, offset, limit)
}

func (mm *metricsMiddleware) AssignChunk(ctx context.Context, jobID, workerID string) (coordinator.Assignment, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "assign-chunk").Add(1)
		mm.latency.With("method", "assign-chunk").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.AssignChunk(ctx, jobID, workerID)
}

func (mm *metricsMiddleware) CompleteChunk(ctx context.Context, jobID, workerID string, chunkIndex int) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "complete-chunk").Add(1)
		mm.latency.With("method", "complete-chunk").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.CompleteChunk(ctx, jobID, workerID, chunkIndex)
}

func (mm *metricsMiddleware) ReclaimAbandoned(ctx context.Context, jobID string) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "reclaim-abandoned").Add(1)
		mm.latency.With("method", "reclaim-abandoned").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ReclaimAbandoned(ctx, jobID)
}

func (mm *metricsMiddleware) SubmitUpdate(ctx context.Context, sub fedavg.Submission) (coordinator.SubmitResult, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-update").Add(1)
		mm.latency.With("method", "submit-update").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitUpdate(ctx, sub)
}

func (mm *metricsMiddleware) LatestCheckpoint(ctx context.Context, jobID string) (checkpoint.Version, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "latest-checkpoint").Add(1)
		mm.latency.With("method", "latest-checkpoint").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.LatestCheckpoint(ctx, jobID)
}

func (mm *metricsMiddleware) ListCheckpoints(ctx context.Context, jobID string) ([]checkpoint.Version, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "list-checkpoints").Add(1)
		mm.latency.With("method", "list-checkpoints").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ListCheckpoints(ctx, jobID)
}

func (mm *metricsMiddleware) SweepLiveness(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "sweep-liveness").Add(1)
		mm.latency.With("method", "sweep-liveness").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SweepLiveness(ctx)
}

func (mm *metricsMiddleware) ScanRounds(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "scan-rounds").Add(1)
		mm.latency.With("method", "scan-rounds").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ScanRounds(ctx)
}
