package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiondist/fedtune/coordinator"
	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/worker"
)

var _ coordinator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    coordinator.Service
}

func Tracing(tracer trace.Tracer, svc coordinator.Service) coordinator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) RegisterWorker(ctx context.Context, w worker.Worker) (worker.Worker, error) {
	ctx, span := tm.tracer.Start(ctx, "register-worker", trace.WithAttributes(
		attribute.String("name", w.Name),
		attribute.String("model_id", w.Capabilities.ModelID),
	))
	defer span.End()

	return tm.svc.RegisterWorker(ctx, w)
}

func (tm *tracing) Heartbeat(ctx context.Context, workerID string, report coordinator.HealthReport) (worker.Worker, error) {
	ctx, span := tm.tracer.Start(ctx, "heartbeat", trace.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.Int("model_version", report.ModelVersion),
	))
	defer span.End()

	return tm.svc.Heartbeat(ctx, workerID, report)
}

func (tm *tracing) GetWorker(ctx context.Context, workerID string) (worker.Worker, error) {
	ctx, span := tm.tracer.Start(ctx, "get-worker", trace.WithAttributes(
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	return tm.svc.GetWorker(ctx, workerID)
}

func (tm *tracing) ListWorkers(ctx context.Context, offset, limit uint64) (worker.Page, error) {
	ctx, span := tm.tracer.Start(ctx, "list-workers", trace.WithAttributes(
		attribute.Int64("offset", int64(offset)),
		attribute.Int64("limit", int64(limit)),
	))
	defer span.End()

	return tm.svc.ListWorkers(ctx, offset, limit)
}

func (tm *tracing) SelectHealthy(ctx context.Context, f worker.Filter) ([]worker.Worker, error) {
	ctx, span := tm.tracer.Start(ctx, "select-healthy", trace.WithAttributes(
		attribute.String("model_id", f.ModelID),
	))
	defer span.End()

	return tm.svc.SelectHealthy(ctx, f)
}

func (tm *tracing) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	ctx, span := tm.tracer.Start(ctx, "create-job", trace.WithAttributes(
		attribute.String("name", j.Name),
		attribute.Int("total_chunks", j.TotalChunks),
	))
	defer span.End()

	return tm.svc.CreateJob(ctx, j)
}

func (tm *tracing) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	ctx, span := tm.tracer.Start(ctx, "get-job", trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	defer span.End()

	return tm.svc.GetJob(ctx, jobID)
}

func (tm *tracing) ListJobs(ctx context.Context, offset, limit uint64) (job.Page, error) {
	ctx, span := tm.tracer.Start(ctx, "list-jobs", trace.WithAttributes(
		attribute.Int64("offset", int64(offset)),
		attribute.Int64("limit", int64(limit)),
	))
	defer span.End()

	return tm.svc.ListJobs(ctx, offset, limit)
}

func (tm *tracing) AssignChunk(ctx context.Context, jobID, workerID string) (coordinator.Assignment, error) {
	ctx, span := tm.tracer.Start(ctx, "assign-chunk", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	return tm.svc.AssignChunk(ctx, jobID, workerID)
}

func (tm *tracing) CompleteChunk(ctx context.Context, jobID, workerID string, chunkIndex int) error {
	ctx, span := tm.tracer.Start(ctx, "complete-chunk", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("worker_id", workerID),
		attribute.Int("chunk_index", chunkIndex),
	))
	defer span.End()

	return tm.svc.CompleteChunk(ctx, jobID, workerID, chunkIndex)
}

func (tm *tracing) ReclaimAbandoned(ctx context.Context, jobID string) error {
	ctx, span := tm.tracer.Start(ctx, "reclaim-abandoned", trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	defer span.End()

	return tm.svc.ReclaimAbandoned(ctx, jobID)
}

func (tm *tracing) SubmitUpdate(ctx context.Context, sub fedavg.Submission) (coordinator.SubmitResult, error) {
	ctx, span := tm.tracer.Start(ctx, "submit-update", trace.WithAttributes(
		attribute.String("job_id", sub.JobID),
		attribute.String("worker_id", sub.WorkerID),
		attribute.Int("round", sub.Round),
		attribute.Int("num_examples", sub.NumExamples),
	))
	defer span.End()

	return tm.svc.SubmitUpdate(ctx, sub)
}

func (tm *tracing) LatestCheckpoint(ctx context.Context, jobID string) (checkpoint.Version, error) {
	ctx, span := tm.tracer.Start(ctx, "latest-checkpoint", trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	defer span.End()

	return tm.svc.LatestCheckpoint(ctx, jobID)
}

func (tm *tracing) ListCheckpoints(ctx context.Context, jobID string) ([]checkpoint.Version, error) {
	ctx, span := tm.tracer.Start(ctx, "list-checkpoints", trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	defer span.End()

	return tm.svc.ListCheckpoints(ctx, jobID)
}

func (tm *tracing) SweepLiveness(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "sweep-liveness")
	defer span.End()

	return tm.svc.SweepLiveness(ctx)
}

func (tm *tracing) ScanRounds(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "scan-rounds")
	defer span.End()

	return tm.svc.ScanRounds(ctx)
}
