package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/aiondist/fedtune/coordinator"
	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/worker"
)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    coordinator.Service
}

func Logging(logger *slog.Logger, svc coordinator.Service) coordinator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) RegisterWorker(ctx context.Context, w worker.Worker) (resp worker.Worker, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("worker",
				slog.String("id", resp.ID),
				slog.String("name", resp.Name),
				slog.String("model_id", w.Capabilities.ModelID),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Register worker failed", args...)

			return
		}
		lm.logger.Info("Register worker completed successfully", args...)
	}(time.Now())

	return lm.svc.RegisterWorker(ctx, w)
}

func (lm *loggingMiddleware) Heartbeat(ctx context.Context, workerID string, report coordinator.HealthReport) (resp worker.Worker, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("worker",
				slog.String("id", workerID),
				slog.String("status", resp.Status.String()),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Heartbeat failed", args...)

			return
		}
		lm.logger.Info("Heartbeat completed successfully", args...)
	}(time.Now())

	return lm.svc.Heartbeat(ctx, workerID, report)
}

func (lm *loggingMiddleware) GetWorker(ctx context.Context, workerID string) (resp worker.Worker, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("worker",
				slog.String("id", workerID),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get worker failed", args...)

			return
		}
		lm.logger.Info("Get worker completed successfully", args...)
	}(time.Now())

	return lm.svc.GetWorker(ctx, workerID)
}

func (lm *loggingMiddleware) ListWorkers(ctx context.Context, offset, limit uint64) (resp worker.Page, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("offset", offset),
			slog.Uint64("limit", limit),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List workers failed", args...)

			return
		}
		lm.logger.Info("List workers completed successfully", args...)
	}(time.Now())

	return lm.svc.ListWorkers(ctx, offset, limit)
}

func (lm *loggingMiddleware) SelectHealthy(ctx context.Context, f worker.Filter) (resp []worker.Worker, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("model_id", f.ModelID),
			slog.Int("matched", len(resp)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Select healthy workers failed", args...)

			return
		}
		lm.logger.Info("Select healthy workers completed successfully", args...)
	}(time.Now())

	return lm.svc.SelectHealthy(ctx, f)
}

func (lm *loggingMiddleware) CreateJob(ctx context.Context, j job.Job) (resp job.Job, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", resp.ID),
				slog.String("name", j.Name),
				slog.Int("total_chunks", j.TotalChunks),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Create job failed", args...)

			return
		}
		lm.logger.Info("Create job completed successfully", args...)
	}(time.Now())

	return lm.svc.CreateJob(ctx, j)
}

func (lm *loggingMiddleware) GetJob(ctx context.Context, jobID string) (resp job.Job, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get job failed", args...)

			return
		}
		lm.logger.Info("Get job completed successfully", args...)
	}(time.Now())

	return lm.svc.GetJob(ctx, jobID)
}

func (lm *loggingMiddleware) ListJobs(ctx context.Context, offset, limit uint64) (resp job.Page, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("offset", offset),
			slog.Uint64("limit", limit),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List jobs failed", args...)

			return
		}
		lm.logger.Info("List jobs completed successfully", args...)
	}(time.Now())

	return lm.svc.ListJobs(ctx, offset, limit)
}

func (lm *loggingMiddleware) AssignChunk(ctx context.Context, jobID, workerID string) (resp coordinator.Assignment, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
			slog.Group("worker",
				slog.String("id", workerID),
			),
			slog.Int("chunk_index", resp.ChunkIndex),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Assign chunk failed", args...)

			return
		}
		lm.logger.Info("Assign chunk completed successfully", args...)
	}(time.Now())

	return lm.svc.AssignChunk(ctx, jobID, workerID)
}

func (lm *loggingMiddleware) CompleteChunk(ctx context.Context, jobID, workerID string, chunkIndex int) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
			slog.Group("worker",
				slog.String("id", workerID),
			),
			slog.Int("chunk_index", chunkIndex),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Complete chunk failed", args...)

			return
		}
		lm.logger.Info("Complete chunk completed successfully", args...)
	}(time.Now())

	return lm.svc.CompleteChunk(ctx, jobID, workerID, chunkIndex)
}

func (lm *loggingMiddleware) ReclaimAbandoned(ctx context.Context, jobID string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Reclaim abandoned chunks failed", args...)

			return
		}
		lm.logger.Info("Reclaim abandoned chunks completed successfully", args...)
	}(time.Now())

	return lm.svc.ReclaimAbandoned(ctx, jobID)
}

func (lm *loggingMiddleware) SubmitUpdate(ctx context.Context, sub fedavg.Submission) (resp coordinator.SubmitResult, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("submission",
				slog.String("job_id", sub.JobID),
				slog.String("worker_id", sub.WorkerID),
				slog.Int("round", sub.Round),
				slog.Int("num_examples", sub.NumExamples),
			),
			slog.Bool("stale", resp.Stale),
			slog.Bool("aggregated", resp.ShouldAggregate),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit update failed", args...)

			return
		}
		lm.logger.Info("Submit update completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitUpdate(ctx, sub)
}

func (lm *loggingMiddleware) LatestCheckpoint(ctx context.Context, jobID string) (resp checkpoint.Version, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
			slog.Int("version", resp.Version),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get latest checkpoint failed", args...)

			return
		}
		lm.logger.Info("Get latest checkpoint completed successfully", args...)
	}(time.Now())

	return lm.svc.LatestCheckpoint(ctx, jobID)
}

func (lm *loggingMiddleware) ListCheckpoints(ctx context.Context, jobID string) (resp []checkpoint.Version, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("job",
				slog.String("id", jobID),
			),
			slog.Int("versions", len(resp)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List checkpoints failed", args...)

			return
		}
		lm.logger.Info("List checkpoints completed successfully", args...)
	}(time.Now())

	return lm.svc.ListCheckpoints(ctx, jobID)
}

func (lm *loggingMiddleware) SweepLiveness(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Liveness sweep failed", args...)

			return
		}
	}(time.Now())

	return lm.svc.SweepLiveness(ctx)
}

func (lm *loggingMiddleware) ScanRounds(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Round scan failed", args...)

			return
		}
	}(time.Now())

	return lm.svc.ScanRounds(ctx)
}
