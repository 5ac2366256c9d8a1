package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/worker"
)

// SweepLiveness walks the registry and applies the heartbeat state
// machine: responsive workers that went quiet become Unhealthy, and
// workers quiet past the offline grace become Offline with their held
// chunk returned to the pool. Worker records are never deleted.
func (svc *service) SweepLiveness(ctx context.Context) error {
	all, err := svc.listAllWorkers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	unhealthyAfter := svc.tuning.HeartbeatInterval * time.Duration(svc.tuning.MissThreshold)
	offlineAfter := svc.tuning.HeartbeatInterval * time.Duration(svc.tuning.OfflineThreshold)

	for _, w := range all {
		silent := now.Sub(w.LastHeartbeatAt)

		switch w.Status {
		case worker.Pending, worker.Healthy:
			if silent <= unhealthyAfter {
				continue
			}
			w.Status = worker.Unhealthy
			if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
				return err
			}
			svc.logger.Warn("worker became unhealthy",
				slog.String("worker_id", w.ID),
				slog.String("name", w.Name),
				slog.Duration("silent_for", silent),
			)
		case worker.Unhealthy:
			if silent <= offlineAfter {
				continue
			}
			if err := svc.markOffline(ctx, w); err != nil {
				return err
			}
		case worker.Offline:
		}
	}

	return nil
}

// markOffline transitions a worker to Offline and releases its chunk
// exactly once. Offline is terminal for selection: the worker must
// register again to receive work.
func (svc *service) markOffline(ctx context.Context, w worker.Worker) error {
	heldJob := w.CurrentJobID

	w.Status = worker.Offline
	w.CurrentJobID = ""
	w.CurrentChunk = 0
	if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
		return err
	}

	svc.logger.Warn("worker went offline",
		slog.String("worker_id", w.ID),
		slog.String("name", w.Name),
		slog.String("held_job", heldJob),
	)

	if heldJob == "" {
		return nil
	}

	lock := svc.jobLock(heldJob)
	lock.Lock()
	defer lock.Unlock()

	j, err := svc.GetJob(ctx, heldJob)
	if err != nil {
		return err
	}

	changed := false
	for i := range j.Chunks {
		c := &j.Chunks[i]
		if c.State == job.ChunkAssigned && c.WorkerID == w.ID {
			c.State = job.ChunkUnassigned
			c.WorkerID = ""
			c.AssignedAt = time.Time{}
			changed = true
		}
	}
	if changed {
		j.UpdatedAt = time.Now()
		if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
			return err
		}
	}

	// The worker is no longer expected to contribute this round; the
	// remaining contributors may now satisfy the quorum.
	if r, ok := svc.openRound(heldJob); ok {
		r.drop(w.ID)
		if len(r.subs) > 0 && r.quorumMet(svc.tuning.QuorumFraction) {
			if _, err := svc.closeRoundLocked(ctx, j, r); err != nil {
				svc.logger.Warn("failed to close round after worker loss",
					slog.String("job_id", heldJob),
					slog.Any("error", err),
				)
			}
		}
	}

	return nil
}

// Maintain runs the periodic maintenance passes until the context is
// cancelled: the liveness sweep, the round deadline scan and chunk
// reclamation for every active job.
func Maintain(ctx context.Context, svc Service, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := svc.SweepLiveness(ctx); err != nil {
				logger.Warn("liveness sweep failed", slog.Any("error", err))
			}
			if err := svc.ScanRounds(ctx); err != nil {
				logger.Warn("round scan failed", slog.Any("error", err))
			}
			if err := reclaimActive(ctx, svc); err != nil {
				logger.Warn("chunk reclamation failed", slog.Any("error", err))
			}
		}
	}
}

func reclaimActive(ctx context.Context, svc Service) error {
	for offset := uint64(0); ; offset += defLimit {
		page, err := svc.ListJobs(ctx, offset, defLimit)
		if err != nil {
			return err
		}
		for _, j := range page.Jobs {
			if j.State == job.Completed || j.State == job.Failed {
				continue
			}
			if err := svc.ReclaimAbandoned(ctx, j.ID); err != nil {
				return err
			}
		}
		if offset+defLimit >= page.Total {
			return nil
		}
	}
}
