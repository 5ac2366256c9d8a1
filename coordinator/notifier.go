package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/retry"
	"github.com/aiondist/fedtune/worker"
)

const reloadPath = "/v1/models/reload"

type reloadRequest struct {
	Version    int    `json:"version"`
	StorageKey string `json:"storage_key"`
}

type reloadResponse struct {
	Status  string `json:"status"`
	Version int    `json:"version"`
}

// notifyWorkers pushes a freshly published checkpoint to every Healthy
// worker of the job's model class that still serves an older version.
// Pushes are best effort; a worker that misses one catches up via the
// MQTT announcement or its next assignment.
func (svc *service) notifyWorkers(ctx context.Context, j job.Job, v checkpoint.Version) {
	if degraded, err := svc.checkpoints.Degraded(ctx, j.ID, v.Version, j.ModelType); err == nil && degraded {
		return
	}

	all, err := svc.listAllWorkers(ctx)
	if err != nil {
		svc.logger.Warn("failed to list workers for reload push",
			slog.String("job_id", j.ID),
			slog.Any("error", err),
		)

		return
	}

	for _, w := range all {
		if w.Status != worker.Healthy || w.Capabilities.ModelID != j.ModelType || w.ModelVersion >= v.Version {
			continue
		}
		go svc.pushReload(ctx, w.ID, j.ID, v)
	}
}

// pushReload drives the hot-reload protocol against one worker with
// retries. A "kept-previous" reply counts toward the per-class degrade
// threshold; transport failures only retry.
func (svc *service) pushReload(ctx context.Context, workerID, jobID string, v checkpoint.Version) {
	resp, err := retry.Do(ctx, svc.tuning.ReloadRetries, time.Second, func() (reloadResponse, error) {
		w, err := svc.GetWorker(ctx, workerID)
		if err != nil {
			return reloadResponse{}, retry.Fatal(err)
		}
		if w.Status == worker.Offline {
			return reloadResponse{}, retry.Fatal(errors.ErrReloadFailed)
		}

		return svc.postReload(ctx, w.Endpoint, v)
	})
	if err != nil {
		svc.logger.Warn("reload push failed",
			slog.String("worker_id", workerID),
			slog.String("job_id", jobID),
			slog.Int("version", v.Version),
			slog.Any("error", err),
		)

		return
	}

	switch resp.Status {
	case "success":
		w, err := svc.GetWorker(ctx, workerID)
		if err != nil {
			return
		}
		if v.Version > w.ModelVersion {
			w.ModelVersion = v.Version
			w.LastReloadError = ""
			if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
				svc.logger.Warn("failed to record reloaded version",
					slog.String("worker_id", workerID),
					slog.Any("error", err),
				)
			}
		}
		svc.logger.Info("worker reloaded checkpoint",
			slog.String("worker_id", workerID),
			slog.String("job_id", jobID),
			slog.Int("version", v.Version),
		)
	case "kept-previous":
		w, err := svc.GetWorker(ctx, workerID)
		if err != nil {
			return
		}
		w.LastReloadError = fmt.Sprintf("kept previous version, refused %d", v.Version)
		if err := svc.workersDB.Update(ctx, w.ID, w); err == nil {
			svc.recordReloadFailure(ctx, jobID, v.Version, w.Capabilities.ModelID)
		}
		svc.logger.Warn("worker kept previous checkpoint",
			slog.String("worker_id", workerID),
			slog.String("job_id", jobID),
			slog.Int("version", v.Version),
			slog.Int("kept_version", resp.Version),
		)
	}
}

func (svc *service) postReload(ctx context.Context, endpoint string, v checkpoint.Version) (reloadResponse, error) {
	body, err := json.Marshal(reloadRequest{Version: v.Version, StorageKey: v.StorageKey})
	if err != nil {
		return reloadResponse{}, retry.Fatal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+reloadPath, bytes.NewReader(body))
	if err != nil {
		return reloadResponse{}, retry.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := svc.httpc.Do(req)
	if err != nil {
		return reloadResponse{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return reloadResponse{}, stderrors.Join(errors.ErrReloadFailed, fmt.Errorf("unexpected status %d", httpResp.StatusCode))
	}

	var resp reloadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return reloadResponse{}, err
	}

	return resp, nil
}

// recordReloadFailure counts load refusals per (job, version, model
// class). Once the threshold is crossed, the version is marked degraded
// for that class and reload pushes to it stop; workers of other classes
// are unaffected.
func (svc *service) recordReloadFailure(ctx context.Context, jobID string, version int, class string) {
	key := fmt.Sprintf("%s/%d/%s", jobID, version, class)

	svc.mu.Lock()
	svc.reloadFailures[key]++
	count := svc.reloadFailures[key]
	svc.mu.Unlock()

	if count != svc.tuning.DegradeThreshold {
		return
	}

	if err := svc.checkpoints.MarkDegraded(ctx, jobID, version, class); err != nil {
		svc.logger.Warn("failed to mark checkpoint degraded",
			slog.String("job_id", jobID),
			slog.Int("version", version),
			slog.String("class", class),
			slog.Any("error", err),
		)

		return
	}

	svc.logger.Warn("checkpoint marked degraded",
		slog.String("job_id", jobID),
		slog.Int("version", version),
		slog.String("class", class),
		slog.Int("failures", count),
	)
}
