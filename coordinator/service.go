package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/mqtt"
	"github.com/aiondist/fedtune/pkg/storage"
	"github.com/aiondist/fedtune/worker"
)

const (
	defOffset = 0
	defLimit  = 100
)

var namegen = namegenerator.NewGenerator()

type service struct {
	workersDB   storage.Storage
	jobsDB      storage.Storage
	checkpoints *checkpoint.Manager
	pubsub      mqtt.PubSub
	httpc       *http.Client
	logger      *slog.Logger
	tuning      Tuning

	// mu guards rounds, jobLocks and reloadFailures. Per-job mutexes
	// serialize dispatch, aggregation and publication for one job; they
	// are always acquired before mu, never inside it.
	mu             sync.Mutex
	rounds         map[string]*round
	jobLocks       map[string]*sync.Mutex
	reloadFailures map[string]int
}

func NewService(workersDB, jobsDB storage.Storage, checkpoints *checkpoint.Manager, pubsub mqtt.PubSub, tuning Tuning, logger *slog.Logger) Service {
	return &service{
		workersDB:   workersDB,
		jobsDB:      jobsDB,
		checkpoints: checkpoints,
		pubsub:      pubsub,
		httpc:       &http.Client{Timeout: tuning.ReloadTimeout},
		logger:      logger,
		tuning:      tuning,

		rounds:         make(map[string]*round),
		jobLocks:       make(map[string]*sync.Mutex),
		reloadFailures: make(map[string]int),
	}
}

func (svc *service) jobLock(jobID string) *sync.Mutex {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	l, ok := svc.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		svc.jobLocks[jobID] = l
	}

	return l
}

func (svc *service) RegisterWorker(ctx context.Context, w worker.Worker) (worker.Worker, error) {
	if err := w.Validate(); err != nil {
		return worker.Worker{}, err
	}

	w.ID = uuid.NewString()
	if w.Name == "" {
		w.Name = namegen.Generate()
	}
	w.Status = worker.Pending
	w.ModelVersion = 0
	w.CurrentJobID = ""
	now := time.Now()
	w.RegisteredAt = now
	w.LastHeartbeatAt = now

	if err := svc.workersDB.Create(ctx, w.ID, w); err != nil {
		return worker.Worker{}, err
	}

	return w, nil
}

func (svc *service) Heartbeat(ctx context.Context, workerID string, report HealthReport) (worker.Worker, error) {
	w, err := svc.GetWorker(ctx, workerID)
	if err != nil {
		return worker.Worker{}, err
	}

	w.LastHeartbeatAt = time.Now()
	// Offline is terminal for selection: a worker that went dark long
	// enough to be reclaimed must register again.
	if w.Status == worker.Pending || w.Status == worker.Unhealthy {
		w.Status = worker.Healthy
	}
	if report.ModelVersion > w.ModelVersion {
		w.ModelVersion = report.ModelVersion
		w.LastReloadError = ""
	}
	if report.ReloadError != "" {
		w.LastReloadError = report.ReloadError
		if report.FailedJobID != "" && report.FailedVersion > 0 {
			svc.recordReloadFailure(ctx, report.FailedJobID, report.FailedVersion, w.Capabilities.ModelID)
		}
	}

	if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
		return worker.Worker{}, err
	}

	return w, nil
}

func (svc *service) GetWorker(ctx context.Context, workerID string) (worker.Worker, error) {
	data, err := svc.workersDB.Get(ctx, workerID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return worker.Worker{}, errors.ErrUnknownWorker
		}

		return worker.Worker{}, err
	}
	w, ok := data.(worker.Worker)
	if !ok {
		return worker.Worker{}, errors.ErrInvalidData
	}

	return w, nil
}

func (svc *service) ListWorkers(ctx context.Context, offset, limit uint64) (worker.Page, error) {
	data, total, err := svc.workersDB.List(ctx, offset, limit)
	if err != nil {
		return worker.Page{}, err
	}
	workers := make([]worker.Worker, 0, len(data))
	for i := range data {
		w, ok := data[i].(worker.Worker)
		if !ok {
			return worker.Page{}, errors.ErrInvalidData
		}
		workers = append(workers, w)
	}

	return worker.Page{
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Workers: workers,
	}, nil
}

// SelectHealthy returns Healthy workers matching the filter, freshest
// heartbeat first, to bias dispatch toward currently-responsive workers.
func (svc *service) SelectHealthy(ctx context.Context, f worker.Filter) ([]worker.Worker, error) {
	all, err := svc.listAllWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []worker.Worker
	for _, w := range all {
		if w.Matches(f) {
			eligible = append(eligible, w)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastHeartbeatAt.After(eligible[j].LastHeartbeatAt)
	})

	return eligible, nil
}

func (svc *service) listAllWorkers(ctx context.Context) ([]worker.Worker, error) {
	var all []worker.Worker
	for offset := uint64(0); ; offset += defLimit {
		page, err := svc.ListWorkers(ctx, offset, defLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Workers...)
		if offset+defLimit >= page.Total {
			break
		}
	}

	return all, nil
}

func (svc *service) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}

	j.ID = uuid.NewString()
	j.State = job.Pending
	j.CurrentVersion = 0
	j.Chunks = make([]job.Chunk, j.TotalChunks)
	for i := range j.Chunks {
		j.Chunks[i] = job.Chunk{Index: i}
	}
	j.CreatedAt = time.Now()
	j.UpdatedAt = j.CreatedAt

	if err := svc.jobsDB.Create(ctx, j.ID, j); err != nil {
		return job.Job{}, err
	}

	return j, nil
}

func (svc *service) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	data, err := svc.jobsDB.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	j, ok := data.(job.Job)
	if !ok {
		return job.Job{}, errors.ErrInvalidData
	}

	return j, nil
}

func (svc *service) ListJobs(ctx context.Context, offset, limit uint64) (job.Page, error) {
	data, total, err := svc.jobsDB.List(ctx, offset, limit)
	if err != nil {
		return job.Page{}, err
	}
	jobs := make([]job.Job, 0, len(data))
	for i := range data {
		j, ok := data[i].(job.Job)
		if !ok {
			return job.Page{}, errors.ErrInvalidData
		}
		jobs = append(jobs, j)
	}

	return job.Page{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Jobs:   jobs,
	}, nil
}

// AssignChunk hands the lowest-index unassigned chunk of the job to the
// given worker, or to the freshest free Healthy worker matching the job's
// model when workerID is empty.
func (svc *service) AssignChunk(ctx context.Context, jobID, workerID string) (Assignment, error) {
	lock := svc.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := svc.GetJob(ctx, jobID)
	if err != nil {
		return Assignment{}, err
	}
	if j.State == job.Completed || j.State == job.Failed {
		return Assignment{}, errors.ErrNoPendingChunks
	}

	var w worker.Worker
	switch workerID {
	case "":
		eligible, err := svc.SelectHealthy(ctx, worker.Filter{ModelID: j.ModelType, FreeOnly: true})
		if err != nil {
			return Assignment{}, err
		}
		if len(eligible) == 0 {
			return Assignment{}, errors.ErrNoEligibleWorker
		}
		w = eligible[0]
	default:
		w, err = svc.GetWorker(ctx, workerID)
		if err != nil {
			return Assignment{}, err
		}
		if !w.Matches(worker.Filter{ModelID: j.ModelType, FreeOnly: true}) {
			return Assignment{}, errors.ErrNoEligibleWorker
		}
	}

	idx, ok := j.NextChunk()
	if !ok {
		return Assignment{}, errors.ErrNoPendingChunks
	}

	now := time.Now()
	j.Chunks[idx].State = job.ChunkAssigned
	j.Chunks[idx].WorkerID = w.ID
	j.Chunks[idx].AssignedAt = now
	if j.State == job.Pending {
		j.State = job.Running
	}
	j.UpdatedAt = now
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return Assignment{}, err
	}

	w.CurrentJobID = j.ID
	w.CurrentChunk = idx
	if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
		return Assignment{}, err
	}

	r := svc.ensureRound(j.ID, j.CurrentVersion)
	r.expect(w.ID)

	return Assignment{
		ChunkIndex:   idx,
		DataLocation: fmt.Sprintf("/datasets/chunks/job-%s/chunk-%d.jsonl", j.ID, idx),
	}, nil
}

// CompleteChunk marks a chunk done and frees its worker. Repeated calls
// for an already-completed chunk are no-ops.
func (svc *service) CompleteChunk(ctx context.Context, jobID, workerID string, chunkIndex int) error {
	lock := svc.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := svc.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if chunkIndex < 0 || chunkIndex >= len(j.Chunks) {
		return errors.ErrInvalidData
	}
	if j.Chunks[chunkIndex].State == job.ChunkDone {
		return nil
	}

	j.Chunks[chunkIndex].State = job.ChunkDone
	j.Chunks[chunkIndex].WorkerID = workerID
	j.UpdatedAt = time.Now()
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return err
	}

	w, err := svc.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.CurrentJobID == jobID && w.CurrentChunk == chunkIndex {
		w.CurrentJobID = ""
		w.CurrentChunk = 0
		if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
			return err
		}
	}

	return nil
}

// ReclaimAbandoned returns chunks whose holder has produced nothing
// within the chunk timeout to the unassigned pool.
func (svc *service) ReclaimAbandoned(ctx context.Context, jobID string) error {
	lock := svc.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	return svc.reclaimAbandonedLocked(ctx, jobID)
}

func (svc *service) reclaimAbandonedLocked(ctx context.Context, jobID string) error {
	j, err := svc.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	var reclaimed []string
	for i := range j.Chunks {
		c := &j.Chunks[i]
		if c.State != job.ChunkAssigned || now.Sub(c.AssignedAt) <= svc.tuning.ChunkTimeout {
			continue
		}

		holder := c.WorkerID
		c.State = job.ChunkUnassigned
		c.WorkerID = ""
		c.AssignedAt = time.Time{}
		reclaimed = append(reclaimed, holder)

		svc.logger.Warn("reclaimed abandoned chunk",
			slog.String("job_id", jobID),
			slog.Int("chunk_index", i),
			slog.String("worker_id", holder),
		)

		if w, err := svc.GetWorker(ctx, holder); err == nil && w.CurrentJobID == jobID && w.CurrentChunk == i {
			w.CurrentJobID = ""
			w.CurrentChunk = 0
			if err := svc.workersDB.Update(ctx, w.ID, w); err != nil {
				return err
			}
		}
	}
	if len(reclaimed) == 0 {
		return nil
	}

	j.UpdatedAt = now
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return err
	}

	// Abandoning workers are no longer expected to contribute; the
	// remaining contributors may now satisfy the quorum.
	if r, ok := svc.openRound(jobID); ok {
		for _, holder := range reclaimed {
			r.drop(holder)
		}
		if len(r.subs) > 0 && r.quorumMet(svc.tuning.QuorumFraction) {
			if _, err := svc.closeRoundLocked(ctx, j, r); err != nil {
				svc.logger.Warn("failed to close round after chunk reclaim",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}

	return nil
}

func (svc *service) LatestCheckpoint(ctx context.Context, jobID string) (checkpoint.Version, error) {
	return svc.checkpoints.Latest(ctx, jobID)
}

func (svc *service) ListCheckpoints(ctx context.Context, jobID string) ([]checkpoint.Version, error) {
	return svc.checkpoints.List(ctx, jobID)
}
