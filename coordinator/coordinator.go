package coordinator

import (
	"context"
	"time"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/worker"
)

// HealthReport is the optional payload a worker attaches to a heartbeat:
// the model version it currently serves and, when a hot reload was
// refused, which version failed and why.
type HealthReport struct {
	ModelVersion  int    `json:"model_version,omitempty"`
	FailedJobID   string `json:"failed_job_id,omitempty"`
	FailedVersion int    `json:"failed_version,omitempty"`
	ReloadError   string `json:"reload_error,omitempty"`
}

// Assignment is one chunk handed to one worker.
type Assignment struct {
	ChunkIndex   int    `json:"chunk_index"`
	DataLocation string `json:"data_location"`
}

// SubmitResult reports how a gradient submission was handled. Stale
// submissions are accepted and ignored rather than erroring, so slow
// stragglers never see failures.
type SubmitResult struct {
	Accepted        bool `json:"accepted"`
	Stale           bool `json:"stale"`
	ShouldAggregate bool `json:"should_aggregate"`
	Round           int  `json:"round"`
}

type Service interface {
	RegisterWorker(ctx context.Context, w worker.Worker) (worker.Worker, error)
	Heartbeat(ctx context.Context, workerID string, report HealthReport) (worker.Worker, error)
	GetWorker(ctx context.Context, workerID string) (worker.Worker, error)
	ListWorkers(ctx context.Context, offset, limit uint64) (worker.Page, error)
	SelectHealthy(ctx context.Context, f worker.Filter) ([]worker.Worker, error)

	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, jobID string) (job.Job, error)
	ListJobs(ctx context.Context, offset, limit uint64) (job.Page, error)
	AssignChunk(ctx context.Context, jobID, workerID string) (Assignment, error)
	CompleteChunk(ctx context.Context, jobID, workerID string, chunkIndex int) error
	ReclaimAbandoned(ctx context.Context, jobID string) error

	SubmitUpdate(ctx context.Context, sub fedavg.Submission) (SubmitResult, error)
	LatestCheckpoint(ctx context.Context, jobID string) (checkpoint.Version, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]checkpoint.Version, error)

	// SweepLiveness and ScanRounds are the periodic maintenance passes;
	// they are exposed so the background loops and tests drive the same
	// code path.
	SweepLiveness(ctx context.Context) error
	ScanRounds(ctx context.Context) error
}

// Tuning collects the coordinator's policy knobs. None of these are hard
// contracts; they are loaded from the tuning file at startup.
type Tuning struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	OfflineThreshold  int
	SweepInterval     time.Duration
	ChunkTimeout      time.Duration
	RoundDeadline     time.Duration
	QuorumFraction    float64
	MaxRoundFailures  int
	ReloadTimeout     time.Duration
	ReloadRetries     uint
	PublishRetries    uint
	DegradeThreshold  int
}

func DefaultTuning() Tuning {
	return Tuning{
		HeartbeatInterval: 30 * time.Second,
		MissThreshold:     3,
		OfflineThreshold:  10,
		SweepInterval:     10 * time.Second,
		ChunkTimeout:      10 * time.Minute,
		RoundDeadline:     5 * time.Minute,
		QuorumFraction:    1.0,
		MaxRoundFailures:  3,
		ReloadTimeout:     30 * time.Second,
		ReloadRetries:     3,
		PublishRetries:    3,
		DegradeThreshold:  3,
	}
}
