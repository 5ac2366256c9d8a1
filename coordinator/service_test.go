package coordinator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/pkg/mqtt"
	"github.com/aiondist/fedtune/pkg/storage"
	"github.com/aiondist/fedtune/worker"
)

type mockPubSub struct {
	published map[string]any
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{published: make(map[string]any)}
}

func (m *mockPubSub) Publish(_ context.Context, topic string, msg any) error {
	m.published[topic] = msg

	return nil
}

func (m *mockPubSub) Subscribe(_ context.Context, _ string, _ mqtt.Handler) error {
	return nil
}

func (m *mockPubSub) Unsubscribe(_ context.Context, _ string) error {
	return nil
}

func (m *mockPubSub) Disconnect(_ context.Context) error {
	return nil
}

func testTuning() Tuning {
	t := DefaultTuning()
	t.HeartbeatInterval = 100 * time.Millisecond
	t.MissThreshold = 2
	t.OfflineThreshold = 5
	t.ChunkTimeout = 200 * time.Millisecond
	t.RoundDeadline = time.Minute
	t.DegradeThreshold = 2

	return t
}

func newTestService(t *testing.T, tuning Tuning) (*service, *mockPubSub) {
	t.Helper()

	store, err := checkpoint.NewFSStore(t.TempDir())
	require.NoError(t, err)

	pubsub := newMockPubSub()
	svc := NewService(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		checkpoint.NewManager(store),
		pubsub,
		tuning,
		slog.New(slog.DiscardHandler),
	)

	return svc.(*service), pubsub
}

func testWorker(modelID string) worker.Worker {
	return worker.Worker{
		Endpoint: "http://10.0.0.5:8081",
		Capabilities: worker.Capabilities{
			ModelID:     modelID,
			Accelerator: "a100",
		},
	}
}

func registerHealthy(t *testing.T, svc *service, modelID string) worker.Worker {
	t.Helper()

	ctx := context.Background()
	w, err := svc.RegisterWorker(ctx, testWorker(modelID))
	require.NoError(t, err)
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)
	require.Equal(t, worker.Healthy, w.Status)

	return w
}

func createJob(t *testing.T, svc *service, chunks int) job.Job {
	t.Helper()

	j, err := svc.CreateJob(context.Background(), job.Job{
		Name:        "tune-llama",
		ModelType:   "llama-3-8b",
		TotalChunks: chunks,
	})
	require.NoError(t, err)

	return j
}

func TestRegisterWorker(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w, err := svc.RegisterWorker(ctx, testWorker("llama-3-8b"))
	require.NoError(t, err)

	assert.NotEmpty(t, w.ID)
	assert.NotEmpty(t, w.Name)
	assert.Equal(t, worker.Pending, w.Status)
	assert.Zero(t, w.ModelVersion)
	assert.False(t, w.RegisteredAt.IsZero())

	_, err = svc.RegisterWorker(ctx, worker.Worker{Endpoint: "not a url"})
	assert.Error(t, err)
}

func TestHeartbeatTransitions(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w, err := svc.RegisterWorker(ctx, testWorker("llama-3-8b"))
	require.NoError(t, err)

	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)
	assert.Equal(t, worker.Healthy, w.Status)

	w.Status = worker.Unhealthy
	require.NoError(t, svc.workersDB.Update(ctx, w.ID, w))
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)
	assert.Equal(t, worker.Healthy, w.Status)

	// Offline is terminal: heartbeats keep the record fresh but never
	// readmit the worker.
	w.Status = worker.Offline
	require.NoError(t, svc.workersDB.Update(ctx, w.ID, w))
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)
	assert.Equal(t, worker.Offline, w.Status)

	_, err = svc.Heartbeat(ctx, "no-such-worker", HealthReport{})
	assert.ErrorIs(t, err, errors.ErrUnknownWorker)
}

func TestHeartbeatModelVersionMonotonic(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w := registerHealthy(t, svc, "llama-3-8b")

	w, err := svc.Heartbeat(ctx, w.ID, HealthReport{ModelVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, w.ModelVersion)

	// A lower reported version never rolls the record back.
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{ModelVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, w.ModelVersion)
}

func TestSweepLiveness(t *testing.T) {
	tuning := testTuning()
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	w := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	a, err := svc.AssignChunk(ctx, j.ID, w.ID)
	require.NoError(t, err)
	require.Equal(t, 0, a.ChunkIndex)

	// Quiet past the miss threshold but not the offline grace.
	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	w.LastHeartbeatAt = time.Now().Add(-3 * tuning.HeartbeatInterval)
	require.NoError(t, svc.workersDB.Update(ctx, w.ID, w))

	require.NoError(t, svc.SweepLiveness(ctx))
	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.Unhealthy, w.Status)
	assert.Equal(t, j.ID, w.CurrentJobID)

	// Quiet past the offline grace: terminal state and the chunk is
	// returned to the pool.
	w.LastHeartbeatAt = time.Now().Add(-10 * tuning.HeartbeatInterval)
	require.NoError(t, svc.workersDB.Update(ctx, w.ID, w))

	require.NoError(t, svc.SweepLiveness(ctx))
	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.Offline, w.Status)
	assert.Empty(t, w.CurrentJobID)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkUnassigned, j.Chunks[0].State)
	assert.Empty(t, j.Chunks[0].WorkerID)

	// Second sweep is a no-op: the chunk was reclaimed exactly once.
	require.NoError(t, svc.SweepLiveness(ctx))
	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkUnassigned, j.Chunks[0].State)
}

func TestAssignChunk(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	j := createJob(t, svc, 2)

	_, err := svc.AssignChunk(ctx, j.ID, "")
	assert.ErrorIs(t, err, errors.ErrNoEligibleWorker)

	w1 := registerHealthy(t, svc, "llama-3-8b")
	w2 := registerHealthy(t, svc, "llama-3-8b")

	a1, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a1.ChunkIndex)
	assert.Contains(t, a1.DataLocation, j.ID)

	// Busy workers are not redispatched.
	_, err = svc.AssignChunk(ctx, j.ID, w1.ID)
	assert.ErrorIs(t, err, errors.ErrNoEligibleWorker)

	a2, err := svc.AssignChunk(ctx, j.ID, w2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a2.ChunkIndex)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Running, j.State)

	w3 := registerHealthy(t, svc, "llama-3-8b")
	_, err = svc.AssignChunk(ctx, j.ID, w3.ID)
	assert.ErrorIs(t, err, errors.ErrNoPendingChunks)
}

func TestAssignChunkModelMismatch(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	j := createJob(t, svc, 1)
	w := registerHealthy(t, svc, "mistral-7b")

	_, err := svc.AssignChunk(ctx, j.ID, "")
	assert.ErrorIs(t, err, errors.ErrNoEligibleWorker)

	// Naming the worker explicitly does not bypass the capability filter.
	_, err = svc.AssignChunk(ctx, j.ID, w.ID)
	assert.ErrorIs(t, err, errors.ErrNoEligibleWorker)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkUnassigned, j.Chunks[0].State)
}

func TestCompleteChunkIdempotent(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	_, err := svc.AssignChunk(ctx, j.ID, w.ID)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteChunk(ctx, j.ID, w.ID, 0))
	require.NoError(t, svc.CompleteChunk(ctx, j.ID, w.ID, 0))

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkDone, j.Chunks[0].State)

	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, w.CurrentJobID)

	assert.ErrorIs(t, svc.CompleteChunk(ctx, j.ID, w.ID, 5), errors.ErrInvalidData)
}

func TestReclaimAbandoned(t *testing.T) {
	tuning := testTuning()
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	w := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	_, err := svc.AssignChunk(ctx, j.ID, w.ID)
	require.NoError(t, err)

	// Fresh assignment is not reclaimed.
	require.NoError(t, svc.ReclaimAbandoned(ctx, j.ID))
	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkAssigned, j.Chunks[0].State)

	j.Chunks[0].AssignedAt = time.Now().Add(-2 * tuning.ChunkTimeout)
	require.NoError(t, svc.jobsDB.Update(ctx, j.ID, j))

	require.NoError(t, svc.ReclaimAbandoned(ctx, j.ID))
	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ChunkUnassigned, j.Chunks[0].State)

	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, w.CurrentJobID)
}

func submission(jobID, workerID string, round, examples int) fedavg.Submission {
	return fedavg.Submission{
		JobID:       jobID,
		WorkerID:    workerID,
		Round:       round,
		NumExamples: examples,
		Weights:     map[string][]float64{"lora_A": {1.0, 2.0}},
		LocalLoss:   0.5,
	}
}

func TestSubmitUpdateQuorumClosesRound(t *testing.T) {
	svc, pubsub := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	w2 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)
	_, err = svc.AssignChunk(ctx, j.ID, w2.ID)
	require.NoError(t, err)

	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.ShouldAggregate)

	res, err = svc.SubmitUpdate(ctx, submission(j.ID, w2.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.ShouldAggregate)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, j.CurrentVersion)
	assert.Zero(t, j.RoundFailures)

	v, err := svc.LatestCheckpoint(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.ElementsMatch(t, []string{w1.ID, w2.ID}, v.ContributingWorkers)
	assert.Equal(t, 100, v.TotalExamples)

	assert.Contains(t, pubsub.published, "fl/jobs/"+j.ID+"/checkpoints")
}

func TestSubmitUpdateStale(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)

	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	require.True(t, res.ShouldAggregate)

	// The round moved to version 1; a resend for round 0 is accepted but
	// ignored.
	res, err = svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.False(t, res.Accepted)
	assert.Equal(t, 1, res.Round)

	v, err := svc.LatestCheckpoint(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
}

func TestSubmitUpdateUndispatchedDoesNotCountTowardQuorum(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	w3 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)

	// w3 holds no chunk; its submission is accepted for aggregation but
	// cannot substitute for the dispatched worker in the quorum.
	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w3.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.ShouldAggregate)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, j.CurrentVersion)

	res, err = svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.ShouldAggregate)

	v, err := svc.LatestCheckpoint(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.ElementsMatch(t, []string{w1.ID, w3.ID}, v.ContributingWorkers)
}

type failingObjectStore struct{}

func (failingObjectStore) Put(_ context.Context, _ string, _ []byte) error {
	return stderrors.New("disk full")
}

func (failingObjectStore) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.ErrNotFound
}

func TestSubmitUpdatePublishFailureIsRoundLevel(t *testing.T) {
	tuning := testTuning()
	tuning.PublishRetries = 1
	svc := NewService(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		checkpoint.NewManager(failingObjectStore{}),
		newMockPubSub(),
		tuning,
		slog.New(slog.DiscardHandler),
	).(*service)
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)

	// The submission was accepted and recorded; the failed publish is a
	// round outcome, not the submitter's error.
	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.ShouldAggregate)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, j.CurrentVersion)
	assert.Equal(t, 1, j.RoundFailures)
	assert.Equal(t, job.Running, j.State)
}

func TestReclaimAbandonedDropsRoundExpectation(t *testing.T) {
	tuning := testTuning()
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	w2 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)
	_, err = svc.AssignChunk(ctx, j.ID, w2.ID)
	require.NoError(t, err)

	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	require.False(t, res.ShouldAggregate)

	// w2 abandons its chunk; reclaiming it releases the round from
	// waiting on w2 and the remaining contributor satisfies the quorum.
	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	j.Chunks[1].AssignedAt = time.Now().Add(-2 * tuning.ChunkTimeout)
	require.NoError(t, svc.jobsDB.Update(ctx, j.ID, j))

	require.NoError(t, svc.ReclaimAbandoned(ctx, j.ID))

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, j.CurrentVersion)
	assert.Equal(t, job.ChunkUnassigned, j.Chunks[1].State)

	v, err := svc.LatestCheckpoint(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{w1.ID}, v.ContributingWorkers)
}

func TestSubmitUpdateValidation(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	sub := submission(j.ID, w1.ID, 0, 0)
	_, err := svc.SubmitUpdate(ctx, sub)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = svc.SubmitUpdate(ctx, submission(j.ID, "ghost", 0, 10))
	assert.ErrorIs(t, err, errors.ErrUnknownWorker)
}

func TestScanRoundsDeadlineWithSubmissions(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	w2 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)
	_, err = svc.AssignChunk(ctx, j.ID, w2.ID)
	require.NoError(t, err)

	_, err = svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)

	r, ok := svc.openRound(j.ID)
	require.True(t, ok)
	r.deadline = time.Now().Add(-time.Second)

	require.NoError(t, svc.ScanRounds(ctx))

	// Deadline closes the round with whatever arrived.
	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, j.CurrentVersion)

	v, err := svc.LatestCheckpoint(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{w1.ID}, v.ContributingWorkers)
}

func TestScanRoundsDeadlineWithoutSubmissions(t *testing.T) {
	tuning := testTuning()
	tuning.MaxRoundFailures = 2
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 2)

	for i := 0; i < 2; i++ {
		_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
		require.NoError(t, err)

		r, ok := svc.openRound(j.ID)
		require.True(t, ok)
		r.deadline = time.Now().Add(-time.Second)

		require.NoError(t, svc.ScanRounds(ctx))

		j, err = svc.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, j.RoundFailures)
		assert.Zero(t, j.CurrentVersion)

		// Free the worker again for the next iteration.
		w, err := svc.GetWorker(ctx, w1.ID)
		require.NoError(t, err)
		w.CurrentJobID = ""
		require.NoError(t, svc.workersDB.Update(ctx, w.ID, w))
		j.Chunks[0].State = job.ChunkUnassigned
		j.Chunks[0].WorkerID = ""
		require.NoError(t, svc.jobsDB.Update(ctx, j.ID, j))
	}

	j, err := svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Failed, j.State)
}

func TestRoundClosesWhenLastChunkDone(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	w1 := registerHealthy(t, svc, "llama-3-8b")
	j := createJob(t, svc, 1)

	_, err := svc.AssignChunk(ctx, j.ID, w1.ID)
	require.NoError(t, err)
	require.NoError(t, svc.CompleteChunk(ctx, j.ID, w1.ID, 0))

	res, err := svc.SubmitUpdate(ctx, submission(j.ID, w1.ID, 0, 50))
	require.NoError(t, err)
	require.True(t, res.ShouldAggregate)

	j, err = svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Completed, j.State)
}

func TestPushReloadSuccess(t *testing.T) {
	svc, _ := newTestService(t, testTuning())
	ctx := context.Background()

	var got reloadRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, reloadPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(reloadResponse{Status: "success", Version: got.Version})
	}))
	defer ts.Close()

	w, err := svc.RegisterWorker(ctx, worker.Worker{
		Endpoint: ts.URL,
		Capabilities: worker.Capabilities{
			ModelID:     "llama-3-8b",
			Accelerator: "a100",
		},
	})
	require.NoError(t, err)
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)

	v := checkpoint.Version{JobID: "job-1", Version: 2, StorageKey: "job-job-1/version-2"}
	svc.pushReload(ctx, w.ID, "job-1", v)

	assert.Equal(t, 2, got.Version)
	assert.Equal(t, v.StorageKey, got.StorageKey)

	w, err = svc.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, w.ModelVersion)
	assert.Empty(t, w.LastReloadError)
}

func TestPushReloadKeptPreviousMarksDegraded(t *testing.T) {
	tuning := testTuning()
	tuning.DegradeThreshold = 2
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(reloadResponse{Status: "kept-previous", Version: 1})
	}))
	defer ts.Close()

	w, err := svc.RegisterWorker(ctx, worker.Worker{
		Endpoint: ts.URL,
		Capabilities: worker.Capabilities{
			ModelID:     "llama-3-8b",
			Accelerator: "a100",
		},
	})
	require.NoError(t, err)
	w, err = svc.Heartbeat(ctx, w.ID, HealthReport{})
	require.NoError(t, err)

	v, err := svc.checkpoints.Publish(ctx, "job-1", fedavg.Result{
		Weights:       map[string][]float64{"lora_A": {1.0}},
		TotalExamples: 50,
		Contributors:  []string{w.ID},
	})
	require.NoError(t, err)

	// Refusals below the threshold leave the version loadable.
	svc.pushReload(ctx, w.ID, "job-1", v)
	degraded, err := svc.checkpoints.Degraded(ctx, "job-1", v.Version, "llama-3-8b")
	require.NoError(t, err)
	assert.False(t, degraded)

	svc.pushReload(ctx, w.ID, "job-1", v)
	degraded, err = svc.checkpoints.Degraded(ctx, "job-1", v.Version, "llama-3-8b")
	require.NoError(t, err)
	assert.True(t, degraded)

	// Other compatibility classes are untouched.
	degraded, err = svc.checkpoints.Degraded(ctx, "job-1", v.Version, "mistral-7b")
	require.NoError(t, err)
	assert.False(t, degraded)
}

func TestHeartbeatReloadErrorCountsTowardDegrade(t *testing.T) {
	tuning := testTuning()
	tuning.DegradeThreshold = 2
	svc, _ := newTestService(t, tuning)
	ctx := context.Background()

	w := registerHealthy(t, svc, "llama-3-8b")
	_, err := svc.checkpoints.Publish(ctx, "job-1", fedavg.Result{
		Weights:       map[string][]float64{"lora_A": {1.0}},
		TotalExamples: 50,
		Contributors:  []string{w.ID},
	})
	require.NoError(t, err)

	report := HealthReport{
		FailedJobID:   "job-1",
		FailedVersion: 1,
		ReloadError:   "shape mismatch",
	}
	updated, err := svc.Heartbeat(ctx, w.ID, report)
	require.NoError(t, err)
	assert.Equal(t, "shape mismatch", updated.LastReloadError)

	_, err = svc.Heartbeat(ctx, w.ID, report)
	require.NoError(t, err)

	degraded, err := svc.checkpoints.Degraded(ctx, "job-1", 1, "llama-3-8b")
	require.NoError(t, err)
	assert.True(t, degraded)
}
