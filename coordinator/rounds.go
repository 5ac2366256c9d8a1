package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/pkg/retry"
)

// round is the in-flight collection state for one (job, version) pair.
// At most one round per job is open at a time; all access happens under
// the job's lock.
type round struct {
	jobID    string
	number   int
	openedAt time.Time
	deadline time.Time

	expected map[string]struct{}
	subs     map[string]fedavg.Submission
	order    []string
}

func (r *round) expect(workerID string) {
	r.expected[workerID] = struct{}{}
}

func (r *round) drop(workerID string) {
	delete(r.expected, workerID)
}

// add records a submission, replacing any prior one from the same worker
// without double-counting and without changing its arrival position.
func (r *round) add(sub fedavg.Submission) {
	if _, ok := r.subs[sub.WorkerID]; !ok {
		r.order = append(r.order, sub.WorkerID)
	}
	r.subs[sub.WorkerID] = sub
}

// submissions returns the accepted contributions in arrival order, so
// aggregation over the same round is deterministic.
func (r *round) submissions() []fedavg.Submission {
	out := make([]fedavg.Submission, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}

	return out
}

// quorumMet counts only contributions from workers the round actually
// expects. Submissions from undispatched workers are kept for
// aggregation but never substitute for a dispatched worker's gradient.
func (r *round) quorumMet(fraction float64) bool {
	if len(r.expected) == 0 {
		return false
	}
	need := int(math.Ceil(fraction * float64(len(r.expected))))
	if need < 1 {
		need = 1
	}

	var got int
	for id := range r.subs {
		if _, ok := r.expected[id]; ok {
			got++
		}
	}

	return got >= need
}

func (svc *service) ensureRound(jobID string, number int) *round {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	r, ok := svc.rounds[jobID]
	if !ok || r.number != number {
		now := time.Now()
		r = &round{
			jobID:    jobID,
			number:   number,
			openedAt: now,
			deadline: now.Add(svc.tuning.RoundDeadline),
			expected: make(map[string]struct{}),
			subs:     make(map[string]fedavg.Submission),
		}
		svc.rounds[jobID] = r
	}

	return r
}

func (svc *service) openRound(jobID string) (*round, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	r, ok := svc.rounds[jobID]

	return r, ok
}

func (svc *service) dropRound(jobID string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	delete(svc.rounds, jobID)
}

// SubmitUpdate accepts one worker's weighted contribution for a round. A
// submission for a past round is accepted as stale and ignored for
// aggregation. When the submission completes the quorum, the round is
// closed and a new checkpoint version published before returning.
func (svc *service) SubmitUpdate(ctx context.Context, sub fedavg.Submission) (SubmitResult, error) {
	lock := svc.jobLock(sub.JobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := svc.GetJob(ctx, sub.JobID)
	if err != nil {
		return SubmitResult{}, err
	}
	if _, err := svc.GetWorker(ctx, sub.WorkerID); err != nil {
		return SubmitResult{}, err
	}
	if sub.NumExamples <= 0 || len(sub.Weights) == 0 {
		return SubmitResult{}, errors.ErrInvalidData
	}

	if sub.Round != j.CurrentVersion {
		svc.logger.Info("ignoring stale submission",
			slog.String("job_id", sub.JobID),
			slog.String("worker_id", sub.WorkerID),
			slog.Int("round", sub.Round),
			slog.Int("current_version", j.CurrentVersion),
		)

		return SubmitResult{Stale: true, Round: j.CurrentVersion}, nil
	}

	r := svc.ensureRound(j.ID, j.CurrentVersion)
	sub.ReceivedAt = time.Now()
	r.add(sub)

	res := SubmitResult{Accepted: true, Round: sub.Round}
	if r.quorumMet(svc.tuning.QuorumFraction) {
		res.ShouldAggregate = true
		// The submission is already recorded; a failed close is a
		// round-level outcome (tracked via RoundFailures), not the
		// submitter's error.
		if _, err := svc.closeRoundLocked(ctx, j, r); err != nil {
			svc.logger.Warn("failed to close round on quorum",
				slog.String("job_id", j.ID),
				slog.Int("round", r.number),
				slog.Any("error", err),
			)
		}
	}

	return res, nil
}

// ScanRounds closes every open round whose deadline has elapsed: with at
// least one submission it aggregates, with none it fails the round.
func (svc *service) ScanRounds(ctx context.Context) error {
	svc.mu.Lock()
	var expired []string
	now := time.Now()
	for jobID, r := range svc.rounds {
		if now.After(r.deadline) {
			expired = append(expired, jobID)
		}
	}
	svc.mu.Unlock()

	for _, jobID := range expired {
		lock := svc.jobLock(jobID)
		lock.Lock()

		r, ok := svc.openRound(jobID)
		if !ok || !time.Now().After(r.deadline) {
			lock.Unlock()

			continue
		}

		j, err := svc.GetJob(ctx, jobID)
		if err != nil {
			lock.Unlock()

			return err
		}

		if len(r.subs) > 0 {
			_, err = svc.closeRoundLocked(ctx, j, r)
		} else {
			err = svc.failRoundLocked(ctx, j, r)
		}
		lock.Unlock()
		if err != nil {
			svc.logger.Warn("round deadline handling failed",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// closeRoundLocked aggregates the round's submissions, publishes the
// result as the next checkpoint version and advances the job version.
// Caller holds the job lock.
func (svc *service) closeRoundLocked(ctx context.Context, j job.Job, r *round) (checkpoint.Version, error) {
	j.State = job.Aggregating
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return checkpoint.Version{}, err
	}

	res, err := fedavg.Aggregate(r.submissions())
	if err != nil {
		return checkpoint.Version{}, svc.roundFailed(ctx, j, r, err)
	}

	v, err := retry.Do(ctx, svc.tuning.PublishRetries, 500*time.Millisecond, func() (checkpoint.Version, error) {
		return svc.checkpoints.Publish(ctx, j.ID, res)
	})
	if err != nil {
		return checkpoint.Version{}, svc.roundFailed(ctx, j, r, stderrors.Join(errors.ErrPublishFailed, err))
	}

	j.CurrentVersion = v.Version
	j.RoundFailures = 0
	j.State = job.Running
	if j.ChunksDone() {
		j.State = job.Completed
	}
	j.UpdatedAt = time.Now()
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return checkpoint.Version{}, err
	}
	svc.dropRound(j.ID)

	svc.logger.Info("aggregation round closed",
		slog.String("job_id", j.ID),
		slog.Int("version", v.Version),
		slog.Int("contributors", len(v.ContributingWorkers)),
		slog.Int("total_examples", v.TotalExamples),
		slog.Float64("mean_local_loss", v.MeanLocalLoss),
	)

	svc.announce(ctx, v)
	go svc.notifyWorkers(context.WithoutCancel(ctx), j, v)

	return v, nil
}

// failRoundLocked closes a round that reached its deadline with zero
// contributions. The job keeps running until consecutive round failures
// exhaust the budget. Caller holds the job lock.
func (svc *service) failRoundLocked(ctx context.Context, j job.Job, r *round) error {
	return svc.roundFailed(ctx, j, r, stderrors.Join(errors.ErrAggregationFailed, stderrors.New("no contributions")))
}

func (svc *service) roundFailed(ctx context.Context, j job.Job, r *round, cause error) error {
	svc.dropRound(j.ID)

	j.RoundFailures++
	j.State = job.Running
	if j.RoundFailures >= svc.tuning.MaxRoundFailures {
		j.State = job.Failed
	}
	j.UpdatedAt = time.Now()
	if err := svc.jobsDB.Update(ctx, j.ID, j); err != nil {
		return stderrors.Join(cause, err)
	}

	svc.logger.Warn("aggregation round failed",
		slog.String("job_id", j.ID),
		slog.Int("round", r.number),
		slog.Int("consecutive_failures", j.RoundFailures),
		slog.Any("error", cause),
	)

	return cause
}

func (svc *service) announce(ctx context.Context, v checkpoint.Version) {
	if svc.pubsub == nil {
		return
	}

	topic := fmt.Sprintf("fl/jobs/%s/checkpoints", v.JobID)
	msg := map[string]any{
		"job_id":      v.JobID,
		"version":     v.Version,
		"storage_key": v.StorageKey,
	}
	if err := svc.pubsub.Publish(ctx, topic, msg); err != nil {
		svc.logger.Warn("failed to announce checkpoint",
			slog.String("job_id", v.JobID),
			slog.Int("version", v.Version),
			slog.Any("error", err),
		)
	}
}
