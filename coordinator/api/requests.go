package api

import (
	apiutil "github.com/absmach/supermq/api/http/util"

	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/fedavg"
	"github.com/aiondist/fedtune/worker"
)

type registerWorkerReq struct {
	worker.Worker `json:",inline"`
}

func (r *registerWorkerReq) validate() error {
	if r.Endpoint == "" {
		return apiutil.ErrMissingID
	}

	return r.Worker.Validate()
}

type heartbeatReq struct {
	workerID      string
	ModelVersion  int    `json:"model_version,omitempty"`
	FailedJobID   string `json:"failed_job_id,omitempty"`
	FailedVersion int    `json:"failed_version,omitempty"`
	ReloadError   string `json:"reload_error,omitempty"`
}

func (r *heartbeatReq) validate() error {
	if r.workerID == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type entityReq struct {
	id string
}

func (e *entityReq) validate() error {
	if e.id == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type listEntityReq struct {
	offset, limit uint64
}

func (e *listEntityReq) validate() error {
	return nil
}

type createJobReq struct {
	job.Job `json:",inline"`
}

func (r *createJobReq) validate() error {
	if r.Name == "" {
		return apiutil.ErrMissingName
	}

	return r.Job.Validate()
}

type assignChunkReq struct {
	jobID    string
	workerID string
}

func (r *assignChunkReq) validate() error {
	if r.jobID == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type completeChunkReq struct {
	jobID      string
	chunkIndex int
	WorkerID   string `json:"worker_id"`
}

func (r *completeChunkReq) validate() error {
	if r.jobID == "" || r.WorkerID == "" {
		return apiutil.ErrMissingID
	}
	if r.chunkIndex < 0 {
		return errors.ErrInvalidData
	}

	return nil
}

type submitUpdateReq struct {
	jobID string
	fedavg.Submission
}

func (r *submitUpdateReq) validate() error {
	if r.jobID == "" || r.WorkerID == "" {
		return apiutil.ErrMissingID
	}
	if r.NumExamples <= 0 || len(r.Weights) == 0 {
		return errors.ErrInvalidData
	}

	return nil
}
