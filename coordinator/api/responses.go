package api

import (
	"net/http"

	"github.com/absmach/supermq"

	"github.com/aiondist/fedtune/coordinator"
	"github.com/aiondist/fedtune/job"
	"github.com/aiondist/fedtune/pkg/checkpoint"
	"github.com/aiondist/fedtune/worker"
)

var (
	_ supermq.Response = (*workerResponse)(nil)
	_ supermq.Response = (*listWorkerResponse)(nil)
	_ supermq.Response = (*jobResponse)(nil)
	_ supermq.Response = (*listJobResponse)(nil)
	_ supermq.Response = (*assignmentResponse)(nil)
	_ supermq.Response = (*completeResponse)(nil)
	_ supermq.Response = (*submitResponse)(nil)
	_ supermq.Response = (*checkpointResponse)(nil)
	_ supermq.Response = (*listCheckpointResponse)(nil)
)

type workerResponse struct {
	worker.Worker
	registered bool
}

func (w workerResponse) Code() int {
	if w.registered {
		return http.StatusCreated
	}

	return http.StatusOK
}

func (w workerResponse) Headers() map[string]string {
	if w.registered {
		return map[string]string{
			"Location": "/workers/" + w.ID,
		}
	}

	return map[string]string{}
}

func (w workerResponse) Empty() bool {
	return false
}

type listWorkerResponse struct {
	worker.Page
}

func (l listWorkerResponse) Code() int {
	return http.StatusOK
}

func (l listWorkerResponse) Headers() map[string]string {
	return map[string]string{}
}

func (l listWorkerResponse) Empty() bool {
	return false
}

type jobResponse struct {
	job.Job
	created bool
}

func (j jobResponse) Code() int {
	if j.created {
		return http.StatusCreated
	}

	return http.StatusOK
}

func (j jobResponse) Headers() map[string]string {
	if j.created {
		return map[string]string{
			"Location": "/jobs/" + j.ID,
		}
	}

	return map[string]string{}
}

func (j jobResponse) Empty() bool {
	return false
}

type listJobResponse struct {
	job.Page
}

func (l listJobResponse) Code() int {
	return http.StatusOK
}

func (l listJobResponse) Headers() map[string]string {
	return map[string]string{}
}

func (l listJobResponse) Empty() bool {
	return false
}

// assignmentResponse answers 204 when the job has no pending chunks, so
// a polling worker can tell "no work right now" apart from an error.
type assignmentResponse struct {
	coordinator.Assignment
	none bool
}

func (a assignmentResponse) Code() int {
	if a.none {
		return http.StatusNoContent
	}

	return http.StatusOK
}

func (a assignmentResponse) Headers() map[string]string {
	return map[string]string{}
}

func (a assignmentResponse) Empty() bool {
	return a.none
}

type completeResponse struct{}

func (c completeResponse) Code() int {
	return http.StatusOK
}

func (c completeResponse) Headers() map[string]string {
	return map[string]string{}
}

func (c completeResponse) Empty() bool {
	return true
}

type submitResponse struct {
	coordinator.SubmitResult
}

func (s submitResponse) Code() int {
	return http.StatusAccepted
}

func (s submitResponse) Headers() map[string]string {
	return map[string]string{}
}

func (s submitResponse) Empty() bool {
	return false
}

type checkpointResponse struct {
	checkpoint.Version
}

func (c checkpointResponse) Code() int {
	return http.StatusOK
}

func (c checkpointResponse) Headers() map[string]string {
	return map[string]string{}
}

func (c checkpointResponse) Empty() bool {
	return false
}

type listCheckpointResponse struct {
	Versions []checkpoint.Version `json:"versions"`
}

func (l listCheckpointResponse) Code() int {
	return http.StatusOK
}

func (l listCheckpointResponse) Headers() map[string]string {
	return map[string]string{}
}

func (l listCheckpointResponse) Empty() bool {
	return false
}
