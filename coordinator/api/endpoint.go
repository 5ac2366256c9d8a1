package api

import (
	"context"
	"errors"

	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"

	"github.com/aiondist/fedtune/coordinator"
	pkgerrors "github.com/aiondist/fedtune/pkg/errors"
)

func registerWorkerEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(registerWorkerReq)
		if !ok {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		w, err := svc.RegisterWorker(ctx, req.Worker)
		if err != nil {
			return workerResponse{}, err
		}

		return workerResponse{
			Worker:     w,
			registered: true,
		}, nil
	}
}

func heartbeatEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(heartbeatReq)
		if !ok {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		w, err := svc.Heartbeat(ctx, req.workerID, coordinator.HealthReport{
			ModelVersion:  req.ModelVersion,
			FailedJobID:   req.FailedJobID,
			FailedVersion: req.FailedVersion,
			ReloadError:   req.ReloadError,
		})
		if err != nil {
			return workerResponse{}, err
		}

		return workerResponse{
			Worker: w,
		}, nil
	}
}

func getWorkerEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return workerResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		w, err := svc.GetWorker(ctx, req.id)
		if err != nil {
			return workerResponse{}, err
		}

		return workerResponse{
			Worker: w,
		}, nil
	}
}

func listWorkersEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return listWorkerResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return listWorkerResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		page, err := svc.ListWorkers(ctx, req.offset, req.limit)
		if err != nil {
			return listWorkerResponse{}, err
		}

		return listWorkerResponse{
			Page: page,
		}, nil
	}
}

func createJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(createJobReq)
		if !ok {
			return jobResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return jobResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		j, err := svc.CreateJob(ctx, req.Job)
		if err != nil {
			return jobResponse{}, err
		}

		return jobResponse{
			Job:     j,
			created: true,
		}, nil
	}
}

func getJobEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return jobResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return jobResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		j, err := svc.GetJob(ctx, req.id)
		if err != nil {
			return jobResponse{}, err
		}

		return jobResponse{
			Job: j,
		}, nil
	}
}

func listJobsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return listJobResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return listJobResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		page, err := svc.ListJobs(ctx, req.offset, req.limit)
		if err != nil {
			return listJobResponse{}, err
		}

		return listJobResponse{
			Page: page,
		}, nil
	}
}

func assignChunkEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(assignChunkReq)
		if !ok {
			return assignmentResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return assignmentResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		a, err := svc.AssignChunk(ctx, req.jobID, req.workerID)
		switch {
		case errors.Is(err, pkgerrors.ErrNoPendingChunks), errors.Is(err, pkgerrors.ErrNoEligibleWorker):
			return assignmentResponse{none: true}, nil
		case err != nil:
			return assignmentResponse{}, err
		}

		return assignmentResponse{
			Assignment: a,
		}, nil
	}
}

func completeChunkEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(completeChunkReq)
		if !ok {
			return completeResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return completeResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.CompleteChunk(ctx, req.jobID, req.WorkerID, req.chunkIndex); err != nil {
			return completeResponse{}, err
		}

		return completeResponse{}, nil
	}
}

func submitUpdateEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(submitUpdateReq)
		if !ok {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		sub := req.Submission
		sub.JobID = req.jobID
		res, err := svc.SubmitUpdate(ctx, sub)
		if err != nil {
			return submitResponse{}, err
		}

		return submitResponse{
			SubmitResult: res,
		}, nil
	}
}

func latestCheckpointEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return checkpointResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return checkpointResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		v, err := svc.LatestCheckpoint(ctx, req.id)
		if err != nil {
			return checkpointResponse{}, err
		}

		return checkpointResponse{
			Version: v,
		}, nil
	}
}

func listCheckpointsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(entityReq)
		if !ok {
			return listCheckpointResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return listCheckpointResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		versions, err := svc.ListCheckpoints(ctx, req.id)
		if err != nil {
			return listCheckpointResponse{}, err
		}

		return listCheckpointResponse{
			Versions: versions,
		}, nil
	}
}
