package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aiondist/fedtune/coordinator"
	"github.com/aiondist/fedtune/pkg/api"
)

const workerIDKey = "worker_id"

func MakeHandler(svc coordinator.Service, logger *slog.Logger, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Route("/workers", func(r chi.Router) {
		r.Post("/register", otelhttp.NewHandler(kithttp.NewServer(
			registerWorkerEndpoint(svc),
			decodeRegisterWorkerReq,
			api.EncodeResponse,
			opts...,
		), "register-worker").ServeHTTP)
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listWorkersEndpoint(svc),
			decodeListEntityReq,
			api.EncodeResponse,
			opts...,
		), "list-workers").ServeHTTP)
		r.Route("/{workerID}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getWorkerEndpoint(svc),
				decodeEntityReq("workerID"),
				api.EncodeResponse,
				opts...,
			), "get-worker").ServeHTTP)
			r.Post("/heartbeat", otelhttp.NewHandler(kithttp.NewServer(
				heartbeatEndpoint(svc),
				decodeHeartbeatReq,
				api.EncodeResponse,
				opts...,
			), "heartbeat").ServeHTTP)
		})
	})

	mux.Route("/jobs", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			createJobEndpoint(svc),
			decodeCreateJobReq,
			api.EncodeResponse,
			opts...,
		), "create-job").ServeHTTP)
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listJobsEndpoint(svc),
			decodeListEntityReq,
			api.EncodeResponse,
			opts...,
		), "list-jobs").ServeHTTP)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getJobEndpoint(svc),
				decodeEntityReq("jobID"),
				api.EncodeResponse,
				opts...,
			), "get-job").ServeHTTP)
			r.Get("/chunks/next", otelhttp.NewHandler(kithttp.NewServer(
				assignChunkEndpoint(svc),
				decodeAssignChunkReq,
				api.EncodeResponse,
				opts...,
			), "assign-chunk").ServeHTTP)
			r.Post("/chunks/{chunkIndex}/complete", otelhttp.NewHandler(kithttp.NewServer(
				completeChunkEndpoint(svc),
				decodeCompleteChunkReq,
				api.EncodeResponse,
				opts...,
			), "complete-chunk").ServeHTTP)
			r.Post("/gradients", otelhttp.NewHandler(kithttp.NewServer(
				submitUpdateEndpoint(svc),
				decodeSubmitUpdateReq,
				api.EncodeResponse,
				opts...,
			), "submit-gradients").ServeHTTP)
			r.Get("/checkpoints", otelhttp.NewHandler(kithttp.NewServer(
				listCheckpointsEndpoint(svc),
				decodeEntityReq("jobID"),
				api.EncodeResponse,
				opts...,
			), "list-checkpoints").ServeHTTP)
			r.Get("/checkpoints/latest", otelhttp.NewHandler(kithttp.NewServer(
				latestCheckpointEndpoint(svc),
				decodeEntityReq("jobID"),
				api.EncodeResponse,
				opts...,
			), "latest-checkpoint").ServeHTTP)
		})
	})

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeEntityReq(key string) kithttp.DecodeRequestFunc {
	return func(_ context.Context, r *http.Request) (any, error) {
		return entityReq{
			id: chi.URLParam(r, key),
		}, nil
	}
}

func decodeRegisterWorkerReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req registerWorkerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeHeartbeatReq(_ context.Context, r *http.Request) (any, error) {
	var req heartbeatReq
	// The heartbeat body is optional; a bare POST is a plain liveness ping.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.Join(err, apiutil.ErrValidation)
		}
	}
	req.workerID = chi.URLParam(r, "workerID")

	return req, nil
}

func decodeListEntityReq(_ context.Context, r *http.Request) (any, error) {
	o, err := apiutil.ReadNumQuery[uint64](r, api.OffsetKey, api.DefOffset)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	l, err := apiutil.ReadNumQuery[uint64](r, api.LimitKey, api.DefLimit)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	return listEntityReq{
		offset: o,
		limit:  l,
	}, nil
}

func decodeCreateJobReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeAssignChunkReq(_ context.Context, r *http.Request) (any, error) {
	return assignChunkReq{
		jobID:    chi.URLParam(r, "jobID"),
		workerID: r.URL.Query().Get(workerIDKey),
	}, nil
}

func decodeCompleteChunkReq(_ context.Context, r *http.Request) (any, error) {
	idx, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	var req completeChunkReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}
	req.jobID = chi.URLParam(r, "jobID")
	req.chunkIndex = idx

	return req, nil
}

// decodeSubmitUpdateReq accepts gradient submissions as JSON or CBOR.
// CBOR roughly halves the wire size of large weight arrays, which
// matters for workers pushing adapters over slow links.
func decodeSubmitUpdateReq(_ context.Context, r *http.Request) (any, error) {
	var req submitUpdateReq

	ct := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, api.ContentTypeCBOR):
		if err := cbor.NewDecoder(r.Body).Decode(&req.Submission); err != nil {
			return nil, errors.Join(err, apiutil.ErrValidation)
		}
	case strings.Contains(ct, api.ContentType):
		if err := json.NewDecoder(r.Body).Decode(&req.Submission); err != nil {
			return nil, errors.Join(err, apiutil.ErrValidation)
		}
	default:
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}
	req.jobID = chi.URLParam(r, "jobID")

	return req, nil
}
