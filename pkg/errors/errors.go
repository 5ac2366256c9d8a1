package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEntityExists = errors.New("entity already exists")

	ErrUnknownWorker       = errors.New("unknown worker")
	ErrInvalidCapabilities = errors.New("invalid worker capabilities")
	ErrNoEligibleWorker    = errors.New("no eligible worker")
	ErrNoPendingChunks     = errors.New("no pending chunks")
	ErrStaleSubmission     = errors.New("stale submission")
	ErrAggregationFailed   = errors.New("aggregation failed")
	ErrPublishFailed       = errors.New("checkpoint publish failed")
	ErrReloadFailed        = errors.New("model reload failed")
)
