package worker

import (
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/aiondist/fedtune/pkg/errors"
)

type Status uint8

const (
	Pending Status = iota
	Healthy
	Unhealthy
	Offline
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch strings.ToLower(str) {
	case "pending":
		*s = Pending
	case "healthy":
		*s = Healthy
	case "unhealthy":
		*s = Unhealthy
	case "offline":
		*s = Offline
	default:
		return errors.ErrInvalidData
	}

	return nil
}

// Capabilities is the hardware and model snapshot a worker reports at
// registration. ModelID and Accelerator are required.
type Capabilities struct {
	ModelID       string   `json:"model_id"`
	Accelerator   string   `json:"accelerator"`
	VRAMGB        float64  `json:"vram_gb,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Features      []string `json:"features,omitempty"`
}

func (c Capabilities) Validate() error {
	if c.ModelID == "" || c.Accelerator == "" {
		return errors.ErrInvalidCapabilities
	}

	return nil
}

// Worker is one remote compute node. Records are never deleted: extended
// silence moves a worker to Offline, which excludes it from selection but
// keeps the record for audit.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Provider        string       `json:"provider"`
	Endpoint        string       `json:"endpoint"`
	Capabilities    Capabilities `json:"capabilities"`
	Status          Status       `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	CurrentJobID    string       `json:"current_job_id,omitempty"`
	CurrentChunk    int          `json:"current_chunk,omitempty"`
	ModelVersion    int          `json:"model_version"`
	LastReloadError string       `json:"last_reload_error,omitempty"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

func (w Worker) Validate() error {
	u, err := url.Parse(w.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.ErrInvalidData
	}

	return w.Capabilities.Validate()
}

// Busy reports whether the worker currently holds a dispatched chunk.
func (w Worker) Busy() bool {
	return w.CurrentJobID != ""
}

type Filter struct {
	ModelID  string
	MinVRAM  float64
	Feature  string
	FreeOnly bool
}

func (w Worker) Matches(f Filter) bool {
	if w.Status != Healthy {
		return false
	}
	if f.ModelID != "" && w.Capabilities.ModelID != f.ModelID {
		return false
	}
	if f.MinVRAM > 0 && w.Capabilities.VRAMGB < f.MinVRAM {
		return false
	}
	if f.Feature != "" && !slices.Contains(w.Capabilities.Features, f.Feature) {
		return false
	}
	if f.FreeOnly && w.Busy() {
		return false
	}

	return true
}

type Page struct {
	Offset  uint64   `json:"offset"`
	Limit   uint64   `json:"limit"`
	Total   uint64   `json:"total"`
	Workers []Worker `json:"workers"`
}
