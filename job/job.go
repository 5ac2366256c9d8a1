package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/aiondist/fedtune/pkg/errors"
)

type State uint8

const (
	Pending State = iota
	Running
	Aggregating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Aggregating:
		return "aggregating"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch strings.ToLower(str) {
	case "pending":
		*s = Pending
	case "running":
		*s = Running
	case "aggregating":
		*s = Aggregating
	case "completed":
		*s = Completed
	case "failed":
		*s = Failed
	default:
		return errors.ErrInvalidData
	}

	return nil
}

type ChunkState uint8

const (
	ChunkUnassigned ChunkState = iota
	ChunkAssigned
	ChunkDone
)

// Chunk is one partition of the training dataset. A chunk is held by at
// most one worker at a time and is returned to the unassigned pool when
// its holder goes silent.
type Chunk struct {
	Index      int        `json:"index"`
	State      ChunkState `json:"state"`
	WorkerID   string     `json:"worker_id,omitempty"`
	AssignedAt time.Time  `json:"assigned_at,omitzero"`
}

// Job is one federated fine-tuning job. CurrentVersion starts at 0 and
// advances by exactly one per successfully closed aggregation round.
type Job struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ModelType       string         `json:"model_type"`
	TotalChunks     int            `json:"total_chunks"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	State           State          `json:"state"`
	CurrentVersion  int            `json:"current_version"`
	Chunks          []Chunk        `json:"chunks"`
	RoundFailures   int            `json:"round_failures,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (j Job) Validate() error {
	if j.Name == "" || j.ModelType == "" {
		return errors.ErrInvalidData
	}
	if j.TotalChunks < 1 {
		return errors.ErrInvalidData
	}

	return nil
}

// NextChunk returns the lowest-index chunk that is neither assigned nor
// completed.
func (j Job) NextChunk() (int, bool) {
	for i := range j.Chunks {
		if j.Chunks[i].State == ChunkUnassigned {
			return i, true
		}
	}

	return 0, false
}

// ChunksDone reports whether every chunk has been completed.
func (j Job) ChunksDone() bool {
	for i := range j.Chunks {
		if j.Chunks[i].State != ChunkDone {
			return false
		}
	}

	return true
}

type Page struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
	Total  uint64 `json:"total"`
	Jobs   []Job  `json:"jobs"`
}
