package fedavg

import "time"

// Submission is one worker's contribution to one aggregation round.
// NumExamples is the weighting basis; LocalLoss is informational only.
type Submission struct {
	JobID       string               `json:"job_id"`
	WorkerID    string               `json:"worker_id"`
	Round       int                  `json:"round"`
	NumExamples int                  `json:"num_examples"`
	Weights     map[string][]float64 `json:"weights"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	LocalLoss   float64              `json:"local_loss"`
	ReceivedAt  time.Time            `json:"received_at"`
}

// Result is the outcome of aggregating one round.
type Result struct {
	Weights       map[string][]float64 `json:"weights"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	TotalExamples int                  `json:"total_examples"`
	Contributors  []string             `json:"contributors"`
	MeanLocalLoss float64              `json:"mean_local_loss"`
}
