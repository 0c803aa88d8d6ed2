// pkg/schema/events.go
package schema

// JobKind identifies the analysis workload a job carries.
type JobKind string

const (
	KindSequenceAnalysis   JobKind = "sequence-analysis"
	KindProteinAnalysis    JobKind = "protein-analysis"
	KindMicrobiomeAnalysis JobKind = "microbiome-analysis"
	KindQuantumAnalysis    JobKind = "quantum-analysis"
	KindFederatedLearning  JobKind = "federated-learning"
)

// JobState is the lifecycle state of a job. Completed, Failed and Cancelled
// are terminal; a job never leaves a terminal state.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// AttemptOutcome classifies a single strategy attempt against one item.
type AttemptOutcome string

const (
	OutcomeSuccess       AttemptOutcome = "success"
	OutcomeLowConfidence AttemptOutcome = "low_confidence"
	OutcomeError         AttemptOutcome = "error"
)

// ErrorCode is the failure taxonomy carried on events and item results.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "validation"
	ErrCodeStrategy   ErrorCode = "strategy"
	ErrCodeItem       ErrorCode = "item"
	ErrCodeJobFault   ErrorCode = "job_fault"
	ErrCodeStaleRound ErrorCode = "stale_round"
)

// Item is one unit of input processed independently within a job,
// typically one sequence record.
type Item struct {
	ID         string            `json:"id"`
	Sequence   string            `json:"sequence,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AttemptRecord summarizes one strategy attempt for diagnostics. Confidence
// is only meaningful on success/low_confidence outcomes.
type AttemptRecord struct {
	Strategy   string         `json:"strategy"`
	Outcome    AttemptOutcome `json:"outcome"`
	Confidence float64        `json:"confidence,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  ErrorCode      `json:"error_code,omitempty"`
}

// ItemResult is the final per-item outcome. Status is "ok" when some strategy
// produced a usable classification and "error" when none did.
type ItemResult struct {
	Index      int               `json:"index"`
	Status     string            `json:"status"`
	Label      string            `json:"label,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Attempts   []AttemptRecord   `json:"attempts,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  ErrorCode         `json:"error_code,omitempty"`
}

const (
	ItemStatusOK    = "ok"
	ItemStatusError = "error"
)

// FederatedConfig fixes the quorum and round budget for a federated session.
type FederatedConfig struct {
	MinClients int `json:"min_clients"`
	MaxRounds  int `json:"max_rounds"`
	ModelSize  int `json:"model_size,omitempty"`
}

// JobConfig is the per-submission configuration. Zero values fall back to
// engine defaults; Strategies is the ordered waterfall (order matters).
type JobConfig struct {
	Strategies      []string         `json:"strategies,omitempty"`
	Threshold       float64          `json:"threshold,omitempty"`
	HighPriority    bool             `json:"high_priority,omitempty"`
	ItemConcurrency int              `json:"item_concurrency,omitempty"`
	Federated       *FederatedConfig `json:"federated,omitempty"`
}

// SubmitRequest is the bus payload asking the engine to create a job.
// RequestID is echoed back on the JobAccepted event so callers can correlate.
type SubmitRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Kind      JobKind   `json:"kind"`
	Items     []Item    `json:"items"`
	Config    JobConfig `json:"config"`
}

// JobAccepted acknowledges a SubmitRequest with the assigned job ID, or an
// error when the submission was rejected.
type JobAccepted struct {
	RequestID  string    `json:"request_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	HappenedAt int64     `json:"happened_at"`
}

// CancelRequest asks the engine to cooperatively cancel a job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// ContributionRequest delivers one client's model update for a federated round.
type ContributionRequest struct {
	JobID      string    `json:"job_id"`
	Round      int       `json:"round"`
	ClientID   string    `json:"client_id"`
	Update     []float64 `json:"update"`
	NumSamples int       `json:"num_samples,omitempty"`
}

// JobLifecycleEvent is published on every job state transition.
type JobLifecycleEvent struct {
	JobID          string    `json:"job_id"`
	Kind           JobKind   `json:"kind"`
	State          JobState  `json:"state"`
	Stage          string    `json:"stage,omitempty"`
	CompletedItems int       `json:"completed_items"`
	TotalItems     int       `json:"total_items"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      ErrorCode `json:"error_code,omitempty"`
	HappenedAt     int64     `json:"happened_at"`
}

// ItemCompletedEvent is published when one item reaches its final result.
type ItemCompletedEvent struct {
	JobID          string    `json:"job_id"`
	Index          int       `json:"index"`
	Status         string    `json:"status"`
	Strategy       string    `json:"strategy,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	ErrorCode      ErrorCode `json:"error_code,omitempty"`
	CompletedItems int       `json:"completed_items"`
	TotalItems     int       `json:"total_items"`
	HappenedAt     int64     `json:"happened_at"`
}

// RoundClosedEvent is published when a federated round closes, whether by
// aggregation or by being flagged at session end without reaching quorum.
type RoundClosedEvent struct {
	JobID         string    `json:"job_id"`
	Round         int       `json:"round"`
	Contributions int       `json:"contributions"`
	QuorumReached bool      `json:"quorum_reached"`
	GlobalUpdate  []float64 `json:"global_update,omitempty"`
	HappenedAt    int64     `json:"happened_at"`
}
