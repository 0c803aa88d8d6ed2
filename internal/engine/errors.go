package engine

import (
	"errors"

	"github.com/biolens/analysis-engine/internal/federated"
	"github.com/biolens/analysis-engine/pkg/schema"
)

// ErrUnknownJob is returned for lookups of a job ID the manager never issued.
var ErrUnknownJob = errors.New("unknown job")

// ErrNotReady is returned by Result for jobs that are still pending or running.
var ErrNotReady = errors.New("job has not finished")

// ValidationError rejects a malformed submission synchronously; no job is
// created when Submit returns one.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid submission: " + e.Reason }

// JobFault is a pipeline-wide problem that fails the whole job. Per-item
// failures never become a JobFault; they stay in the item's result slot.
type JobFault struct {
	Reason string
	Err    error
}

func (e *JobFault) Error() string {
	if e.Err != nil {
		return "job fault: " + e.Reason + ": " + e.Err.Error()
	}
	return "job fault: " + e.Reason
}

func (e *JobFault) Unwrap() error { return e.Err }

// JobError is the terminal error recorded on a failed job.
type JobError struct {
	Code    schema.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Classify maps an engine error onto the event taxonomy. Used by transports
// when acknowledging rejected requests.
func Classify(err error) schema.ErrorCode {
	var ve *ValidationError
	var fve *federated.ValidationError
	var sre *federated.StaleRoundError
	switch {
	case errors.As(err, &ve), errors.As(err, &fve):
		return schema.ErrCodeValidation
	case errors.As(err, &sre):
		return schema.ErrCodeStaleRound
	default:
		return schema.ErrCodeJobFault
	}
}
