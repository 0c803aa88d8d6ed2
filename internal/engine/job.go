package engine

import (
	"time"

	"github.com/biolens/analysis-engine/internal/federated"
	"github.com/biolens/analysis-engine/internal/strategy"
	"github.com/biolens/analysis-engine/pkg/schema"
)

// job is the manager-owned unit-of-work record. All fields are guarded by the
// manager's mutex; workers never touch a job except through manager methods.
type job struct {
	id   string
	kind schema.JobKind

	state schema.JobState
	stage string

	items       []schema.Item
	results     map[int]schema.ItemResult
	jobErr      *JobError
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	strategies      []strategy.Strategy
	threshold       float64
	itemConcurrency int
	highPriority    bool

	cancelRequested bool

	// federated-learning jobs only
	coord        *federated.Coordinator
	roundsClosed int
}

func (j *job) completedItems() int { return len(j.results) }

func (j *job) progress() float64 {
	if j.kind == schema.KindFederatedLearning && j.coord != nil {
		return float64(j.roundsClosed) / float64(j.coord.MaxRounds())
	}
	if len(j.items) == 0 {
		return 0
	}
	return float64(len(j.results)) / float64(len(j.items))
}

// markRunning transitions pending → running. Timestamps are set exactly once.
func (j *job) markRunning(now time.Time) {
	j.state = schema.StateRunning
	j.stage = "starting"
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
}

// markTerminal moves the job into a terminal state, at most once.
func (j *job) markTerminal(state schema.JobState, now time.Time) {
	if j.state.Terminal() {
		return
	}
	j.state = state
	j.stage = string(state)
	if j.completedAt.IsZero() {
		j.completedAt = now
	}
}

func (j *job) lifecycleEvent() schema.JobLifecycleEvent {
	ev := schema.JobLifecycleEvent{
		JobID:          j.id,
		Kind:           j.kind,
		State:          j.state,
		Stage:          j.stage,
		CompletedItems: len(j.results),
		TotalItems:     len(j.items),
		HappenedAt:     time.Now().Unix(),
	}
	if j.jobErr != nil {
		ev.Error = j.jobErr.Message
		ev.ErrorCode = j.jobErr.Code
	}
	return ev
}

// Status is a point-in-time, copy-safe view of a job.
type Status struct {
	JobID          string
	Kind           schema.JobKind
	State          schema.JobState
	Stage          string
	CompletedItems int
	TotalItems     int
	Progress       float64
}

// Result is the terminal outcome of a job. ItemResults may be partial for
// failed and cancelled jobs, reflecting best effort completed so far.
type Result struct {
	JobID       string
	State       schema.JobState
	ItemResults map[int]schema.ItemResult
	Err         *JobError
}
