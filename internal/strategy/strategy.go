package strategy

import (
	"context"

	"github.com/biolens/analysis-engine/pkg/schema"
)

// Strategy is one candidate classification technique. Implementations must be
// safe for concurrent use across items, must not mutate shared state outside
// their return value, and must fail closed: internal errors come back as
// Attempt.Err, never as a panic that aborts the pipeline.
type Strategy interface {
	// Attempt classifies a single item. A nil Err with Confidence in [0,1]
	// is a success; the orchestrator decides whether it clears the threshold.
	Attempt(ctx context.Context, item schema.Item) Attempt

	// Name returns the strategy name used for registration and logging.
	Name() string
}

// Attempt is the result of one strategy invocation against one item.
// Confidence carries no meaning when Err is set.
type Attempt struct {
	Label      string
	Confidence float64
	Details    map[string]string
	Err        error
}
