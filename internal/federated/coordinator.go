// Package federated coordinates synchronized rounds of multi-party model
// updates for one federated-learning job: collect contributions, aggregate
// once quorum is met, open the next round. Rounds are strictly sequential.
package federated

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/biolens/analysis-engine/pkg/schema"
)

// RoundState is the lifecycle of the current round.
type RoundState string

const (
	RoundOpen        RoundState = "open"
	RoundAggregating RoundState = "aggregating"
	RoundClosed      RoundState = "closed"
)

// StaleRoundError rejects a contribution that targets anything other than the
// currently open round. The client must resync to Current.
type StaleRoundError struct {
	Requested int
	Current   int
}

func (e *StaleRoundError) Error() string {
	return fmt.Sprintf("stale round: contribution for round %d, current round is %d", e.Requested, e.Current)
}

// ValidationError rejects a malformed contribution or session config.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

type contribution struct {
	update []float64
	weight float64
}

// ClosedRound is the record of one finished round. QuorumReached is false
// only for a final round flagged at session end without aggregating.
type ClosedRound struct {
	Number        int
	Contributions int
	QuorumReached bool
	Global        []float64
}

// Coordinator owns the round lifecycle for one federated job. All state is
// mutated under a single mutex; aggregation is pure arithmetic and runs
// inline while the round is in the aggregating state.
type Coordinator struct {
	mu            sync.Mutex
	cfg           schema.FederatedConfig
	logger        *slog.Logger
	round         int
	state         RoundState
	contributions map[string]contribution
	modelSize     int
	history       []ClosedRound
	closedCh      chan ClosedRound
	doneCh        chan struct{}
	converged     bool
	finished      bool
}

// NewCoordinator opens round 1 of a session. MinClients and MaxRounds must be
// at least 1; ModelSize 0 lets the first accepted contribution fix the vector
// length for the rest of the session.
func NewCoordinator(cfg schema.FederatedConfig, logger *slog.Logger) (*Coordinator, error) {
	if cfg.MinClients < 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("min_clients must be at least 1 (got %d)", cfg.MinClients)}
	}
	if cfg.MaxRounds < 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("max_rounds must be at least 1 (got %d)", cfg.MaxRounds)}
	}
	if cfg.ModelSize < 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("model_size must not be negative (got %d)", cfg.ModelSize)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:           cfg,
		logger:        logger,
		round:         1,
		state:         RoundOpen,
		contributions: make(map[string]contribution),
		modelSize:     cfg.ModelSize,
		closedCh:      make(chan ClosedRound, cfg.MaxRounds+1),
		doneCh:        make(chan struct{}),
	}, nil
}

// Contribute records one client's update for the given round. Within an open
// round a client may re-contribute; the later update wins. When the distinct
// client count reaches quorum the round aggregates and the next opens.
func (c *Coordinator) Contribute(round int, clientID string, update []float64, numSamples int) error {
	if clientID == "" {
		return &ValidationError{Reason: "client_id is required"}
	}
	if len(update) == 0 {
		return &ValidationError{Reason: "update vector is empty"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished || c.state != RoundOpen || round != c.round {
		return &StaleRoundError{Requested: round, Current: c.round}
	}
	if c.modelSize == 0 {
		c.modelSize = len(update)
	}
	if len(update) != c.modelSize {
		return &ValidationError{Reason: fmt.Sprintf("update has %d elements, session model size is %d", len(update), c.modelSize)}
	}

	weight := float64(numSamples)
	if weight <= 0 {
		weight = 1
	}
	c.contributions[clientID] = contribution{update: update, weight: weight}
	c.logger.Debug("contribution recorded", "round", c.round, "client", clientID, "contributions", len(c.contributions), "quorum", c.cfg.MinClients)

	if len(c.contributions) >= c.cfg.MinClients {
		c.aggregateLocked()
	}
	return nil
}

// aggregateLocked closes the current round with a federated average and opens
// the next, or finishes the session when the round budget is spent or a
// convergence signal arrived. Caller holds c.mu.
func (c *Coordinator) aggregateLocked() {
	c.state = RoundAggregating
	global := fedAvg(c.contributions, c.modelSize)

	closed := ClosedRound{
		Number:        c.round,
		Contributions: len(c.contributions),
		QuorumReached: true,
		Global:        global,
	}
	c.history = append(c.history, closed)
	c.closedCh <- closed
	c.logger.Info("round aggregated", "round", closed.Number, "contributions", closed.Contributions)
	c.state = RoundClosed

	if c.round >= c.cfg.MaxRounds || c.converged {
		c.finishLocked()
		return
	}
	c.round++
	c.state = RoundOpen
	c.contributions = make(map[string]contribution)
}

// SignalConvergence marks the externally supplied convergence condition.
// The session ends immediately; an open round with pending contributions is
// flagged rather than aggregated.
func (c *Coordinator) SignalConvergence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converged = true
	if !c.finished {
		c.finishLocked()
	}
}

// Abort ends the session without waiting for the round budget, flagging the
// current round if it never reached quorum. Used for job cancellation.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finishLocked()
	}
}

// finishLocked flags a still-open round and closes the session. Idempotent
// via c.finished; caller holds c.mu.
func (c *Coordinator) finishLocked() {
	if c.state == RoundOpen && !c.finished {
		flagged := ClosedRound{
			Number:        c.round,
			Contributions: len(c.contributions),
			QuorumReached: false,
		}
		c.history = append(c.history, flagged)
		c.closedCh <- flagged
		c.logger.Warn("round closed without quorum", "round", flagged.Number, "contributions", flagged.Contributions, "quorum", c.cfg.MinClients)
	}
	c.state = RoundClosed
	c.finished = true
	close(c.doneCh)
}

// Closed streams every round closure in order. The channel is buffered for
// the whole session, so the consumer may drain lazily.
func (c *Coordinator) Closed() <-chan ClosedRound { return c.closedCh }

// Done is closed when the session has ended.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// Status is a point-in-time snapshot of the session.
type Status struct {
	Round         int
	State         RoundState
	Contributions int
	ClosedRounds  int
	Finished      bool
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Round:         c.round,
		State:         c.state,
		Contributions: len(c.contributions),
		ClosedRounds:  len(c.history),
		Finished:      c.finished,
	}
}

// History returns a copy of all closed rounds so far.
func (c *Coordinator) History() []ClosedRound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClosedRound, len(c.history))
	copy(out, c.history)
	return out
}

// MaxRounds returns the configured round budget.
func (c *Coordinator) MaxRounds() int { return c.cfg.MaxRounds }

// fedAvg computes the element-wise mean of the client updates, weighted by
// each client's reported local sample count.
func fedAvg(contribs map[string]contribution, size int) []float64 {
	global := make([]float64, size)
	var totalWeight float64
	for _, c := range contribs {
		totalWeight += c.weight
	}
	if totalWeight == 0 {
		return global
	}
	for _, c := range contribs {
		for i, v := range c.update {
			global[i] += v * c.weight
		}
	}
	for i := range global {
		global[i] /= totalWeight
	}
	return global
}
