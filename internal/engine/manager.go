// Package engine implements the asynchronous analysis job engine: a keyed
// job store with a single serialized update path, a bounded worker pool, and
// the federated round runner. Transports (NATS, HTTP) sit outside and talk to
// the Manager through Submit/Status/Result/Cancel/Contribute.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/biolens/analysis-engine/internal/federated"
	"github.com/biolens/analysis-engine/internal/pipeline"
	"github.com/biolens/analysis-engine/internal/strategy"
	"github.com/biolens/analysis-engine/pkg/schema"
)

// Publisher fans engine events out to subscribed clients. The NATS bus client
// satisfies this; a nil publisher drops events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Subjects names the event streams the manager publishes to.
type Subjects struct {
	Lifecycle string
	Item      string
	Round     string
}

func DefaultSubjects() Subjects {
	return Subjects{
		Lifecycle: "analysis.jobs.lifecycle",
		Item:      "analysis.jobs.item",
		Round:     "analysis.rounds.closed",
	}
}

type Options struct {
	// Workers is the job-level pool size. Defaults to runtime.NumCPU().
	Workers int

	// ItemConcurrency caps parallel item processing within one job so a
	// large job cannot starve the pool for others. Defaults to 4.
	ItemConcurrency int

	// DefaultThreshold applies when a submission leaves Threshold zero.
	DefaultThreshold float64

	// DefaultStrategies is the waterfall order used when a submission names
	// none. A submission that resolves to an empty list is rejected.
	DefaultStrategies []string

	// StrategyTimeout bounds each strategy attempt. Zero disables it.
	StrategyTimeout time.Duration

	Logger    *slog.Logger
	Publisher Publisher
	Subjects  Subjects
}

type Manager struct {
	opts     Options
	logger   *slog.Logger
	registry map[string]strategy.Strategy

	mu    sync.Mutex
	jobs  map[string]*job
	highQ []string
	normQ []string

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ItemConcurrency <= 0 {
		opts.ItemConcurrency = 4
	}
	if opts.DefaultThreshold <= 0 {
		opts.DefaultThreshold = pipeline.DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Subjects == (Subjects{}) {
		opts.Subjects = DefaultSubjects()
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		registry: make(map[string]strategy.Strategy),
		jobs:     make(map[string]*job),
		wake:     make(chan struct{}, opts.Workers),
	}
}

// RegisterStrategy adds a strategy to the registry submissions resolve
// against. Call before Start; registration is not synchronized with workers.
func (m *Manager) RegisterStrategy(s strategy.Strategy) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("strategy has empty name")
	}
	if _, exists := m.registry[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	m.registry[name] = s
	return nil
}

// Start spawns the worker pool. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	if m.ctx != nil {
		m.logger.Error("manager already started")
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("starting workers", "count", m.opts.Workers)
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
}

// Shutdown stops the pool, waiting up to timeout for workers to exit.
func (m *Manager) Shutdown(timeout time.Duration) {
	if m.cancel == nil {
		return
	}
	m.logger.Info("shutdown requested, stopping workers")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all workers exited cleanly")
	case <-time.After(timeout):
		m.logger.Error("shutdown timed out, some workers may still be running", "timeout", timeout)
	}
}

// Submit validates the request, creates the job in the pending state and
// enqueues it. It never blocks on execution.
func (m *Manager) Submit(kind schema.JobKind, items []schema.Item, cfg schema.JobConfig) (string, error) {
	switch kind {
	case schema.KindSequenceAnalysis, schema.KindProteinAnalysis,
		schema.KindMicrobiomeAnalysis, schema.KindQuantumAnalysis,
		schema.KindFederatedLearning:
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown job kind %q", kind)}
	}
	if len(items) == 0 {
		return "", &ValidationError{Reason: "job has no items"}
	}

	threshold := cfg.Threshold
	if threshold < 0 || threshold > 1 {
		return "", &ValidationError{Reason: fmt.Sprintf("threshold %.3f outside [0,1]", threshold)}
	}
	if threshold == 0 {
		threshold = m.opts.DefaultThreshold
	}

	j := &job{
		id:              uuid.NewString(),
		kind:            kind,
		state:           schema.StatePending,
		stage:           "queued",
		items:           items,
		results:         make(map[int]schema.ItemResult, len(items)),
		threshold:       threshold,
		itemConcurrency: cfg.ItemConcurrency,
		highPriority:    cfg.HighPriority,
		createdAt:       time.Now(),
	}
	if j.itemConcurrency <= 0 {
		j.itemConcurrency = m.opts.ItemConcurrency
	}

	if kind == schema.KindFederatedLearning {
		if cfg.Federated == nil {
			return "", &ValidationError{Reason: "federated-learning jobs require a federated config"}
		}
		if len(items) != 1 {
			return "", &ValidationError{Reason: "federated-learning jobs take exactly one session item"}
		}
		coord, err := federated.NewCoordinator(*cfg.Federated, m.logger.With("job_id", j.id))
		if err != nil {
			return "", &ValidationError{Reason: err.Error()}
		}
		j.coord = coord
	} else {
		names := cfg.Strategies
		if len(names) == 0 {
			names = m.opts.DefaultStrategies
		}
		if len(names) == 0 {
			return "", &ValidationError{Reason: "no strategies configured"}
		}
		resolved := make([]strategy.Strategy, 0, len(names))
		for _, name := range names {
			s, ok := m.registry[name]
			if !ok {
				return "", &ValidationError{Reason: fmt.Sprintf("unknown strategy %q", name)}
			}
			resolved = append(resolved, s)
		}
		j.strategies = resolved
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	// The pending event goes out before the job becomes dequeueable, so a
	// worker's running event can never overtake it.
	m.publishLifecycle(j.lifecycleEvent())

	m.mu.Lock()
	if j.highPriority {
		m.highQ = append(m.highQ, j.id)
	} else {
		m.normQ = append(m.normQ, j.id)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Info("job submitted", "job_id", j.id, "kind", kind, "items", len(items), "high_priority", j.highPriority)
	return j.id, nil
}

// Status returns a non-blocking snapshot of the job.
func (m *Manager) Status(jobID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Status{}, ErrUnknownJob
	}
	return Status{
		JobID:          j.id,
		Kind:           j.kind,
		State:          j.state,
		Stage:          j.stage,
		CompletedItems: j.completedItems(),
		TotalItems:     len(j.items),
		Progress:       j.progress(),
	}, nil
}

// Result returns the accumulated item results once the job is terminal.
// Failed and cancelled jobs return whatever completed before the end.
func (m *Manager) Result(jobID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Result{}, ErrUnknownJob
	}
	if !j.state.Terminal() {
		return Result{}, ErrNotReady
	}
	out := Result{JobID: j.id, State: j.state}
	out.ItemResults = make(map[int]schema.ItemResult, len(j.results))
	for idx, res := range j.results {
		out.ItemResults[idx] = res
	}
	if j.jobErr != nil {
		errCopy := *j.jobErr
		out.Err = &errCopy
	}
	return out, nil
}

// Cancel requests cooperative cancellation. Pending jobs cancel immediately;
// running jobs observe the flag between items. Terminal jobs are left alone.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownJob
	}

	var ev *schema.JobLifecycleEvent
	var coord *federated.Coordinator
	switch j.state {
	case schema.StatePending:
		j.markTerminal(schema.StateCancelled, time.Now())
		coord = j.coord
		e := j.lifecycleEvent()
		ev = &e
	case schema.StateRunning:
		j.cancelRequested = true
		coord = j.coord
	}
	m.mu.Unlock()

	if coord != nil {
		coord.Abort()
	}
	if ev != nil {
		m.publishLifecycle(*ev)
		m.logger.Info("job cancelled before start", "job_id", jobID)
	}
	return nil
}

// Contribute forwards a client update to the job's round coordinator.
func (m *Manager) Contribute(jobID string, round int, clientID string, update []float64, numSamples int) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	var coord *federated.Coordinator
	if ok {
		coord = j.coord
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownJob
	}
	if coord == nil {
		return &ValidationError{Reason: "job is not a federated-learning job"}
	}
	return coord.Contribute(round, clientID, update, numSamples)
}

// SignalConvergence ends a federated session early on an external
// convergence decision.
func (m *Manager) SignalConvergence(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	var coord *federated.Coordinator
	if ok {
		coord = j.coord
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownJob
	}
	if coord == nil {
		return &ValidationError{Reason: "job is not a federated-learning job"}
	}
	coord.SignalConvergence()
	return nil
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	log := m.logger.With("worker", id)
	for {
		j := m.next()
		if j == nil {
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		m.runJob(j, log)
	}
}

// next dequeues the oldest pending job, preferring the high-priority queue.
// Jobs cancelled while queued are skipped and dropped.
func (m *Manager) next() *job {
	m.mu.Lock()

	pop := func(q *[]string) *job {
		for len(*q) > 0 {
			id := (*q)[0]
			*q = (*q)[1:]
			if j, ok := m.jobs[id]; ok && j.state == schema.StatePending {
				return j
			}
		}
		return nil
	}

	j := pop(&m.highQ)
	if j == nil {
		j = pop(&m.normQ)
	}
	if j == nil {
		m.mu.Unlock()
		return nil
	}

	j.markRunning(time.Now())
	ev := j.lifecycleEvent()
	m.mu.Unlock()

	m.publishLifecycle(ev)
	return j
}

func (m *Manager) runJob(j *job, log *slog.Logger) {
	log = log.With("job_id", j.id, "kind", j.kind)
	start := time.Now()
	if j.kind == schema.KindFederatedLearning {
		m.runFederated(j, log)
	} else {
		m.runPipeline(j, log)
	}
	log.Info("job finished", "state", m.stateOf(j), "duration", time.Since(start))
}

func (m *Manager) stateOf(j *job) schema.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return j.state
}

// runPipeline processes the job's items with bounded parallelism. The
// cancellation flag is checked between items only; in-flight strategy calls
// always finish.
func (m *Manager) runPipeline(j *job, log *slog.Logger) {
	pl, err := pipeline.New(j.strategies, j.threshold, m.opts.StrategyTimeout, log)
	if err != nil {
		m.failJob(j, &JobFault{Reason: "pipeline configuration", Err: err})
		return
	}

	sem := semaphore.NewWeighted(int64(j.itemConcurrency))
	var wg sync.WaitGroup

	for idx, item := range j.items {
		if err := sem.Acquire(m.ctx, 1); err != nil {
			break
		}
		// Checked after acquiring so a cancel raised while items are in
		// flight stops the next item from starting; in-flight attempts
		// always run to completion.
		if m.cancelRequested(j) {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(idx int, item schema.Item) {
			defer wg.Done()
			defer sem.Release(1)
			m.recordItem(j, pl.Resolve(m.ctx, idx, item))
		}(idx, item)
	}

	wg.Wait()
	m.finishPipeline(j)
}

func (m *Manager) cancelRequested(j *job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return j.cancelRequested
}

// recordItem writes an item's final result exactly once and publishes the
// completion event. Results only ever grow.
func (m *Manager) recordItem(j *job, res schema.ItemResult) {
	m.mu.Lock()
	if _, exists := j.results[res.Index]; exists {
		m.mu.Unlock()
		return
	}
	j.results[res.Index] = res
	completed := len(j.results)
	total := len(j.items)
	j.stage = fmt.Sprintf("processing items (%d/%d done)", completed, total)
	m.mu.Unlock()

	m.publishItem(schema.ItemCompletedEvent{
		JobID:          j.id,
		Index:          res.Index,
		Status:         res.Status,
		Strategy:       res.Strategy,
		Confidence:     res.Confidence,
		ErrorCode:      res.ErrorCode,
		CompletedItems: completed,
		TotalItems:     total,
		HappenedAt:     time.Now().Unix(),
	})
}

// finishPipeline settles the terminal state: completed when every item has a
// result, cancelled otherwise (cancellation or engine shutdown cut the run
// short). Per-item errors still count as processed items.
func (m *Manager) finishPipeline(j *job) {
	m.mu.Lock()
	if len(j.results) == len(j.items) {
		j.markTerminal(schema.StateCompleted, time.Now())
	} else {
		j.markTerminal(schema.StateCancelled, time.Now())
	}
	ev := j.lifecycleEvent()
	m.mu.Unlock()

	m.publishLifecycle(ev)
}

func (m *Manager) failJob(j *job, fault *JobFault) {
	m.mu.Lock()
	j.jobErr = &JobError{Code: schema.ErrCodeJobFault, Message: fault.Error()}
	j.markTerminal(schema.StateFailed, time.Now())
	ev := j.lifecycleEvent()
	m.mu.Unlock()

	m.publishLifecycle(ev)
	m.logger.Error("job failed", "job_id", j.id, "err", fault)
}

// runFederated drives the round loop: round closures update progress, the
// coordinator's done signal settles the job. Engine shutdown aborts the
// session and settles with the rounds achieved so far.
func (m *Manager) runFederated(j *job, log *slog.Logger) {
	coord := j.coord
	for {
		select {
		case cr := <-coord.Closed():
			m.recordRound(j, cr)
		case <-coord.Done():
			m.drainRounds(j, coord)
			m.finishFederated(j)
			return
		case <-m.ctx.Done():
			coord.Abort()
			m.drainRounds(j, coord)
			m.finishFederated(j)
			return
		}
	}
}

func (m *Manager) drainRounds(j *job, coord *federated.Coordinator) {
	for {
		select {
		case cr := <-coord.Closed():
			m.recordRound(j, cr)
		default:
			return
		}
	}
}

func (m *Manager) recordRound(j *job, cr federated.ClosedRound) {
	m.mu.Lock()
	j.roundsClosed++
	j.stage = fmt.Sprintf("round %d/%d", cr.Number, j.coord.MaxRounds())
	m.mu.Unlock()

	m.publishRound(schema.RoundClosedEvent{
		JobID:         j.id,
		Round:         cr.Number,
		Contributions: cr.Contributions,
		QuorumReached: cr.QuorumReached,
		GlobalUpdate:  cr.Global,
		HappenedAt:    time.Now().Unix(),
	})
}

// finishFederated records the session summary as the single item result and
// settles the terminal state. A session cut short by cancellation still
// completes gracefully unless the cancel flag was raised.
func (m *Manager) finishFederated(j *job) {
	history := j.coord.History()
	aggregated := 0
	flagged := 0
	for _, cr := range history {
		if cr.QuorumReached {
			aggregated++
		} else {
			flagged++
		}
	}

	res := schema.ItemResult{
		Index:  0,
		Status: schema.ItemStatusOK,
		Label:  "federated-session",
		Details: map[string]string{
			"rounds_closed":     fmt.Sprintf("%d", len(history)),
			"rounds_aggregated": fmt.Sprintf("%d", aggregated),
			"rounds_flagged":    fmt.Sprintf("%d", flagged),
		},
	}
	m.recordItem(j, res)

	m.mu.Lock()
	if j.cancelRequested {
		j.markTerminal(schema.StateCancelled, time.Now())
	} else {
		j.markTerminal(schema.StateCompleted, time.Now())
	}
	ev := j.lifecycleEvent()
	m.mu.Unlock()

	m.publishLifecycle(ev)
}

func (m *Manager) publishLifecycle(ev schema.JobLifecycleEvent) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.PublishJSON(m.opts.Subjects.Lifecycle, ev); err != nil {
		m.logger.Error("publish lifecycle event failed", "job_id", ev.JobID, "state", ev.State, "err", err)
	}
}

func (m *Manager) publishItem(ev schema.ItemCompletedEvent) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.PublishJSON(m.opts.Subjects.Item, ev); err != nil {
		m.logger.Error("publish item event failed", "job_id", ev.JobID, "index", ev.Index, "err", err)
	}
}

func (m *Manager) publishRound(ev schema.RoundClosedEvent) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.PublishJSON(m.opts.Subjects.Round, ev); err != nil {
		m.logger.Error("publish round event failed", "job_id", ev.JobID, "round", ev.Round, "err", err)
	}
}
