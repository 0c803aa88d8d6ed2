// Package pipeline resolves one item to one final result by trying an ordered
// list of strategies, stopping at the first that clears the confidence
// threshold. Order is part of the contract: cheap local stages are expected
// to be configured before expensive remote ones.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/biolens/analysis-engine/internal/strategy"
	"github.com/biolens/analysis-engine/pkg/schema"
)

const DefaultThreshold = 0.8

var ErrNoStrategies = errors.New("pipeline: no strategies configured")

type Pipeline struct {
	strategies []strategy.Strategy
	threshold  float64
	timeout    time.Duration
	logger     *slog.Logger
}

// New builds a waterfall over the given strategies. threshold <= 0 falls back
// to DefaultThreshold; timeout <= 0 disables the per-attempt deadline.
func New(strategies []strategy.Strategy, threshold float64, timeout time.Duration, logger *slog.Logger) (*Pipeline, error) {
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("pipeline: threshold %.3f outside (0,1]", threshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{strategies: strategies, threshold: threshold, timeout: timeout, logger: logger}, nil
}

func (p *Pipeline) Threshold() float64 { return p.threshold }

// Resolve produces the final result for one item. Strategy errors and
// low-confidence attempts are recorded and the waterfall continues; if no
// strategy clears the threshold the best candidate wins, and only when no
// strategy produced any candidate does the item resolve to an error result.
func (p *Pipeline) Resolve(ctx context.Context, index int, item schema.Item) schema.ItemResult {
	log := p.logger.With("item", item.ID, "index", index)

	attempts := make([]schema.AttemptRecord, 0, len(p.strategies))
	var best schema.ItemResult
	haveCandidate := false

	for _, s := range p.strategies {
		att := p.attempt(ctx, s, item)

		if att.Err != nil {
			log.Warn("strategy attempt failed", "strategy", s.Name(), "err", att.Err)
			attempts = append(attempts, schema.AttemptRecord{
				Strategy:  s.Name(),
				Outcome:   schema.OutcomeError,
				Error:     att.Err.Error(),
				ErrorCode: schema.ErrCodeStrategy,
			})
			continue
		}

		if att.Confidence >= p.threshold {
			attempts = append(attempts, schema.AttemptRecord{
				Strategy:   s.Name(),
				Outcome:    schema.OutcomeSuccess,
				Confidence: att.Confidence,
			})
			return schema.ItemResult{
				Index:      index,
				Status:     schema.ItemStatusOK,
				Label:      att.Label,
				Strategy:   s.Name(),
				Confidence: att.Confidence,
				Details:    att.Details,
				Attempts:   attempts,
			}
		}

		attempts = append(attempts, schema.AttemptRecord{
			Strategy:   s.Name(),
			Outcome:    schema.OutcomeLowConfidence,
			Confidence: att.Confidence,
		})
		if !haveCandidate || att.Confidence > best.Confidence {
			haveCandidate = true
			best = schema.ItemResult{
				Index:      index,
				Status:     schema.ItemStatusOK,
				Label:      att.Label,
				Strategy:   s.Name(),
				Confidence: att.Confidence,
				Details:    att.Details,
			}
		}
	}

	if haveCandidate {
		best.Attempts = attempts
		return best
	}

	return schema.ItemResult{
		Index:     index,
		Status:    schema.ItemStatusError,
		Attempts:  attempts,
		Error:     fmt.Sprintf("no strategy produced a usable result (%d attempted)", len(p.strategies)),
		ErrorCode: schema.ErrCodeItem,
	}
}

// attempt invokes one strategy under the per-attempt timeout, converting
// panics into error outcomes so a misbehaving strategy cannot take the
// pipeline down with it.
func (p *Pipeline) attempt(ctx context.Context, s strategy.Strategy, item schema.Item) (att strategy.Attempt) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			att = strategy.Attempt{Err: fmt.Errorf("strategy %s panicked: %v", s.Name(), r)}
		}
	}()

	att = s.Attempt(ctx, item)
	if att.Err == nil && ctx.Err() != nil {
		att = strategy.Attempt{Err: fmt.Errorf("strategy %s: %w", s.Name(), ctx.Err())}
	}
	return att
}
