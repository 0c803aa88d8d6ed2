package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/biolens/analysis-engine/internal/strategy"
	"github.com/biolens/analysis-engine/pkg/schema"
)

type fakeStrategy struct {
	name string
	fn   func(ctx context.Context, item schema.Item) strategy.Attempt
}

func (f *fakeStrategy) Name() string { return f.name }
func (f *fakeStrategy) Attempt(ctx context.Context, item schema.Item) strategy.Attempt {
	return f.fn(ctx, item)
}

func fixed(name string, conf float64) *fakeStrategy {
	return &fakeStrategy{name: name, fn: func(context.Context, schema.Item) strategy.Attempt {
		return strategy.Attempt{Label: name + "-label", Confidence: conf}
	}}
}

func failing(name string) *fakeStrategy {
	return &fakeStrategy{name: name, fn: func(context.Context, schema.Item) strategy.Attempt {
		return strategy.Attempt{Err: errors.New(name + " unavailable")}
	}}
}

func TestNewRejectsEmptyStrategyList(t *testing.T) {
	if _, err := New(nil, 0.8, 0, nil); !errors.Is(err, ErrNoStrategies) {
		t.Fatalf("err = %v, want ErrNoStrategies", err)
	}
}

func TestNewRejectsBadThreshold(t *testing.T) {
	if _, err := New([]strategy.Strategy{fixed("a", 0.5)}, 1.5, 0, nil); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
}

func TestNewDefaultsThreshold(t *testing.T) {
	p, err := New([]strategy.Strategy{fixed("a", 0.5)}, 0, 0, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p.Threshold() != DefaultThreshold {
		t.Errorf("threshold = %v, want %v", p.Threshold(), DefaultThreshold)
	}
}

// The waterfall stops at the first strategy clearing the threshold, in
// configured order: db-match at 0.5 is recorded as a candidate, local-model
// at 0.9 wins.
func TestResolveFirstAboveThresholdWins(t *testing.T) {
	p, err := New([]strategy.Strategy{
		fixed("database-match", 0.5),
		fixed("local-model", 0.9),
		failing("cloud-model"),
	}, 0.8, 0, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res := p.Resolve(context.Background(), 0, schema.Item{ID: "s1", Sequence: "ACGT"})
	if res.Status != schema.ItemStatusOK {
		t.Fatalf("status = %s, want ok", res.Status)
	}
	if res.Strategy != "local-model" || res.Confidence != 0.9 {
		t.Errorf("winner = %s/%v, want local-model/0.9", res.Strategy, res.Confidence)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (cloud-model must not run)", len(res.Attempts))
	}
	if res.Attempts[0].Outcome != schema.OutcomeLowConfidence {
		t.Errorf("first attempt outcome = %s, want low_confidence", res.Attempts[0].Outcome)
	}
	if res.Attempts[1].Outcome != schema.OutcomeSuccess {
		t.Errorf("second attempt outcome = %s, want success", res.Attempts[1].Outcome)
	}
}

func TestResolveStrategyOrderRespected(t *testing.T) {
	var order []string
	mk := func(name string, conf float64) *fakeStrategy {
		return &fakeStrategy{name: name, fn: func(context.Context, schema.Item) strategy.Attempt {
			order = append(order, name)
			return strategy.Attempt{Label: name, Confidence: conf}
		}}
	}

	p, _ := New([]strategy.Strategy{mk("first", 0.1), mk("second", 0.2), mk("third", 0.95)}, 0.8, 0, nil)
	p.Resolve(context.Background(), 0, schema.Item{ID: "s1"})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("invocations = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("invocations = %v, want %v", order, want)
		}
	}
}

func TestResolveBestCandidateWhenNoneClearThreshold(t *testing.T) {
	p, _ := New([]strategy.Strategy{
		fixed("database-match", 0.3),
		failing("local-model"),
		fixed("rule-fallback", 0.4),
	}, 0.8, 0, nil)

	res := p.Resolve(context.Background(), 2, schema.Item{ID: "s1"})
	if res.Status != schema.ItemStatusOK {
		t.Fatalf("status = %s, want ok", res.Status)
	}
	if res.Strategy != "rule-fallback" || res.Confidence != 0.4 {
		t.Errorf("winner = %s/%v, want rule-fallback/0.4", res.Strategy, res.Confidence)
	}
	if res.Index != 2 {
		t.Errorf("index = %d, want 2", res.Index)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(res.Attempts))
	}
}

func TestResolveItemErrorWhenAllStrategiesFail(t *testing.T) {
	p, _ := New([]strategy.Strategy{failing("a"), failing("b")}, 0.8, 0, nil)

	res := p.Resolve(context.Background(), 0, schema.Item{ID: "s1"})
	if res.Status != schema.ItemStatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if res.ErrorCode != schema.ErrCodeItem {
		t.Errorf("error code = %s, want item", res.ErrorCode)
	}
	for _, att := range res.Attempts {
		if att.Outcome != schema.OutcomeError {
			t.Errorf("attempt %s outcome = %s, want error", att.Strategy, att.Outcome)
		}
		if att.ErrorCode != schema.ErrCodeStrategy {
			t.Errorf("attempt %s error code = %s, want strategy", att.Strategy, att.ErrorCode)
		}
		if att.Confidence != 0 {
			t.Errorf("error attempt %s carries confidence %v", att.Strategy, att.Confidence)
		}
	}
}

// A strategy overrunning its timeout becomes an error outcome and the
// waterfall falls through to the next stage, not a job-level fault.
func TestResolveTimeoutFallsThrough(t *testing.T) {
	slow := &fakeStrategy{name: "slow", fn: func(ctx context.Context, _ schema.Item) strategy.Attempt {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return strategy.Attempt{Label: "late", Confidence: 0.99}
	}}

	p, _ := New([]strategy.Strategy{slow, fixed("backup", 0.85)}, 0.8, 20*time.Millisecond, nil)

	res := p.Resolve(context.Background(), 0, schema.Item{ID: "s1"})
	if res.Strategy != "backup" {
		t.Fatalf("winner = %s, want backup", res.Strategy)
	}
	if res.Attempts[0].Outcome != schema.OutcomeError {
		t.Errorf("slow attempt outcome = %s, want error", res.Attempts[0].Outcome)
	}
}

func TestResolveRecoversPanickingStrategy(t *testing.T) {
	bomb := &fakeStrategy{name: "bomb", fn: func(context.Context, schema.Item) strategy.Attempt {
		panic("boom")
	}}

	p, _ := New([]strategy.Strategy{bomb, fixed("backup", 0.9)}, 0.8, 0, nil)

	res := p.Resolve(context.Background(), 0, schema.Item{ID: "s1"})
	if res.Status != schema.ItemStatusOK || res.Strategy != "backup" {
		t.Fatalf("got %s/%s, want ok/backup", res.Status, res.Strategy)
	}
	if res.Attempts[0].Outcome != schema.OutcomeError {
		t.Errorf("panic attempt outcome = %s, want error", res.Attempts[0].Outcome)
	}
}
