package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/biolens/analysis-engine/pkg/schema"
)

// RuleFallback is the deterministic last stage of the waterfall. It never
// calls out anywhere and always produces a coarse classification from
// sequence composition, at a deliberately modest confidence.
type RuleFallback struct {
	// Confidence reported for every rule hit. Defaults to 0.4.
	Confidence float64
}

func NewRuleFallback() *RuleFallback {
	return &RuleFallback{Confidence: 0.4}
}

func (r *RuleFallback) Name() string { return "rule-fallback" }

func (r *RuleFallback) Attempt(_ context.Context, item schema.Item) Attempt {
	seq := strings.ToUpper(strings.TrimSpace(item.Sequence))
	if seq == "" {
		return Attempt{Err: errors.New("empty sequence")}
	}

	conf := r.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.4
	}

	var acgtu, gc int
	for _, c := range seq {
		switch c {
		case 'A', 'T', 'U':
			acgtu++
		case 'C', 'G':
			acgtu++
			gc++
		}
	}
	nucleotideShare := float64(acgtu) / float64(len(seq))

	// Amino-acid alphabets are a superset of ACGT, so a low nucleotide share
	// is the only reliable signal for protein input here.
	if nucleotideShare < 0.9 {
		return Attempt{
			Label:      "protein-like",
			Confidence: conf,
			Details:    map[string]string{"rule": "alphabet"},
		}
	}

	gcContent := float64(gc) / float64(acgtu)
	label := "nucleotide/at-rich"
	if gcContent >= 0.5 {
		label = "nucleotide/gc-rich"
	}
	return Attempt{
		Label:      label,
		Confidence: conf,
		Details: map[string]string{
			"rule":       "gc-content",
			"gc_content": fmt.Sprintf("%.3f", gcContent),
		},
	}
}
