package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/biolens/analysis-engine/pkg/schema"
)

func TestDatabaseMatchExactSequence(t *testing.T) {
	db := NewDatabaseMatch([]Reference{
		{Label: "e.coli-16s", Sequence: "ACGTACGTGGCCAATTACGT"},
		{Label: "b.subtilis-16s", Sequence: "TTTTAAAACCCCGGGGTTTT"},
	})

	att := db.Attempt(context.Background(), schema.Item{ID: "s1", Sequence: "ACGTACGTGGCCAATTACGT"})
	if att.Err != nil {
		t.Fatalf("unexpected error: %v", att.Err)
	}
	if att.Label != "e.coli-16s" {
		t.Errorf("matched %q, want e.coli-16s", att.Label)
	}
	if att.Confidence != 1.0 {
		t.Errorf("exact match confidence = %v, want 1.0", att.Confidence)
	}
}

func TestDatabaseMatchPicksBestReference(t *testing.T) {
	db := NewDatabaseMatch([]Reference{
		{Label: "near", Sequence: "ACGTACGTACGTACGTAAAA"},
		{Label: "far", Sequence: "GGGGCCCCGGGGCCCCGGGG"},
	})

	att := db.Attempt(context.Background(), schema.Item{ID: "s1", Sequence: "ACGTACGTACGTACGT"})
	if att.Err != nil {
		t.Fatalf("unexpected error: %v", att.Err)
	}
	if att.Label != "near" {
		t.Errorf("matched %q, want near", att.Label)
	}
	if att.Confidence <= 0 || att.Confidence > 1 {
		t.Errorf("confidence %v outside (0,1]", att.Confidence)
	}
}

func TestDatabaseMatchErrors(t *testing.T) {
	tests := []struct {
		name string
		db   *DatabaseMatch
		item schema.Item
	}{
		{"empty database", NewDatabaseMatch(nil), schema.Item{ID: "s1", Sequence: "ACGTACGT"}},
		{"sequence too short", NewDatabaseMatch([]Reference{{Label: "x", Sequence: "ACGTACGT"}}), schema.Item{ID: "s1", Sequence: "ACG"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := tt.db.Attempt(context.Background(), tt.item)
			if att.Err == nil {
				t.Fatal("expected error outcome")
			}
		})
	}
}

func TestRuleFallback(t *testing.T) {
	tests := []struct {
		name      string
		sequence  string
		wantLabel string
		wantErr   bool
	}{
		{"gc rich", "GGGGCCCCGGGGCCCC", "nucleotide/gc-rich", false},
		{"at rich", "AATTAATTAATTAATT", "nucleotide/at-rich", false},
		{"protein", "MKVLWAALLVTFLAGCQA", "protein-like", false},
		{"lowercase dna", "acgtacgtacgt", "nucleotide/gc-rich", false},
		{"empty", "", "", true},
	}

	rf := NewRuleFallback()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := rf.Attempt(context.Background(), schema.Item{ID: "s", Sequence: tt.sequence})
			if tt.wantErr {
				if att.Err == nil {
					t.Fatal("expected error outcome")
				}
				return
			}
			if att.Err != nil {
				t.Fatalf("unexpected error: %v", att.Err)
			}
			if att.Label != tt.wantLabel {
				t.Errorf("label = %q, want %q", att.Label, tt.wantLabel)
			}
			if att.Confidence != 0.4 {
				t.Errorf("confidence = %v, want 0.4", att.Confidence)
			}
		})
	}
}

type stubInferencer struct {
	pred Prediction
	err  error
}

func (s *stubInferencer) Infer(context.Context, schema.Item) (Prediction, error) {
	return s.pred, s.err
}

func TestModelStrategy(t *testing.T) {
	tests := []struct {
		name    string
		inf     Inferencer
		wantErr bool
	}{
		{"success", &stubInferencer{pred: Prediction{Label: "firmicutes", Confidence: 0.92}}, false},
		{"inference error", &stubInferencer{err: errors.New("model unavailable")}, true},
		{"confidence out of range", &stubInferencer{pred: Prediction{Label: "x", Confidence: 1.7}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewLocalModel(tt.inf)
			att := s.Attempt(context.Background(), schema.Item{ID: "s1", Sequence: "ACGT"})
			if tt.wantErr {
				if att.Err == nil {
					t.Fatal("expected error outcome")
				}
				return
			}
			if att.Err != nil {
				t.Fatalf("unexpected error: %v", att.Err)
			}
			if att.Label != "firmicutes" || att.Confidence != 0.92 {
				t.Errorf("got %q/%v, want firmicutes/0.92", att.Label, att.Confidence)
			}
		})
	}
}

func TestModelStrategyNames(t *testing.T) {
	inf := &stubInferencer{}
	if got := NewLocalModel(inf).Name(); got != "local-model" {
		t.Errorf("local name = %q", got)
	}
	if got := NewCloudModel(inf).Name(); got != "cloud-model" {
		t.Errorf("cloud name = %q", got)
	}
}

func TestHTTPInferencer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"label":"proteobacteria","confidence":0.87}`))
	}))
	defer srv.Close()

	inf := &HTTPInferencer{Endpoint: srv.URL}
	pred, err := inf.Infer(context.Background(), schema.Item{ID: "s1", Sequence: "ACGT"})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if pred.Label != "proteobacteria" || pred.Confidence != 0.87 {
		t.Errorf("got %q/%v, want proteobacteria/0.87", pred.Label, pred.Confidence)
	}
}

func TestHTTPInferencerNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inf := &HTTPInferencer{Endpoint: srv.URL}
	_, err := inf.Infer(context.Background(), schema.Item{ID: "s1"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should carry status code, got: %v", err)
	}
}
