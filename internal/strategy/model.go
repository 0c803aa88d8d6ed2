package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/biolens/analysis-engine/pkg/schema"
)

// Inferencer is an opaque model capability: a local inference runtime or a
// remote model service. The engine never looks inside it.
type Inferencer interface {
	Infer(ctx context.Context, item schema.Item) (Prediction, error)
}

// Prediction is the classification an Inferencer produces for one item.
type Prediction struct {
	Label      string            `json:"label"`
	Confidence float64           `json:"confidence"`
	Details    map[string]string `json:"details,omitempty"`
}

// ModelStrategy adapts an Inferencer to the Strategy contract. The same
// adapter backs both the local-model and cloud-model stages; only the
// underlying Inferencer and its latency profile differ.
type ModelStrategy struct {
	name  string
	model Inferencer
}

func NewLocalModel(model Inferencer) *ModelStrategy {
	return &ModelStrategy{name: "local-model", model: model}
}

func NewCloudModel(model Inferencer) *ModelStrategy {
	return &ModelStrategy{name: "cloud-model", model: model}
}

func (s *ModelStrategy) Name() string { return s.name }

func (s *ModelStrategy) Attempt(ctx context.Context, item schema.Item) Attempt {
	pred, err := s.model.Infer(ctx, item)
	if err != nil {
		return Attempt{Err: fmt.Errorf("%s inference: %w", s.name, err)}
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		return Attempt{Err: fmt.Errorf("%s returned confidence %.3f outside [0,1]", s.name, pred.Confidence)}
	}
	return Attempt{Label: pred.Label, Confidence: pred.Confidence, Details: pred.Details}
}

// HTTPInferencer calls a model service over HTTP: POST {id, sequence},
// expect {label, confidence} back. Timeouts and cancellation ride on ctx.
type HTTPInferencer struct {
	Endpoint string
	Client   *http.Client
}

func (h *HTTPInferencer) Infer(ctx context.Context, item schema.Item) (Prediction, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return Prediction{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("model service returned %d: %s", resp.StatusCode, string(snippet))
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("decode response: %w", err)
	}
	return pred, nil
}
