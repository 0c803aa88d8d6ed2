// cmd/submit/main.go
//
// Operator tool for exercising the engine over the bus: submit analysis jobs
// from a JSON items file, request cancellation, or send federated round
// contributions.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/biolens/analysis-engine/internal/bus"
	"github.com/biolens/analysis-engine/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var (
		mode       = flag.String("mode", "submit", "submit | cancel | contribute")
		kind       = flag.String("kind", "sequence-analysis", "job kind")
		file       = flag.String("file", "", "path to JSON file with items (submit mode)")
		strategies = flag.String("strategies", "", "comma-separated strategy order override")
		threshold  = flag.Float64("threshold", 0, "confidence threshold override")
		priority   = flag.Bool("priority", false, "submit as high priority")
		minClients = flag.Int("min-clients", 0, "federated quorum (federated-learning kind)")
		maxRounds  = flag.Int("max-rounds", 0, "federated round budget")
		jobID      = flag.String("job", "", "job ID (cancel/contribute modes)")
		round      = flag.Int("round", 0, "round number (contribute mode)")
		clientID   = flag.String("client", "", "client ID (contribute mode)")
		samples    = flag.Int("samples", 0, "local sample count (contribute mode)")
		update     = flag.String("update", "", "comma-separated update vector (contribute mode)")
	)
	flag.Parse()

	natsURL := getenv("NATS_URL", "nats://127.0.0.1:4222")
	nc, err := bus.Connect(natsURL, logger)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", natsURL)
	}
	defer nc.Close()

	switch *mode {
	case "submit":
		runSubmit(nc, logger, *kind, *file, *strategies, *threshold, *priority, *minClients, *maxRounds)
	case "cancel":
		runCancel(nc, logger, *jobID)
	case "contribute":
		runContribute(nc, logger, *jobID, *round, *clientID, *samples, *update)
	default:
		fatal(logger, "unknown mode", fmt.Errorf("mode %q", *mode))
	}
}

func runSubmit(nc *bus.Client, logger *slog.Logger, kind, file, strategies string, threshold float64, priority bool, minClients, maxRounds int) {
	if file == "" {
		fatal(logger, "missing -file", fmt.Errorf("submit mode needs a JSON items file"))
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		fatal(logger, "read items file", err, "file", file)
	}
	var items []schema.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		fatal(logger, "parse items file", err, "file", file)
	}

	req := schema.SubmitRequest{
		RequestID: uuid.NewString(),
		Kind:      schema.JobKind(kind),
		Items:     items,
		Config: schema.JobConfig{
			Threshold:    threshold,
			HighPriority: priority,
		},
	}
	if strategies != "" {
		req.Config.Strategies = splitCSV(strategies)
	}
	if req.Kind == schema.KindFederatedLearning {
		req.Config.Federated = &schema.FederatedConfig{
			MinClients: minClients,
			MaxRounds:  maxRounds,
		}
	}

	subject := getenv("SUBJECT_SUBMIT", "analysis.jobs.submit")
	if err := nc.PublishJSON(subject, req); err != nil {
		fatal(logger, "publish submit request", err, "subject", subject)
	}
	logger.Info("submitted", "request_id", req.RequestID, "kind", req.Kind, "items", len(items), "subject", subject)
}

func runCancel(nc *bus.Client, logger *slog.Logger, jobID string) {
	if jobID == "" {
		fatal(logger, "missing -job", fmt.Errorf("cancel mode needs a job ID"))
	}
	subject := getenv("SUBJECT_CANCEL", "analysis.jobs.cancel")
	if err := nc.PublishJSON(subject, schema.CancelRequest{JobID: jobID}); err != nil {
		fatal(logger, "publish cancel request", err, "subject", subject)
	}
	logger.Info("cancel requested", "job_id", jobID, "subject", subject)
}

func runContribute(nc *bus.Client, logger *slog.Logger, jobID string, round int, clientID string, samples int, update string) {
	if jobID == "" || clientID == "" || round <= 0 || update == "" {
		fatal(logger, "missing flags", fmt.Errorf("contribute mode needs -job, -client, -round and -update"))
	}
	vector, err := parseVector(update)
	if err != nil {
		fatal(logger, "parse update vector", err)
	}

	req := schema.ContributionRequest{
		JobID:      jobID,
		Round:      round,
		ClientID:   clientID,
		Update:     vector,
		NumSamples: samples,
	}
	subject := getenv("SUBJECT_CONTRIBUTE", "analysis.rounds.contribute")
	if err := nc.PublishJSON(subject, req); err != nil {
		fatal(logger, "publish contribution", err, "subject", subject)
	}
	logger.Info("contribution sent", "job_id", jobID, "round", round, "client", clientID, "elements", len(vector))
}

func parseVector(s string) ([]float64, error) {
	parts := splitCSV(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid element %q: %w", p, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
