// cmd/engine/main.go
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/biolens/analysis-engine/internal/bus"
	"github.com/biolens/analysis-engine/internal/engine"
	"github.com/biolens/analysis-engine/internal/strategy"
	"github.com/biolens/analysis-engine/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("engine starting",
		"nats_url", cfg.NATSURL,
		"submit_subject", cfg.SubmitSubject,
		"workers", cfg.Workers,
		"item_concurrency", cfg.ItemConcurrency,
		"threshold", cfg.Threshold,
		"strategies", cfg.Strategies,
	)

	nc, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	mgr := engine.NewManager(engine.Options{
		Workers:           cfg.Workers,
		ItemConcurrency:   cfg.ItemConcurrency,
		DefaultThreshold:  cfg.Threshold,
		DefaultStrategies: registeredOnly(cfg, logger),
		StrategyTimeout:   cfg.StrategyTimeout,
		Logger:            logger,
		Publisher:         nc,
		Subjects: engine.Subjects{
			Lifecycle: cfg.LifecycleSubject,
			Item:      cfg.ItemSubject,
			Round:     cfg.RoundSubject,
		},
	})

	for _, s := range buildStrategies(cfg, logger) {
		if err := mgr.RegisterStrategy(s); err != nil {
			fatal(logger, "register strategy", err, "strategy", s.Name())
		}
		logger.Info("registered strategy", "strategy", s.Name())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	mgr.Start(ctx)

	if err := subscribe(nc, cfg, mgr, logger); err != nil {
		fatal(logger, "subscribe", err)
	}
	logger.Info("listening for submissions", "subject", cfg.SubmitSubject)

	<-ctx.Done()
	mgr.Shutdown(10 * time.Second)
	logger.Info("engine stopped")
}

// buildStrategies assembles the built-in stage strategies from config. Model
// stages without a configured endpoint are left out.
func buildStrategies(cfg config, logger *slog.Logger) []strategy.Strategy {
	out := []strategy.Strategy{
		strategy.NewDatabaseMatch(cfg.References),
		strategy.NewRuleFallback(),
	}
	if cfg.LocalModelURL != "" {
		out = append(out, strategy.NewLocalModel(&strategy.HTTPInferencer{Endpoint: cfg.LocalModelURL}))
	} else {
		logger.Warn("LOCAL_MODEL_URL not set, local-model stage unavailable")
	}
	if cfg.CloudModelURL != "" {
		out = append(out, strategy.NewCloudModel(&strategy.HTTPInferencer{Endpoint: cfg.CloudModelURL}))
	} else {
		logger.Warn("CLOUD_MODEL_URL not set, cloud-model stage unavailable")
	}
	return out
}

// registeredOnly narrows the configured default order to stages that will
// actually be registered, so submissions relying on defaults never fail on a
// stage that was never wired.
func registeredOnly(cfg config, logger *slog.Logger) []string {
	available := map[string]bool{
		"database-match": true,
		"rule-fallback":  true,
		"local-model":    cfg.LocalModelURL != "",
		"cloud-model":    cfg.CloudModelURL != "",
	}
	out := make([]string, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		if available[name] {
			out = append(out, name)
			continue
		}
		logger.Warn("dropping unavailable strategy from default order", "strategy", name)
	}
	return out
}

func subscribe(nc *bus.Client, cfg config, mgr *engine.Manager, logger *slog.Logger) error {
	_, err := nc.SubscribeJSON(cfg.SubmitSubject, func(ctx context.Context, data []byte) {
		handleSubmit(nc, cfg, mgr, logger, data)
	})
	if err != nil {
		return err
	}

	_, err = nc.SubscribeJSON(cfg.CancelSubject, func(ctx context.Context, data []byte) {
		var req schema.CancelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("malformed cancel request", "err", err)
			return
		}
		if err := mgr.Cancel(req.JobID); err != nil {
			logger.Warn("cancel rejected", "job_id", req.JobID, "err", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = nc.SubscribeJSON(cfg.ContributeSubject, func(ctx context.Context, data []byte) {
		var req schema.ContributionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("malformed contribution", "err", err)
			return
		}
		if err := mgr.Contribute(req.JobID, req.Round, req.ClientID, req.Update, req.NumSamples); err != nil {
			logger.Warn("contribution rejected",
				"job_id", req.JobID,
				"round", req.Round,
				"client", req.ClientID,
				"code", engine.Classify(err),
				"err", err,
			)
		}
	})
	return err
}

func handleSubmit(nc *bus.Client, cfg config, mgr *engine.Manager, logger *slog.Logger, data []byte) {
	ack := schema.JobAccepted{HappenedAt: time.Now().Unix()}

	var req schema.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Warn("malformed submit request", "err", err)
		ack.Error = "malformed submit request: " + err.Error()
		ack.ErrorCode = schema.ErrCodeValidation
		publishAck(nc, cfg.AcceptedSubject, ack, logger)
		return
	}
	ack.RequestID = req.RequestID

	jobID, err := mgr.Submit(req.Kind, req.Items, req.Config)
	if err != nil {
		logger.Warn("submission rejected", "request_id", req.RequestID, "kind", req.Kind, "err", err)
		ack.Error = err.Error()
		ack.ErrorCode = engine.Classify(err)
		publishAck(nc, cfg.AcceptedSubject, ack, logger)
		return
	}

	ack.JobID = jobID
	publishAck(nc, cfg.AcceptedSubject, ack, logger)
}

func publishAck(nc *bus.Client, subject string, ack schema.JobAccepted, logger *slog.Logger) {
	if err := nc.PublishJSON(subject, ack); err != nil {
		logger.Error("publish ack failed", "subject", subject, "request_id", ack.RequestID, "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
