// cmd/engine/config.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/biolens/analysis-engine/internal/strategy"
)

type config struct {
	NATSURL           string
	SubmitSubject     string
	AcceptedSubject   string
	CancelSubject     string
	ContributeSubject string
	LifecycleSubject  string
	ItemSubject       string
	RoundSubject      string

	Workers         int
	ItemConcurrency int
	StrategyTimeout time.Duration

	Threshold  float64
	Strategies []string
	References []strategy.Reference

	LocalModelURL string
	CloudModelURL string
}

// pipelineFile is the optional YAML file fixing the default waterfall:
// strategy order, confidence threshold and the local reference database.
type pipelineFile struct {
	Strategies []string `yaml:"strategies"`
	Threshold  float64  `yaml:"threshold"`
	References []struct {
		Label    string `yaml:"label"`
		Sequence string `yaml:"sequence"`
	} `yaml:"references"`
}

func loadConfig() (config, error) {
	cfg := config{
		NATSURL:           getenv("NATS_URL", "nats://127.0.0.1:4222"),
		SubmitSubject:     getenv("SUBJECT_SUBMIT", "analysis.jobs.submit"),
		AcceptedSubject:   getenv("SUBJECT_ACCEPTED", "analysis.jobs.accepted"),
		CancelSubject:     getenv("SUBJECT_CANCEL", "analysis.jobs.cancel"),
		ContributeSubject: getenv("SUBJECT_CONTRIBUTE", "analysis.rounds.contribute"),
		LifecycleSubject:  getenv("SUBJECT_LIFECYCLE", "analysis.jobs.lifecycle"),
		ItemSubject:       getenv("SUBJECT_ITEM", "analysis.jobs.item"),
		RoundSubject:      getenv("SUBJECT_ROUND", "analysis.rounds.closed"),
		LocalModelURL:     getenv("LOCAL_MODEL_URL", ""),
		CloudModelURL:     getenv("CLOUD_MODEL_URL", ""),
		Strategies:        []string{"database-match", "local-model", "cloud-model", "rule-fallback"},
	}

	workers, err := parsePositiveInt(getenv("ENGINE_WORKERS", "4"), "ENGINE_WORKERS")
	if err != nil {
		return config{}, err
	}
	cfg.Workers = workers

	itemConc, err := parsePositiveInt(getenv("ITEM_CONCURRENCY", "4"), "ITEM_CONCURRENCY")
	if err != nil {
		return config{}, err
	}
	cfg.ItemConcurrency = itemConc

	timeoutSec, err := parsePositiveInt(getenv("STRATEGY_TIMEOUT_SECONDS", "30"), "STRATEGY_TIMEOUT_SECONDS")
	if err != nil {
		return config{}, err
	}
	cfg.StrategyTimeout = time.Duration(timeoutSec) * time.Second

	threshold, err := strconv.ParseFloat(getenv("CONFIDENCE_THRESHOLD", "0.8"), 64)
	if err != nil {
		return config{}, fmt.Errorf("invalid CONFIDENCE_THRESHOLD: %w", err)
	}
	if threshold <= 0 || threshold > 1 {
		return config{}, fmt.Errorf("CONFIDENCE_THRESHOLD must be in (0,1] (got %v)", threshold)
	}
	cfg.Threshold = threshold

	if path := getenv("PIPELINE_CONFIG", ""); path != "" {
		if err := cfg.applyPipelineFile(path); err != nil {
			return config{}, fmt.Errorf("load pipeline config %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (c *config) applyPipelineFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var pf pipelineFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(pf.Strategies) > 0 {
		c.Strategies = pf.Strategies
	}
	if pf.Threshold != 0 {
		if pf.Threshold < 0 || pf.Threshold > 1 {
			return fmt.Errorf("threshold must be in (0,1] (got %v)", pf.Threshold)
		}
		c.Threshold = pf.Threshold
	}
	for _, ref := range pf.References {
		if ref.Label == "" || ref.Sequence == "" {
			return fmt.Errorf("reference entries need both label and sequence")
		}
		c.References = append(c.References, strategy.Reference{Label: ref.Label, Sequence: ref.Sequence})
	}
	return nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
