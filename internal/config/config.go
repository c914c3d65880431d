package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string  `json:"dataDir" yaml:"dataDir"`
	Stream    string  `json:"stream" yaml:"stream"`
	DLQStream string  `json:"dlqStream" yaml:"dlqStream"`
	Group     string  `json:"group" yaml:"group"`
	Worker    Worker  `json:"worker" yaml:"worker"`
	Reclaim   Reclaim `json:"reclaim" yaml:"reclaim"`
	DLQ       DLQ     `json:"dlq" yaml:"dlq"`
	Monitor   Monitor `json:"monitor" yaml:"monitor"`
}

// Worker captures consumer-loop tuning.
type Worker struct {
	BatchSize       int      `json:"batchSize" yaml:"batchSize"`
	BlockTimeout    Duration `json:"blockTimeout" yaml:"blockTimeout"`
	ReadRetryWindow Duration `json:"readRetryWindow" yaml:"readRetryWindow"`
}

// Reclaim captures pending-set recovery tuning.
type Reclaim struct {
	IdleThreshold Duration `json:"idleThreshold" yaml:"idleThreshold"`
	MaxRetries    int      `json:"maxRetries" yaml:"maxRetries"`
	Interval      Duration `json:"interval" yaml:"interval"`
}

// DLQ captures reprocessing tuning.
type DLQ struct {
	BatchSize  int      `json:"batchSize" yaml:"batchSize"`
	MaxRetries int      `json:"maxRetries" yaml:"maxRetries"`
	Interval   Duration `json:"interval" yaml:"interval"`
	Reinject   bool     `json:"reinject" yaml:"reinject"`
}

// Monitor captures health-snapshot tuning.
type Monitor struct {
	Interval     Duration `json:"interval" yaml:"interval"`
	LagThreshold uint64   `json:"lagThreshold" yaml:"lagThreshold"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:   DefaultDataDir(),
		Stream:    "events",
		DLQStream: "events-dlq",
		Group:     "pipeline",
		Worker: Worker{
			BatchSize:       10,
			BlockTimeout:    Duration(time.Second),
			ReadRetryWindow: Duration(30 * time.Second),
		},
		Reclaim: Reclaim{
			IdleThreshold: Duration(30 * time.Second),
			MaxRetries:    3,
			Interval:      Duration(10 * time.Second),
		},
		DLQ: DLQ{
			BatchSize:  10,
			MaxRetries: 3,
			Interval:   Duration(time.Minute),
		},
		Monitor: Monitor{
			Interval: Duration(5 * time.Second),
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension), overlays
// defaults, then overlays EVPIPE_* environment variables. If path is empty,
// only defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("stream name must not be empty")
	}
	if c.DLQStream == "" {
		return fmt.Errorf("dlq stream name must not be empty")
	}
	if c.Stream == c.DLQStream {
		return fmt.Errorf("stream and dlq stream must differ")
	}
	if c.Group == "" {
		return fmt.Errorf("group name must not be empty")
	}
	if c.Reclaim.MaxRetries < 1 {
		return fmt.Errorf("reclaim.maxRetries must be at least 1")
	}
	if c.DLQ.MaxRetries < 1 {
		return fmt.Errorf("dlq.maxRetries must be at least 1")
	}
	return nil
}

// Duration marshals as a Go duration string ("30s") in both JSON and YAML,
// and additionally accepts bare integers as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(t))
		return nil
	case int:
		*d = Duration(time.Duration(t))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
