package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays EVPIPE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("EVPIPE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EVPIPE_STREAM"); v != "" {
		cfg.Stream = v
	}
	if v := os.Getenv("EVPIPE_DLQ_STREAM"); v != "" {
		cfg.DLQStream = v
	}
	if v := os.Getenv("EVPIPE_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("EVPIPE_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BatchSize = n
		}
	}
	if v := os.Getenv("EVPIPE_WORKER_BLOCK_TIMEOUT"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Worker.BlockTimeout = Duration(dur)
		}
	}
	if v := os.Getenv("EVPIPE_RECLAIM_IDLE_THRESHOLD"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Reclaim.IdleThreshold = Duration(dur)
		}
	}
	if v := os.Getenv("EVPIPE_RECLAIM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reclaim.MaxRetries = n
		}
	}
	if v := os.Getenv("EVPIPE_RECLAIM_INTERVAL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Reclaim.Interval = Duration(dur)
		}
	}
	if v := os.Getenv("EVPIPE_DLQ_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DLQ.BatchSize = n
		}
	}
	if v := os.Getenv("EVPIPE_DLQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DLQ.MaxRetries = n
		}
	}
	if v := os.Getenv("EVPIPE_DLQ_REINJECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DLQ.Reinject = b
		}
	}
	if v := os.Getenv("EVPIPE_MONITOR_INTERVAL"); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = Duration(dur)
		}
	}
	if v := os.Getenv("EVPIPE_MONITOR_LAG_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Monitor.LagThreshold = n
		}
	}
}
