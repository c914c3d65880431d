package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/evpipe/internal/config"
	"github.com/rzbill/evpipe/internal/dlq"
	"github.com/rzbill/evpipe/internal/envelope"
	"github.com/rzbill/evpipe/internal/monitor"
	"github.com/rzbill/evpipe/internal/processor"
	"github.com/rzbill/evpipe/internal/reclaim"
	runtimepkg "github.com/rzbill/evpipe/internal/runtime"
	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/worker"
	logpkg "github.com/rzbill/evpipe/pkg/log"
)

func main() {
	// Respect EVPIPE_LOG_LEVEL for all commands.
	level := os.Getenv("EVPIPE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "evpipe",
		Short: "Event pipeline CLI",
		Long:  "evpipe is a single-binary event pipeline: produce, consume, reclaim stuck entries, reprocess the DLQ, and watch lag.",
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("EVPIPE_CONFIG"), "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")
	rootCmd.PersistentFlags().String("stream", "", "Main stream name")
	rootCmd.PersistentFlags().String("dlq-stream", "", "DLQ stream name")
	rootCmd.PersistentFlags().String("group", "", "Consumer group name")
	rootCmd.PersistentFlags().String("fsync", "always", "Fsync mode: always|interval|never")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error")

	rootCmd.AddCommand(newProduceCmd(logger))
	rootCmd.AddCommand(newConsumeCmd(logger))
	rootCmd.AddCommand(newReclaimCmd(logger))
	rootCmd.AddCommand(newDLQCmd(logger))
	rootCmd.AddCommand(newMonitorCmd(logger))
	rootCmd.AddCommand(newStatusCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openRuntime resolves config (file, env, flags) and opens storage.
func openRuntime(cmd *cobra.Command, logger logpkg.Logger) (*runtimepkg.Runtime, cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return nil, cfgpkg.Config{}, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("stream"); v != "" {
		cfg.Stream = v
	}
	if v, _ := cmd.Flags().GetString("dlq-stream"); v != "" {
		cfg.DLQStream = v
	}
	if v, _ := cmd.Flags().GetString("group"); v != "" {
		cfg.Group = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		if lvl, err := logpkg.ParseLevel(v); err == nil {
			logger.SetLevel(lvl)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgpkg.Config{}, err
	}

	fsyncMode, _ := cmd.Flags().GetString("fsync")
	mode := pebblestore.FsyncModeAlways
	switch fsyncMode {
	case "never":
		mode = pebblestore.FsyncModeNever
	case "interval":
		mode = pebblestore.FsyncModeInterval
	case "always", "":
		mode = pebblestore.FsyncModeAlways
	default:
		return nil, cfgpkg.Config{}, fmt.Errorf("invalid --fsync; use always|interval|never")
	}

	rt, err := runtimepkg.Open(runtimepkg.Options{DataDir: cfg.DataDir, Fsync: mode, Config: cfg})
	if err != nil {
		return nil, cfgpkg.Config{}, err
	}
	return rt, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// defaultProcessor logs each event; payloads with {"fail": true} fail, which
// makes the DLQ path easy to exercise end to end.
func defaultProcessor(logger logpkg.Logger) processor.Processor {
	plog := logger.WithComponent("processor")
	reg := processor.NewRegistry(processor.Func(func(_ context.Context, ev *envelope.Event) error {
		var body struct {
			Fail bool `json:"fail"`
		}
		_ = json.Unmarshal(ev.Payload, &body)
		if body.Fail {
			return processor.ErrSimulatedFailure
		}
		plog.Info("processed event",
			logpkg.F("type", ev.Type),
			logpkg.F("attempt_count", ev.AttemptCount),
			logpkg.F("retry_count", ev.RetryCount),
		)
		return nil
	}))
	return reg
}

func newProduceCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Append events to the main stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			evType, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			count, _ := cmd.Flags().GetInt("count")
			interval, _ := cmd.Flags().GetDuration("interval")

			ctx, cancel := signalContext()
			defer cancel()
			for i := 0; i < count; i++ {
				if i > 0 && interval > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				b, err := envelope.Encode(&envelope.Event{
					Type:         evType,
					Payload:      json.RawMessage(payload),
					OriginStream: cfg.Stream,
				})
				if err != nil {
					return err
				}
				id, err := rt.Log().Append(ctx, cfg.Stream, b)
				if err != nil {
					return err
				}
				fmt.Println("appended:", id)
			}
			return nil
		},
	}
	cmd.Flags().String("type", "demo", "Event type")
	cmd.Flags().String("payload", "{}", "Event payload (JSON)")
	cmd.Flags().Int("count", 1, "Number of events to append")
	cmd.Flags().Duration("interval", 0, "Pause between appends")
	return cmd
}

func newConsumeCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run consumer workers against the group",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			workers, _ := cmd.Flags().GetInt("workers")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if batchSize <= 0 {
				batchSize = cfg.Worker.BatchSize
			}
			withReclaim, _ := cmd.Flags().GetBool("with-reclaim")

			ctx, cancel := signalContext()
			defer cancel()
			proc := defaultProcessor(logger)

			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < workers; i++ {
				w := worker.New(rt.Log(), proc, worker.Config{
					Stream:          cfg.Stream,
					DLQStream:       cfg.DLQStream,
					Group:           cfg.Group,
					BatchSize:       batchSize,
					BlockTimeout:    cfg.Worker.BlockTimeout.Std(),
					ReadRetryWindow: cfg.Worker.ReadRetryWindow.Std(),
				}, logger)
				g.Go(func() error { return w.Run(ctx) })
			}
			if withReclaim {
				r := reclaim.New(rt.Log(), proc, reclaim.Config{
					Stream:        cfg.Stream,
					DLQStream:     cfg.DLQStream,
					Group:         cfg.Group,
					IdleThreshold: cfg.Reclaim.IdleThreshold.Std(),
					MaxRetries:    cfg.Reclaim.MaxRetries,
					Interval:      cfg.Reclaim.Interval.Std(),
				}, logger)
				g.Go(func() error { return r.Run(ctx) })
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int("workers", 1, "Concurrent workers in this process")
	cmd.Flags().Int("batch-size", 0, "Entries per read batch")
	cmd.Flags().Bool("with-reclaim", true, "Run the pending reclaimer alongside the workers")
	return cmd
}

func newReclaimCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Recover entries stuck in the pending set",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			once, _ := cmd.Flags().GetBool("once")
			idleMs, _ := cmd.Flags().GetInt("idle-ms")
			rc := reclaim.Config{
				Stream:        cfg.Stream,
				DLQStream:     cfg.DLQStream,
				Group:         cfg.Group,
				IdleThreshold: cfg.Reclaim.IdleThreshold.Std(),
				MaxRetries:    cfg.Reclaim.MaxRetries,
				Interval:      cfg.Reclaim.Interval.Std(),
			}
			if idleMs > 0 {
				rc.IdleThreshold = time.Duration(idleMs) * time.Millisecond
			}
			r := reclaim.New(rt.Log(), defaultProcessor(logger), rc, logger)

			ctx, cancel := signalContext()
			defer cancel()
			if once {
				stats, err := r.ReclaimOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scanned=%d reclaimed=%d quarantined=%d\n", stats.Scanned, stats.Reclaimed, stats.Quarantined)
				return nil
			}
			err = r.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Bool("once", false, "Run a single reclaim pass and exit")
	cmd.Flags().Int("idle-ms", 0, "Override idle threshold in ms")
	return cmd
}

func newDLQCmd(logger logpkg.Logger) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue operations"}

	reprocessCmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry DLQ records up to the retry ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			continuous, _ := cmd.Flags().GetBool("continuous")
			reinject, _ := cmd.Flags().GetBool("reinject")
			rp := dlq.New(rt.Log(), defaultProcessor(logger), dlq.Config{
				DLQStream:  cfg.DLQStream,
				MainStream: cfg.Stream,
				Reinject:   reinject || cfg.DLQ.Reinject,
				BatchSize:  cfg.DLQ.BatchSize,
				MaxRetries: cfg.DLQ.MaxRetries,
				Interval:   cfg.DLQ.Interval.Std(),
			}, logger)

			ctx, cancel := signalContext()
			defer cancel()
			if continuous {
				err := rp.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			rep, err := rp.ReprocessBatch(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("read=%d recovered=%d requeued=%d dead=%d skipped=%d\n",
				rep.Read, rep.Recovered, rep.Requeued, rep.Dead, rep.Skipped)
			return nil
		},
	}
	reprocessCmd.Flags().Bool("continuous", false, "Keep reprocessing on an interval")
	reprocessCmd.Flags().Bool("reinject", false, "Re-append recovered events to the main stream")
	dlqCmd.AddCommand(reprocessCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Inspect DLQ records, optionally filtered by a CEL expression",
		Long:  "Filter expressions see id, type, attempt_count, retry_count, dead, last_error, origin_stream, and the parsed payload as json.\nExample: evpipe dlq list --filter 'dead && retry_count >= 3'",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := signalContext()
			defer cancel()
			records, err := dlq.List(ctx, rt.Log(), cfg.DLQStream, filter, limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.Event == nil {
					fmt.Printf("%d\t<undecodable> %s\n", rec.ID, string(rec.Raw))
					continue
				}
				b, _ := json.Marshal(rec.Event)
				fmt.Printf("%d\t%s\n", rec.ID, string(b))
			}
			fmt.Printf("%d record(s)\n", len(records))
			return nil
		},
	}
	listCmd.Flags().String("filter", "", "CEL filter expression")
	listCmd.Flags().Int("limit", 100, "Maximum records to read")
	dlqCmd.AddCommand(listCmd)

	return dlqCmd
}

func newMonitorCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch consumer-group lag and DLQ depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			once, _ := cmd.Flags().GetBool("once")
			m := monitor.New(rt.Log(), monitor.Config{
				Stream:       cfg.Stream,
				DLQStream:    cfg.DLQStream,
				Group:        cfg.Group,
				Interval:     cfg.Monitor.Interval.Std(),
				LagThreshold: cfg.Monitor.LagThreshold,
			}, logger)

			ctx, cancel := signalContext()
			defer cancel()
			if once {
				snap, err := m.Snapshot(ctx)
				if err != nil {
					return err
				}
				b, _ := json.MarshalIndent(snap, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			err = m.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Bool("once", false, "Print one snapshot as JSON and exit")
	return cmd
}

func newStatusCmd(logger logpkg.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check storage health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := openRuntime(cmd, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := signalContext()
			defer cancel()
			if err := rt.CheckHealth(ctx); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
