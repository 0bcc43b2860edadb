// Command statesync is a reference harness for the state synchronization
// runtime: it reads newline-delimited protocol events on stdin, feeds them
// to a single run, and writes every state update to stdout as JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	internalconfig "github.com/PipeOpsHQ/statesync/internal/config"
	"github.com/PipeOpsHQ/statesync/notify"
	"github.com/PipeOpsHQ/statesync/observe"
	journalsqlite "github.com/PipeOpsHQ/statesync/observe/store/sqlite"
	"github.com/PipeOpsHQ/statesync/resync"
	"github.com/PipeOpsHQ/statesync/resync/redisstreams"
	"github.com/PipeOpsHQ/statesync/router"
	"github.com/PipeOpsHQ/statesync/runtime"
	"github.com/PipeOpsHQ/statesync/runtimeconfig"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", strings.TrimSpace(os.Getenv("STATESYNC_CONFIG")), "path to a JSON or YAML config file")
		runID      = flag.String("run", "", "run ID (generated when empty)")
		verbose    = flag.Bool("verbose", internalconfig.ParseBoolString(os.Getenv("STATESYNC_VERBOSE"), false), "log diagnostics events")
	)
	flag.Parse()

	if err := run(*configPath, *runID, *verbose); err != nil {
		log.Fatalf("statesync: %v", err)
	}
}

func run(configPath, runID string, verbose bool) error {
	ctx := context.Background()

	var cfg runtimeconfig.Config
	if configPath != "" {
		loaded, err := runtimeconfig.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	opts, cleanup, err := buildOptions(cfg, verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	rt := runtime.New(opts...)
	runID, err = rt.BeginRun(ctx, runID)
	if err != nil {
		return err
	}
	defer func() { _ = rt.EndRun(ctx, runID) }()
	log.Printf("run %s started", runID)

	out := json.NewEncoder(os.Stdout)
	if _, err := rt.Subscribe(runID, notify.SubscriberFunc(func(doc any) {
		if err := out.Encode(map[string]any{"runId": runID, "state": doc}); err != nil {
			log.Printf("failed to write state update: %v", err)
		}
	})); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result, err := rt.HandleEvent(ctx, runID, []byte(line))
		if err != nil {
			// Malformed payloads and unknown runs are not fatal to
			// the stream; report and keep reading.
			log.Printf("event dropped: %v", err)
			continue
		}
		if result.Action == router.ActionPassThrough && verbose {
			log.Printf("pass-through event %s", result.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}

	stats := rt.Stats()
	log.Printf("run %s finished: %d snapshots, %d deltas applied, %d rejected, %d passed through",
		runID, stats.SnapshotsApplied, stats.DeltasApplied, stats.DeltasRejected, stats.PassedThrough)
	return nil
}

func buildOptions(cfg runtimeconfig.Config, verbose bool) ([]runtime.Option, func(), error) {
	var opts []runtime.Option
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if verbose {
		logSink := observe.NewAsyncSink(observe.SinkFunc(func(_ context.Context, e observe.Event) error {
			log.Printf("[%s/%s] run=%s %s", e.Kind, e.Status, e.RunID, e.Error)
			return nil
		}), 256)
		cleanups = append(cleanups, logSink.Close)
		opts = append(opts, runtime.WithSink(logSink))
	}

	if cfg.JournalPath != "" {
		journal, err := journalsqlite.New(cfg.JournalPath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { _ = journal.Close() })
		opts = append(opts, runtime.WithJournal(journal))
	}

	if cfg.Redis != nil {
		dispatcher, err := redisstreams.New(cfg.Redis.Addr,
			redisstreams.WithPrefix(cfg.Redis.Prefix),
			redisstreams.WithGroup(cfg.Redis.Group),
			redisstreams.WithPassword(cfg.Redis.Password),
			redisstreams.WithDB(cfg.Redis.DB),
		)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { _ = dispatcher.Close() })
		opts = append(opts, runtime.WithResyncDispatcher(dispatcher))
	} else {
		opts = append(opts, runtime.WithResyncDispatcher(resync.DispatcherFunc(func(_ context.Context, req resync.Request) error {
			log.Printf("resync needed for run %s: %s at op %d", req.RunID, req.Reason, req.OpIndex)
			return nil
		})))
	}

	if maxOps := internalconfig.ParseIntEnv("STATESYNC_MAX_DELTA_OPS", cfg.MaxDeltaOps); maxOps > 0 {
		opts = append(opts, runtime.WithMaxDeltaOps(maxOps))
	}
	if redispatch := internalconfig.ParseDurationEnv("STATESYNC_RESYNC_REDISPATCH", cfg.RedispatchInterval()); redispatch > 0 {
		opts = append(opts, runtime.WithResyncRedispatch(redispatch))
	}
	return opts, cleanup, nil
}
