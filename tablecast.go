package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/dispatch"
	"github.com/tablecast/tablecast/relay"
	"github.com/tablecast/tablecast/sim"
	"github.com/tablecast/tablecast/stream"
	"github.com/tablecast/tablecast/telemetry"
	"github.com/tablecast/tablecast/watch"
	"github.com/tablecast/tablecast/web"

	// Register the built-in relay sinks and transformers
	_ "github.com/tablecast/tablecast/relay/sink"
	_ "github.com/tablecast/tablecast/relay/transformer"
)

const statsInterval = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var logOut io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		logOut = os.Stdout
	}
	gLog := zerolog.New(logOut).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tablecast - Live SQLite Change Feeds")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Store and watched tables
	store, err := db.Open(cfg.Config.DBPath, cfg.Config.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return 1
	}
	defer store.Close()

	ctx := context.Background()

	// One-shot uninstall: drop the capture machinery and leave the data
	if *cfg.CleanupFlag {
		if err := store.Teardown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to remove capture state")
			return 1
		}
		log.Info().Str("db", store.Path()).Msg("Capture state removed")
		return 0
	}

	if err := store.Ensure(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare watched tables")
		return 1
	}
	if cfg.Config.Seed {
		if err := store.SeedDemo(ctx); err != nil {
			log.Warn().Err(err).Msg("Demo seeding failed")
		}
	}

	// Batch writer for all mutations
	batchWriter := db.NewBatchWriter(cfg.Config.DBPath, 0, 0)
	if err := batchWriter.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start batch writer")
		return 1
	}
	defer batchWriter.Stop()

	// Fan-out: registry, dispatcher, change watcher
	registry := dispatch.NewRegistry(
		cfg.Config.Dispatch.BufferSize,
		time.Duration(cfg.Config.Dispatch.SendTimeoutMS)*time.Millisecond,
	)

	// A halted change source surfaces here and shuts the process down
	fatalCh := make(chan *watch.ObservationError, 1)
	dispatcher := dispatch.NewDispatcher(registry, func(oerr *watch.ObservationError) {
		select {
		case fatalCh <- oerr:
		default:
		}
	})

	watcher, err := watch.New(store, watch.Config{
		PollInterval: time.Duration(cfg.Config.Watch.PollIntervalMS) * time.Millisecond,
		BatchSize:    cfg.Config.Watch.BatchSize,
		MaxFailures:  cfg.Config.Watch.MaxPollFailures,
	}, dispatcher.OnChange, dispatcher.OnSourceError)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change watcher")
		return 1
	}
	if err := watcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start change watcher")
		return 1
	}
	defer watcher.Stop()

	// Broker relay
	var rl *relay.Relay
	if cfg.Config.Relay.Enabled {
		log.Info().Int("sinks", len(cfg.Config.Relay.Sinks)).Msg("Initializing relay")
		rl, err = relay.New(store, cfg.Config.DataDir, cfg.Config.Relay.Sinks)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize relay")
			return 1
		}
		if err := rl.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start relay")
			return 1
		}
		defer rl.Stop()
	}

	// Changelog janitor prunes below the slowest consumer
	janitor := db.NewJanitor(store,
		time.Duration(cfg.Config.Changelog.CleanupIntervalSeconds)*time.Second,
		time.Duration(cfg.Config.Changelog.RetentionSeconds)*time.Second,
		func() uint64 {
			low := watcher.Cursor()
			if rl != nil {
				if rc := rl.MinCursor(); rc < low {
					low = rc
				}
			}
			return low
		},
	)
	janitor.Start()
	defer janitor.Stop()

	// HTTP server: UI, API, WebSocket and SSE streams
	streamer := stream.NewStreamer(store, registry)
	if cfg.Config.Server.Enabled {
		handlers := web.NewHandlers(store, batchWriter, streamer, healthState(store, registry, watcher, rl))
		webServer := web.NewServer(cfg.Config.Server.Bind, web.NewRouter(handlers))
		if err := webServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			webServer.Stop(sctx)
		}()
	}

	// Stream clients are kicked before the HTTP server drains, so shutdown
	// does not wait out long-lived connections
	defer registry.Shutdown()

	// Demo simulator
	if cfg.Config.Sim.Enabled {
		simulator, err := sim.New(store, batchWriter, cfg.Config.Sim)
		if err != nil {
			log.Warn().Err(err).Msg("Simulator disabled")
		} else if err := simulator.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start simulator")
		} else {
			defer simulator.Stop()
		}
	}

	collector := telemetry.NewCollector(statsInterval, func() { sampleStats(store, rl) })
	collector.Start()
	defer collector.Stop()

	log.Info().Msg("Tablecast started successfully")
	log.Info().
		Str("db", cfg.Config.DBPath).
		Str("bind", cfg.Config.Server.Bind).
		Int("tables", len(cfg.Config.Tables)).
		Bool("relay", rl != nil).
		Msg("Instance is operational")

	// Run until a signal arrives or change observation halts
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return 0
	case oerr := <-fatalCh:
		log.Error().Err(oerr).Msg("Shutting down after observation failure")
		return 1
	}
}

// healthState builds the component report merged into /healthz responses.
func healthState(store *db.Store, registry *dispatch.Registry, watcher *watch.Watcher, rl *relay.Relay) web.HealthFunc {
	return func() map[string]any {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		state := map[string]any{
			"watcher":     map[string]any{"cursor": watcher.Cursor()},
			"subscribers": registry.Len(),
		}
		if backlog, err := store.Backlog(ctx); err == nil {
			state["changelog_backlog"] = backlog
		}
		if rl != nil {
			state["relay"] = map[string]any{
				"workers": rl.Workers(),
				"cursors": rl.Cursors(),
			}
		}
		return state
	}
}

// sampleStats refreshes the gauges that cannot be maintained
// incrementally: changelog backlog and per-sink relay lag.
func sampleStats(store *db.Store, rl *relay.Relay) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if backlog, err := store.Backlog(ctx); err == nil {
		telemetry.ChangelogBacklog.Set(float64(backlog))
	}

	if rl == nil {
		return
	}
	head, err := store.MaxSeq(ctx)
	if err != nil {
		return
	}
	for name, cursor := range rl.Cursors() {
		lag := uint64(0)
		if head > cursor {
			lag = head - cursor
		}
		telemetry.RelayLag.With(name).Set(float64(lag))
	}
}
