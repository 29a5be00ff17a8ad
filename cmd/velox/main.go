// Command velox hosts the FSM runtime: it loads configuration, wires the
// journal, bus, effects engine, registry and manager, registers the demo
// kinds and serves until interrupted.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veloxio/velox/pkg/ai"
	"github.com/veloxio/velox/pkg/bus"
	"github.com/veloxio/velox/pkg/config"
	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/effects"
	"github.com/veloxio/velox/pkg/fsm"
	"github.com/veloxio/velox/pkg/journal"
	"github.com/veloxio/velox/pkg/runtime"
	"github.com/veloxio/velox/pkg/telemetry"
	"github.com/veloxio/velox/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML/JSON config (VELOX_* env vars override)")
	flag.Parse()

	logger := core.NewDefaultLogger()

	cfg := config.Default()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "VELOX", &cfg); err != nil {
			logger.Errorf("load config: %v", err)
			os.Exit(1)
		}
	} else if err := config.ApplyEnvOverrides("VELOX", &cfg); err != nil {
		logger.Errorf("apply env overrides: %v", err)
		os.Exit(1)
	}
	if err := config.Validate(&cfg, config.Validators()...); err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	// Telemetry: structured log sink, plus Prometheus when an address is set.
	sinks := telemetry.MultiSink{telemetry.NewLogSink(logger)}
	if cfg.MetricsAddr != "" {
		prom := telemetry.NewPrometheusSink("velox")
		sinks = append(sinks, prom)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prom.Registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}
	sink := telemetry.NewAsyncSink(sinks, 4096)
	defer sink.Close()

	jnl := journal.New(filepath.Join(cfg.DataDir), journal.WithSink(sink), journal.WithLogger(logger))

	var b bus.Bus
	if cfg.NATSURL != "" {
		bridge, err := bus.NewNATSBridge(cfg.NATSURL, logger)
		if err != nil {
			logger.Errorf("nats bridge: %v", err)
			os.Exit(1)
		}
		defer bridge.Close()
		b = bus.NewBusWithForwarder(bridge)
	} else {
		b = bus.NewBus()
	}

	pools := worker.NewPools(worker.PoolSizes{
		Simple:      cfg.Pools.Simple,
		Medium:      cfg.Pools.Medium,
		Complex:     cfg.Pools.Complex,
		AIIntensive: cfg.Pools.AIIntensive,
		Queue:       cfg.Pools.Queue,
	})
	defer pools.Stop()

	var provider effects.Provider
	if cfg.AI.APIKey != "" || os.Getenv("OPENAI_API_KEY") != "" {
		client, err := ai.NewClient(ai.Config{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		})
		if err != nil {
			logger.Errorf("ai client: %v", err)
			os.Exit(1)
		}
		provider = ai.NewProvider(client)
	} else {
		logger.Warn("no AI credentials configured, using stub provider")
		provider = ai.NewStubProvider()
	}

	eff := effects.NewEngine(
		effects.WithLogger(logger),
		effects.WithSink(sink),
		effects.WithPools(pools),
		effects.WithProvider(provider),
	)

	registry := runtime.NewRegistry(
		runtime.WithRegistryLogger(logger),
		runtime.WithRegistrySink(sink),
	)
	engine := runtime.NewEngine(registry, jnl, b, eff,
		runtime.WithEngineLogger(logger),
		runtime.WithEngineSink(sink),
	)

	var snapshots runtime.SnapshotStore
	if cfg.SnapshotBackend == "sqlite" {
		store, err := runtime.NewSQLiteSnapshotStore(cfg.SnapshotDBPath)
		if err != nil {
			logger.Errorf("snapshot store: %v", err)
			os.Exit(1)
		}
		snapshots = store
	} else {
		snapshots = runtime.NewFileSnapshotStore(cfg.DataDir)
	}
	defer snapshots.Close()

	manager := runtime.NewManager(registry, engine, jnl, b, eff,
		runtime.WithManagerLogger(logger),
		runtime.WithSnapshots(snapshots),
	)

	registerDemoKinds(logger)

	loaded, err := manager.ReloadFromDisk()
	if err != nil {
		logger.Errorf("reload from disk: %v", err)
		os.Exit(1)
	}
	logger.Infof("velox up: %d instance(s) reloaded, %d kind(s) registered", loaded, len(fsm.ListKinds()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
}

// registerDemoKinds declares the built-in example machines.
func registerDemoKinds(logger core.Logger) {
	door := fsm.NewKind("velox.demo.Door").
		Description("Four-state door with an auto-close timer").
		InitialState("closed").
		State("closed").On("open_cmd", "opening").Done().
		State("opening").On("fully_open", "open").Done().
		State("open").
		On("close_cmd", "closing").
		TimerEffect(5*time.Minute, effects.Log("info", "door left open")).
		Done().
		State("closing").On("fully_closed", "closed").Done().
		Plugin(fsm.NewLoggerPlugin(logger), nil).
		MustBuild()
	fsm.Register(door)

	order := fsm.NewKind("velox.demo.Order").
		Description("Order flow with audit trail").
		InitialState("pending").
		State("pending").On("approve", "approved").On("reject", "rejected").Done().
		State("approved").On("ship", "shipped").Done().
		State("shipped").Done().
		State("rejected").Done().
		Validate(func(inst *fsm.Instance, event string, eventData map[string]any) (*fsm.Instance, error) {
			if event == "approve" {
				if user, _ := eventData["user"].(string); user == "" {
					return nil, &fsm.Error{Code: fsm.CodeValidationFailed, Message: "missing_user"}
				}
			}
			return inst, nil
		}).
		Plugin(&fsm.AuditPlugin{}, map[string]any{"max_entries": 100}).
		MustBuild()
	fsm.Register(order)
}
