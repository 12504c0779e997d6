// Package runtime assembles the process: store, registry, fabric, engine,
// observability, and the HTTP surface, with ordered startup and shutdown.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/bidfabric/bidfabric/internal/agent"
	"github.com/bidfabric/bidfabric/internal/api"
	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/progress"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/trace"
	"github.com/bidfabric/bidfabric/internal/tracing"
	natstransport "github.com/bidfabric/bidfabric/internal/transport/nats"
	"github.com/bidfabric/bidfabric/internal/workflow"
)

// Core is the assembled process. Construct with New, then Start; Shutdown
// reverses startup order.
type Core struct {
	Cfg      config.Config
	Store    kvstore.Store
	Registry *registry.Registry
	Metrics  *trace.Metrics
	Tracer   *trace.Tracer
	Fabric   *fabric.Manager
	Library  *workflow.Library
	Engine   *workflow.Engine
	Trail    *progress.Trail
	Tracker  *progress.Tracker
	Provider *tracing.Provider
	Server   *api.Server

	runners []*agent.Runner
}

// Options tweak assembly beyond the config file.
type Options struct {
	// BuiltinAgents starts the demo RFP handler set.
	BuiltinAgents bool
	// DisableAPI skips the HTTP server (used by the submit CLI path and tests).
	DisableAPI bool
}

// New wires the runtime. Nothing runs until Start.
func New(cfg config.Config, opts Options) (*Core, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	metrics := trace.NewMetrics(cfg.Fabric.HistogramWindow)
	tracer := trace.NewTracer(cfg.Fabric.TraceBufferSize, metrics)
	reg := registry.New(cfg.Fabric.StaleAfter())

	transport, err := openTransport(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	fab := fabric.New(cfg.Fabric, fabric.Deps{
		Registry:  reg,
		Store:     store,
		Tracer:    tracer,
		Metrics:   metrics,
		Transport: transport,
	})

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	lib, err := workflow.NewLibrary(cfg.Workflow.TemplateDir)
	if err != nil {
		return nil, err
	}

	trail := progress.NewTrail(fab, store)
	pub := progress.NewPublisher(fab, workflow.EngineAgentID)
	engine := workflow.NewEngine(cfg.Workflow, workflow.Deps{
		Fabric:    fab,
		Library:   lib,
		Store:     store,
		Trail:     trail,
		Publisher: pub,
		Tracer:    provider.Tracer(),
	})

	c := &Core{
		Cfg:      cfg,
		Store:    store,
		Registry: reg,
		Metrics:  metrics,
		Tracer:   tracer,
		Fabric:   fab,
		Library:  lib,
		Engine:   engine,
		Trail:    trail,
		Provider: provider,
	}

	if !opts.DisableAPI {
		tracker, err := progress.NewTracker(fab)
		if err != nil {
			return nil, err
		}
		c.Tracker = tracker
		server, err := api.NewServer(api.ServerConfig{
			Addr: cfg.API.Addr,
			Handler: api.HandlerConfig{
				Engine:  engine,
				Fabric:  fab,
				Tracker: tracker,
				Trail:   trail,
				Metrics: metrics,
			},
		})
		if err != nil {
			return nil, err
		}
		c.Server = server
	}

	if opts.BuiltinAgents {
		if err := c.startBuiltinAgents(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Start begins background work: the registry sweeper, workflow resumption,
// and the HTTP server (which blocks until shutdown).
func (c *Core) Start(ctx context.Context) error {
	c.Registry.StartSweeper(c.Cfg.Fabric.HeartbeatInterval())
	if err := c.Engine.Start(ctx); err != nil {
		return err
	}
	log.Info(log.CatConfig, "runtime started", "data_dir", c.Cfg.DataDir, "store", c.Cfg.Store.Backend, "broker", c.Cfg.Broker.Backend)
	if c.Server != nil {
		return c.Server.Start()
	}
	return nil
}

// Shutdown stops components in reverse dependency order. Safe to call once.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.Server != nil {
		if err := c.Server.Stop(ctx); err != nil {
			log.Warn(log.CatAPI, "api shutdown error", "err", err)
		}
	}
	c.Engine.Shutdown()
	for _, r := range c.runners {
		r.Close()
	}
	if c.Tracker != nil {
		c.Tracker.Close()
	}
	c.Registry.StopSweeper()
	if err := c.Fabric.Shutdown(ctx); err != nil {
		log.Warn(log.CatFabric, "fabric shutdown error", "err", err)
	}
	c.Tracer.Close()
	c.Library.Close()
	if err := c.Provider.Shutdown(ctx); err != nil {
		log.Warn(log.CatTrace, "tracing shutdown error", "err", err)
	}
	if err := c.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	log.Info(log.CatConfig, "runtime stopped")
	return nil
}

// startBuiltinAgents launches one runner per builtin handler type.
func (c *Core) startBuiltinAgents() error {
	for agentType, handler := range agent.Builtins() {
		r, err := agent.NewRunner(c.Fabric, agentType+"-1", agentType, []string{agentType}, handler,
			agent.WithHandleTimeout(60*time.Second))
		if err != nil {
			return fmt.Errorf("starting builtin %s agent: %w", agentType, err)
		}
		c.runners = append(c.runners, r)
	}
	log.Info(log.CatAgent, "builtin agents started", "count", len(c.runners))
	return nil
}

func openStore(cfg config.Config) (kvstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return kvstore.NewSQLite(cfg.SQLiteFile())
	default:
		return kvstore.NewMemory(kvstore.MemoryOptions{
			SnapshotPath:     cfg.SnapshotFile(),
			SnapshotInterval: cfg.Store.SnapshotInterval(),
		})
	}
}

func openTransport(cfg config.Config) (fabric.Transport, error) {
	switch cfg.Broker.Backend {
	case "nats":
		return natstransport.Connect(cfg.Broker.NATSURL, cfg.Broker.SubjectPrefix)
	default:
		// nil lets the manager install its in-process transport.
		return nil, nil
	}
}
