package main

import (
	"context"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redis/go-redis/v9"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/engine"
	engineinmem "github.com/levelcode/agentkit/agent/engine/inmem"
	enginetemporal "github.com/levelcode/agentkit/agent/engine/temporal"
	"github.com/levelcode/agentkit/agent/hooks"
	"github.com/levelcode/agentkit/agent/memory"
	memoryinmem "github.com/levelcode/agentkit/agent/memory/inmem"
	memorymongo "github.com/levelcode/agentkit/agent/memory/mongo"
	memorymongoclient "github.com/levelcode/agentkit/agent/memory/mongo/clients/mongo"
	"github.com/levelcode/agentkit/agent/model"
	"github.com/levelcode/agentkit/agent/model/anthropic"
	"github.com/levelcode/agentkit/agent/model/openai"
	"github.com/levelcode/agentkit/agent/model/ratelimit"
	"github.com/levelcode/agentkit/agent/policy/basic"
	"github.com/levelcode/agentkit/agent/registry"
	"github.com/levelcode/agentkit/agent/registry/bundle"
	"github.com/levelcode/agentkit/agent/registry/remote"
	"github.com/levelcode/agentkit/agent/run"
	runinmem "github.com/levelcode/agentkit/agent/run/inmem"
	runmongo "github.com/levelcode/agentkit/agent/run/mongo"
	runmongoclient "github.com/levelcode/agentkit/agent/run/mongo/clients/mongo"
	"github.com/levelcode/agentkit/agent/runtime"
	"github.com/levelcode/agentkit/agent/spawn"
	"github.com/levelcode/agentkit/agent/stream"
	"github.com/levelcode/agentkit/agent/telemetry"
	"github.com/levelcode/agentkit/agent/toolexec"
	"github.com/levelcode/agentkit/agent/tools"
	temporalclient "go.temporal.io/sdk/client"
)

// deployment collects every long-lived collaborator wired from a Config,
// along with their cleanup. Close releases every resource it opened.
type deployment struct {
	Controller *runtime.Controller
	Registry   *registry.Registry
	Tools      *tools.Registry
	States     *agent.StateIndex
	Engine     engine.Engine

	closers []func()
}

func (d *deployment) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildDeployment wires every collaborator named in cfg into a running
// deployment: model client, tool registry (plus the built-in spawn_agents
// tool), policy engine, memory/run stores, agent template registry, and
// workflow engine, then a runtime.Controller driving all of them together.
func buildDeployment(ctx context.Context, cfg *Config) (*deployment, error) {
	d := &deployment{}

	modelClient, err := buildModelClient(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}

	toolReg := tools.NewRegistry()

	memStore, runStore, err := buildStores(cfg, d)
	if err != nil {
		return nil, err
	}

	remoteStore, err := buildRemoteStore(cfg, d)
	if err != nil {
		return nil, err
	}
	reg := registry.New(remoteStore)
	for _, dir := range cfg.Bundles {
		if err := bundle.LoadDir(dir, reg); err != nil {
			return nil, fmt.Errorf("load bundle %q: %w", dir, err)
		}
	}

	bus := hooks.NewBus()
	var sink stream.Sink = stream.Discard{}

	policyEngine, err := basic.New(basic.Options{})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	states := agent.NewStateIndex()
	executor := toolexec.New(toolReg, bus, sink)

	controller := runtime.New(runtime.Config{
		Model:           modelClient,
		Tools:           toolReg,
		Executor:        executor,
		Policy:          policyEngine,
		Bus:             bus,
		Sink:            sink,
		States:          states,
		MemoryStore:     memStore,
		RunStore:        runStore,
		ProposedContent: toolexec.NewProposedStore(),
	})

	spawner := &spawn.Spawner{
		Templates:      reg,
		States:         states,
		Runtime:        controller,
		MaxConcurrency: cfg.MaxSpawnConcurrency,
	}
	toolReg.Register(spawner.Tool())

	eng, err := buildEngine(cfg, d)
	if err != nil {
		return nil, err
	}

	d.Controller = controller
	d.Registry = reg
	d.Tools = toolReg
	d.States = states
	d.Engine = eng
	return d, nil
}

func buildModelClient(cfg ModelConfig) (model.Client, error) {
	client, err := buildRawModelClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit != nil {
		client = ratelimit.New(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM).Wrap(client)
	}
	return client, nil
}

func buildRawModelClient(cfg ModelConfig) (model.Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return anthropic.NewFromAPIKey(cfg.APIKey, cfg.DefaultModel)
	case "openai":
		return openai.New(openai.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			HighModel:    cfg.HighModel,
			SmallModel:   cfg.SmallModel,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q (bedrock requires wiring an aws-sdk-go-v2 bedrockruntime.Client directly; see agent/model/bedrock)", cfg.Provider)
	}
}

func buildStores(cfg *Config, d *deployment) (memory.Store, run.Store, error) {
	if cfg.Mongo == nil {
		return memoryinmem.New(), runinmem.New(), nil
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	d.closers = append(d.closers, func() { _ = client.Disconnect(context.Background()) })

	memStore, err := memorymongo.NewStoreFromMongo(memorymongoclient.Options{
		Client:     client,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.MemoryColl,
		Timeout:    cfg.Mongo.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mongo memory store: %w", err)
	}

	runStore, err := runmongo.NewStoreFromMongo(runmongoclient.Options{
		Client:     client,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.RunColl,
		Timeout:    cfg.Mongo.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mongo run store: %w", err)
	}

	return memStore, runStore, nil
}

func buildRemoteStore(cfg *Config, d *deployment) (registry.RemoteStore, error) {
	if cfg.Redis == nil {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.closers = append(d.closers, func() { _ = client.Close() })
	return remote.New(client), nil
}

func buildEngine(cfg *Config, d *deployment) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case "", "inmem":
		return engineinmem.New(), nil
	case "temporal":
		opts := enginetemporal.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Engine.HostPort,
				Namespace: cfg.Engine.Namespace,
			},
			WorkerOptions: enginetemporal.WorkerOptions{TaskQueue: cfg.TaskQueue},
			Logger:        telemetry.NewClueLogger(),
			Metrics:       telemetry.NewClueMetrics(),
			Tracer:        telemetry.NewClueTracer(),
		}
		eng, err := enginetemporal.New(opts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: %w", err)
		}
		d.closers = append(d.closers, eng.Close)
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}
