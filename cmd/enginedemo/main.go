// Command enginedemo wires every engine package into a single running
// process and drives one task to completion against a real LLM provider.
// It is a runnable wiring example, not a product CLI: no flags beyond the
// prompt, no REPL, no output formatting beyond structured log lines.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/config"
	"github.com/orbitx-agent/taskengine/internal/enginelog"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/executor"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/llmprovider/anthropicstream"
	"github.com/orbitx-agent/taskengine/internal/llmprovider/openaistream"
	"github.com/orbitx-agent/taskengine/internal/persistence"
	"github.com/orbitx-agent/taskengine/internal/persistence/pg"
	"github.com/orbitx-agent/taskengine/internal/ratelimit"
	"github.com/orbitx-agent/taskengine/internal/telemetry"
	"github.com/orbitx-agent/taskengine/internal/tools"
	"github.com/orbitx-agent/taskengine/internal/tools/editfile"
	"github.com/orbitx-agent/taskengine/internal/tools/mcp"
)

func main() {
	if err := run(); err != nil {
		enginelog.Logger().Fatal().Err(err).Msg("enginedemo exited with error")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building persistence store: %w", err)
	}
	defer closeStore()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building blob store: %w", err)
	}
	checkpoints := checkpoint.NewService(blobs)

	workspaceRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}

	registry, err := buildRegistry(cfg, workspaceRoot)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	provider, defaultModel, err := buildProvider()
	if err != nil {
		return fmt.Errorf("building LLM provider: %w", err)
	}

	exec := executor.New(store, checkpoints, registry, provider, executor.Defaults{
		SystemPrompt:         "You are a careful software engineering agent. Use tools to inspect and edit files; never narrate a tool result without calling the tool.",
		Model:                defaultModel,
		Temperature:          0.2,
		MaxTokens:            4096,
		MaxIterations:        cfg.MaxIterations,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		CompactionThreshold:  cfg.CompactionThresholdPercent,
		ContextWindow:        cfg.ContextWindow,
	})

	prompt := "Summarize the files in the current directory."
	if len(os.Args) > 1 {
		prompt = os.Args[1]
	}

	log := enginelog.Logger()
	sink := events.SinkFunc(func(e events.Event) error {
		log.Info().Str("kind", string(e.Kind)).Str("task_id", e.TaskID).Str("reason", e.Reason).Msg("progress")
		return nil
	})

	taskID, err := exec.ExecuteTask(ctx, executor.ExecuteTaskInput{
		SessionID:     1,
		WorkspaceRoot: workspaceRoot,
		UserPrompt:    prompt,
		ProgressSink:  sink,
	})
	if err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	log.Info().Str("task_id", taskID).Msg("task started")

	waitForTerminal(ctx, store, taskID)
	return nil
}

// waitForTerminal polls the persisted task record until it reaches a
// terminal status or the context is cancelled, since ExecuteTask returns
// as soon as the orchestrator loop is spawned (spec §4.6 execute_task is
// fire-and-report, not fire-and-wait).
func waitForTerminal(ctx context.Context, store *persistence.Store, taskID string) {
	log := enginelog.Logger()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("interrupted before task reached a terminal state")
			return
		case <-ticker.C:
			rec, err := store.AgentTasks.FindByTaskID(ctx, taskID)
			if err != nil {
				log.Error().Err(err).Msg("looking up task record")
				continue
			}
			switch rec.Status {
			case blockmodel.TaskCompleted, blockmodel.TaskError, blockmodel.TaskCancelled:
				log.Info().Str("status", string(rec.Status)).Msg("task reached a terminal state")
				return
			}
		}
	}
}

// buildStore picks the Postgres-backed Store when DATABASE_URL is set,
// otherwise the in-memory Store (spec §6's "repository interfaces + pg
// implementation" names Postgres as the production backend but never
// requires it for every environment this demo might run in).
func buildStore(ctx context.Context, cfg config.Config) (*persistence.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return persistence.NewMemoryStore(), func() {}, nil
	}
	store, closeFn, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, closeFn, nil
}

// buildBlobStore selects the configured Blob Store backend (spec §4.5,
// SPEC_FULL §B).
func buildBlobStore(ctx context.Context, cfg config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobStoreBackend {
	case config.BlobStoreS3:
		return blobstore.NewS3Store(ctx, cfg)
	case config.BlobStoreMemory:
		return blobstore.NewMemoryStore(), nil
	default:
		return blobstore.NewFSStore(cfg.BlobStoreRoot)
	}
}

// buildRegistry assembles the Tool Registry with the smart-edit tool and
// any configured MCP servers, gated by the file-backed permission checker
// (spec §4.3) and a sliding-window rate limiter (SPEC_FULL §B): Redis-backed
// when REDIS_ADDR is set, in-process otherwise.
func buildRegistry(cfg config.Config, workspaceRoot string) (*tools.Registry, error) {
	checker := tools.NewFileBackedChecker()

	var limiter ratelimit.Limiter = ratelimit.NewInProcessLimiter()
	if cfg.RedisAddr != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis rate limiter: %w", err)
		}
		limiter = redisLimiter
	}

	registry := tools.NewRegistry(checker, checker, limiter, events.Discard)
	// editfile.NoopHooks is only the fallback: this Registry is shared across
	// every task the process runs, so the real per-task checkpoint/journal
	// Hooks are injected into ctx by the orchestrator at dispatch time
	// (internal/orchestrator.handleToolCalls), not bound here.
	registry.Register(editfile.New(workspaceRoot, editfile.NoopHooks{}), tools.ModeAgentTask, nil)

	if err := registerConfiguredMCPServers(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// registerConfiguredMCPServers is a placeholder extension point: this demo
// ships with none configured, since SPEC_FULL §B's MCP servers are
// deployment-specific and out of scope for a wiring example. A real
// deployment would read mcp.ServerConfig entries from the policy overlay
// and call mcp.Connect/Register here.
func registerConfiguredMCPServers(*tools.Registry) error {
	_ = mcp.ServerConfig{}
	return nil
}

// buildProvider picks the Anthropic or OpenAI streaming adapter based on
// which API key is present in the environment, preferring Anthropic since
// that's the model family the engine's compaction/context-window defaults
// assume first.
func buildProvider() (llmprovider.Provider, string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-sonnet-4"
		}
		p, err := anthropicstream.New(anthropicstream.Config{APIKey: key, DefaultModel: model})
		if err != nil {
			return nil, "", err
		}
		return p, model, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := os.Getenv("OPENAI_MODEL")
		if model == "" {
			model = "gpt-4o"
		}
		p, err := openaistream.New(openaistream.Config{APIKey: key, DefaultModel: model})
		if err != nil {
			return nil, "", err
		}
		return p, model, nil
	}
	return nil, "", errors.New("set ANTHROPIC_API_KEY or OPENAI_API_KEY to run enginedemo")
}
