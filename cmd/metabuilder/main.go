// Package main wires config, store, execution substrate, scheduler,
// agent catalog, and the orchestrator into one running service, and
// serves the §6 submission API over HTTP. Grounded on
// itsneelabh-gomind/examples/agent-with-resilience/main.go's
// validate-construct-serve-signal-shutdown shape.
//
// Environment Variables:
//
//	METABUILDER_REDIS_ADDR          - Redis address (default: localhost:6379)
//	METABUILDER_PORT                - HTTP listen port (default: 8080)
//	METABUILDER_STORE               - "memory" or "redis" (default: memory)
//	METABUILDER_WORKER_COUNT        - worker goroutines per queue class (default: 2)
//	METABUILDER_CHAOS               - "true" enables fault injection (Transient on the first CodegenEngineer call)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/youareridiculous/metabuilder/agent"
	"github.com/youareridiculous/metabuilder/api"
	"github.com/youareridiculous/metabuilder/chaos"
	"github.com/youareridiculous/metabuilder/core"
	"github.com/youareridiculous/metabuilder/evaluator"
	"github.com/youareridiculous/metabuilder/orchestrator"
	"github.com/youareridiculous/metabuilder/resilience"
	"github.com/youareridiculous/metabuilder/scheduler"
	"github.com/youareridiculous/metabuilder/store"
	"github.com/youareridiculous/metabuilder/substrate"
)

func main() {
	cfg := core.DefaultConfig()
	logger := core.NoOpLogger{} // swap in a structured logger adapter for production deployments

	var telemetry core.Telemetry = core.NoOpTelemetry{}
	if os.Getenv("METABUILDER_OTEL") == "true" {
		otelTelemetry := core.NewOTelTelemetry("metabuilder", nil, nil)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = otelTelemetry.Shutdown(shutdownCtx)
		}()
		telemetry = otelTelemetry
		log.Println("metabuilder: OpenTelemetry tracing/metrics enabled (no exporter configured — spans and metrics are computed but not shipped)")
	}

	var redisClient *redis.Client
	if os.Getenv("METABUILDER_STORE") == "redis" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("metabuilder: redis connection failed: %v", err)
		}
	}

	var st store.Store
	var queue substrate.Queue
	var redisQueue *substrate.RedisQueue
	var memQueue *substrate.MemoryQueue
	if redisClient != nil {
		st = store.NewRedisStore(redisClient, "metabuilder", logger)
		redisQueue = substrate.NewRedisQueue(redisClient, nil)
		queue = redisQueue
		log.Println("metabuilder: using RedisStore + RedisQueue")
	} else {
		st = store.NewMemoryStore(logger)
		memQueue = substrate.NewMemoryQueue(int64(cfg.QueueHighWaterMark))
		queue = memQueue
		log.Println("metabuilder: using MemoryStore + MemoryQueue (single-process mode)")
	}

	catalog := agent.NewCatalog(&stubLLMProvider{}, &stubToolKernel{}, logger)
	budgets := scheduler.NewBudgetTracker()
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		Threshold:   cfg.CircuitBreakerThreshold,
		Window:      cfg.CircuitBreakerWindow,
		Cooldown:    cfg.CircuitBreakerCooldown,
		MaxCooldown: 10 * time.Minute,
	})

	var chaosInjector *chaos.Injector
	if os.Getenv("METABUILDER_CHAOS") == "true" {
		chaosInjector = chaos.NewInjector(chaos.Rule{Role: core.RoleCodegenEngineer, Class: core.FailureTransient, Count: 1})
		log.Println("metabuilder: chaos injection enabled")
	}

	orch := &orchestrator.Orchestrator{
		Store:     st,
		Queue:     queue,
		Catalog:   catalog,
		Budgets:   budgets,
		Breakers:  breakers,
		Evaluator: evaluator.NewEvaluator(),
		Chaos:     chaosInjectorOrNil(chaosInjector),
		CanaryCfg: evaluator.CanaryConfig{ExperimentalFraction: cfg.ExperimentalFraction, SuccessThreshold: 1.0, CostThreshold: 1.0, DurationThreshold: 1.0, AggressivePromoteSuccessRatio: 1.1, AggressivePromoteCostRatio: 0.9, CautiousPromoteSuccessRatio: 1.05, ImmediateRollbackSuccessRatio: 0.8, ReducePercentCostRatio: 1.5},
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    logger,
		Telemetry: telemetry,
	}

	if resumed, err := orch.ResumeAll(context.Background()); err != nil {
		log.Printf("metabuilder: resume scan failed: %v", err)
	} else if resumed > 0 {
		log.Printf("metabuilder: resumed %d non-terminal run(s)", resumed)
	}

	workerCount := envInt("METABUILDER_WORKER_COUNT", 2)
	runCtx, cancelWorkers := context.WithCancel(context.Background())
	startWorkers(runCtx, queue, orch, cfg.LeaseTTL, workerCount, logger)

	reaper := &substrate.Reaper{Queue: redisQueue, Memory: memQueue, Interval: cfg.LeaseTTL / 2}
	go reaper.Run(runCtx)

	server := api.NewServer(orch, st, logger)

	port := envString("METABUILDER_PORT", "8080")
	httpServer := &http.Server{Addr: ":" + port, Handler: server}

	log.Println("==============================================")
	log.Println("Meta-Builder Orchestration Core")
	log.Println("==============================================")
	log.Printf("HTTP port: %s\n", port)
	log.Printf("Workers per queue class: %d\n", workerCount)
	log.Println("==============================================")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metabuilder: http server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("metabuilder: shutting down gracefully...")
	cancelWorkers()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metabuilder: http shutdown error: %v", err)
	}
}

// startWorkers launches one Worker goroutine per queue class per
// workerCount, each driving Orchestrator.ExecuteTask as its Handler.
func startWorkers(ctx context.Context, queue substrate.Queue, orch *orchestrator.Orchestrator, leaseTTL time.Duration, workerCount int, logger core.Logger) {
	classes := []core.QueueClass{core.QueueCPU, core.QueueIO, core.QueueLLM, core.QueueHigh, core.QueueLow}
	for _, class := range classes {
		for i := 0; i < workerCount; i++ {
			w := &substrate.Worker{
				ID:       string(class) + "-" + strconv.Itoa(i),
				Queue:    queue,
				Class:    class,
				LeaseTTL: leaseTTL,
				Handler:  orch.ExecuteTask,
				Logger:   logger,
			}
			go w.Run(ctx)
		}
	}
}

func chaosInjectorOrNil(i *chaos.Injector) orchestrator.ChaosInjector {
	if i == nil {
		return nil
	}
	return i
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// stubLLMProvider is the default LLMProvider wired when no real model
// backend is configured, mirroring the teacher's workflow-example mock
// responses when OPENAI_API_KEY is absent. Production deployments
// replace this with an adapter over a concrete provider (OpenAI,
// Anthropic, Bedrock) implementing agent.LLMProvider.
type stubLLMProvider struct{}

func (stubLLMProvider) Complete(_ context.Context, model string, prompt string, maxTokens int, _ float64) (string, int64, int64, float64, error) {
	return "{}", int64(len(prompt)) / 4, int64(maxTokens) / 4, 0, nil
}

// stubToolKernel is the default ToolKernel; it denies every invocation,
// which is the safe default for SecurityCompliance/QAEvaluator/DevOps
// steps until a real sandboxed tool runtime is wired in.
type stubToolKernel struct{}

func (stubToolKernel) Invoke(_ context.Context, toolName string, _ map[string]string, _ agent.ToolPolicy) ([]byte, bool, error) {
	return nil, true, nil
}
