// Command orchestratord wires the Workflow Engine, Agent Dispatcher, and
// the three transport adapters into one running process (spec.md §5's
// "single process hosting... N transport adapter listeners"). It exists
// for manual testing and local development; a real deployment supplies
// its own process supervision and worker fleet.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/checkpoint"
	"github.com/neuroconv/orchestrator/internal/config"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/store"
	"github.com/neuroconv/orchestrator/internal/telemetry"
	"github.com/neuroconv/orchestrator/internal/transport/contract"
	"github.com/neuroconv/orchestrator/internal/transport/httpapi"
	"github.com/neuroconv/orchestrator/internal/transport/stdio"
	"github.com/neuroconv/orchestrator/internal/transport/wsapi"
	"github.com/neuroconv/orchestrator/internal/validation"
	"github.com/neuroconv/orchestrator/internal/workflow"
)

func main() {
	mode := flag.String("mode", "serve", "serve (HTTP+WebSocket) or stdio")
	listen := flag.String("listen", ":8080", "address the HTTP/WebSocket adapter listens on")
	storeKind := flag.String("store", "memory", "session/checkpoint store backend: memory, sqlite, mysql, postgres")
	dsn := flag.String("dsn", "orchestrator.db", "DSN or path for the sqlite/mysql/postgres store")
	checkpointDir := flag.String("checkpoint-dir", "", "directory for file-backed checkpoints; empty keeps checkpoints in memory")
	analysisURL := flag.String("analysis-worker", "", "HTTP endpoint for the Analysis worker")
	metadataURL := flag.String("metadata-worker", "", "HTTP endpoint for the MetadataCollector worker")
	conversionURL := flag.String("conversion-worker", "", "HTTP endpoint for the Conversion worker")
	validationURL := flag.String("validation-worker", "", "HTTP endpoint for the Validation worker")
	flag.Parse()

	cfg := config.Default()
	logger := telemetry.NewConsoleLogger("orchestratord")

	// 1. Build the session/checkpoint store.
	log.Println("Opening session and checkpoint store:", *storeKind)
	sessions, checkpoints, closeStore := mustStore(*storeKind, *dsn)
	defer closeStore()

	var checkpointStore checkpoint.Store = checkpoints
	if *checkpointDir != "" {
		fsStore, err := checkpoint.NewFSStore(*checkpointDir)
		if err != nil {
			log.Fatalf("open checkpoint dir: %v", err)
		}
		checkpointStore = fsStore
	}

	// 2. Register worker ports over HTTP. A role with no configured URL
	// is simply never resolvable; dispatch reports AgentPermanentFailure
	// for it rather than the process refusing to start.
	log.Println("Registering worker ports...")
	registry := agentport.NewRegistry()
	registerIfConfigured(registry, agentport.RoleAnalysis, *analysisURL)
	registerIfConfigured(registry, agentport.RoleMetadataCollector, *metadataURL)
	registerIfConfigured(registry, agentport.RoleConversion, *conversionURL)
	registerIfConfigured(registry, agentport.RoleValidation, *validationURL)

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.New(promRegistry)
	dispatcher := dispatch.New(registry, dispatch.CircuitPolicy{
		FailureThreshold: cfg.AgentCircuit.FailureThreshold,
		Cooldown:         cfg.AgentCircuit.Cooldown,
	}, nil).WithMetrics(metrics)

	// 3. Event bus, provenance store, and the Workflow Engine built over
	// all of it.
	bus := event.New(event.RetentionPolicy{
		MaxSize: cfg.Events.RetentionSize,
		MaxAge:  cfg.Events.RetentionTime,
	}, cfg.Events.BufferSize)

	provStore := provenance.NewMemStore()
	provTrack := provenance.NewDegradedTracker(3, cfg.ProvenanceDegradedAfter)

	const defaultRoleLimit = 8

	engine := workflow.New(
		sessions,
		checkpointStore,
		dispatcher,
		bus,
		provStore,
		provTrack,
		cfg.EngineMaxConcurrentPerRole,
		defaultRoleLimit,
		cfg.SessionExpireAfter,
		metrics,
		logger,
	)

	// 4. Register the standard conversion workflow and build the
	// protocol-independent service facade.
	log.Println("Registering workflow definitions...")
	registry2 := contract.NewWorkflowRegistry()
	standard, err := workflow.NewConversionWorkflow("neuroconv.standard", cfg.AgentTimeout.Default, cfg.FormatCatalog, cfg.FormatAmbiguityThreshold)
	if err != nil {
		log.Fatalf("build standard conversion workflow: %v", err)
	}
	registry2.Register("neuroconv.standard", standard)

	weights := validation.Weights{
		Critical: cfg.ValidationWeights.Critical,
		Error:    cfg.ValidationWeights.Error,
		Warning:  cfg.ValidationWeights.Warning,
		Info:     cfg.ValidationWeights.Info,
	}
	svc := contract.New(engine, registry2, sessions, bus, provStore, dispatcher, weights)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	switch *mode {
	case "stdio":
		log.Println("Serving the stdio adapter on stdin/stdout")
		adapter := stdio.New(svc)
		go func() {
			<-sigCh
			cancel()
		}()
		if err := adapter.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			log.Fatalf("stdio adapter: %v", err)
		}

	default:
		httpAdapter := httpapi.New(svc, promRegistry)
		wsAdapter := wsapi.New(svc, logger)

		mux := http.NewServeMux()
		mux.Handle("/", httpAdapter.Router())
		mux.Handle("/ws/", wsAdapter.Router())

		server := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			log.Println("Serving HTTP+WebSocket on", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("http server: %v", err)
			}
		}()

		<-sigCh
		log.Println("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown error: %v", err)
		}
	}
}

func registerIfConfigured(registry *agentport.Registry, role agentport.Role, url string) {
	if url == "" {
		return
	}
	registry.Register(role, agentport.NewHTTPPort(url, nil))
}

func mustStore(kind, dsn string) (session.Store, checkpoint.Store, func()) {
	switch kind {
	case "sqlite":
		s, err := store.NewSQLiteStore(dsn)
		if err != nil {
			log.Fatalf("open sqlite store: %v", err)
		}
		return s, s, func() { _ = s.Close() }
	case "mysql":
		s, err := store.NewMySQLStore(dsn)
		if err != nil {
			log.Fatalf("open mysql store: %v", err)
		}
		return s, s, func() { _ = s.Close() }
	case "postgres":
		s, err := store.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("open postgres store: %v", err)
		}
		return s, s, func() { _ = s.Close() }
	default:
		return store.NewMemSessionStore(), store.NewMemCheckpointStore(), func() {}
	}
}

