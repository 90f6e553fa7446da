package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relayforge/orchestrator/common/arangodb"
	"github.com/relayforge/orchestrator/common/config"
	"github.com/relayforge/orchestrator/common/id"
	"github.com/relayforge/orchestrator/common/llm"
	"github.com/relayforge/orchestrator/common/logger"
	"github.com/relayforge/orchestrator/common/otel"
	"github.com/relayforge/orchestrator/internal/approval"
	"github.com/relayforge/orchestrator/internal/claimgraph"
	"github.com/relayforge/orchestrator/internal/contextdoc"
	"github.com/relayforge/orchestrator/internal/coordinator"
	"github.com/relayforge/orchestrator/internal/executorloop"
	"github.com/relayforge/orchestrator/internal/memoryindex"
	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/phaserunner"
	"github.com/relayforge/orchestrator/internal/planning"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/queue"
	"github.com/relayforge/orchestrator/internal/recipebook"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
	"github.com/relayforge/orchestrator/internal/toolexec"
	"github.com/relayforge/orchestrator/internal/turn"
	"github.com/relayforge/orchestrator/internal/turnindex"
	"github.com/relayforge/orchestrator/internal/validation"
	"github.com/relayforge/orchestrator/internal/workflow"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	_ = godotenv.Load()
	cfg := config.Load()

	// OTel must init before logger (logger uses OTel provider in production).
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup.
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "orchestrator starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	turnIndex, err := turnindex.New(ctx, cfg.DB.DSN, cfg.DB.MaxConns, cfg.DB.MinConns)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to turn index", "error", err)
		os.Exit(1)
	}
	defer turnIndex.Close()
	if err := turnIndex.Migrate(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to migrate turn index", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "turn index connected")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Queue.Addr, Password: cfg.Queue.Password, DB: cfg.Queue.DB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	thinkingSink := queue.NewThinkingSink(redisClient, cfg.Queue.ThinkingStream)
	defer thinkingSink.Close()
	approvalRendezvous := queue.NewRendezvous(redisClient, cfg.Queue.ApprovalChannel)
	approvalGate := approval.New(approval.DefaultPolicy(), approvalRendezvous, approval.DefaultApprovalTimeout)

	var claimGraph *claimgraph.Graph
	if cfg.Graph.URL != "" {
		arangoClient, err := arangodb.New(ctx, arangodb.Config{
			URL:      cfg.Graph.URL,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to connect to claim graph", "error", err)
			os.Exit(1)
		}
		defer arangoClient.Close()
		claimGraph = claimgraph.New(arangoClient)
		if err := claimGraph.EnsureSchema(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ensure claim graph schema", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "claim graph connected", "database", cfg.Graph.Database)
	} else {
		slog.InfoContext(ctx, "claim graph disabled (no ARANGO_URL configured)")
	}

	var memGatherer *memoryindex.Gatherer
	if len(cfg.Search.Hosts) > 0 && cfg.Search.APIKey != "" {
		memStore, err := memoryindex.NewTypesenseStore(memoryindex.Config{URL: cfg.Search.Hosts[0], APIKey: cfg.Search.APIKey})
		if err != nil {
			slog.ErrorContext(ctx, "failed to connect to memory index", "error", err)
			os.Exit(1)
		}
		memIndex := memoryindex.New(memStore)
		if err := memIndex.EnsureSchema(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ensure memory index schema", "error", err)
			os.Exit(1)
		}
		memGatherer = memoryindex.NewGatherer(memIndex, memoryindex.DefaultSearchLimit)
		slog.InfoContext(ctx, "memory index connected")
	} else {
		slog.InfoContext(ctx, "memory index disabled (no TYPESENSE_API_KEY configured)")
	}

	chatClient, err := llm.New(llm.Config{Provider: cfg.LLM.Provider, APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build llm chat client", "error", err)
		os.Exit(1)
	}
	agentClient, err := llm.NewAgentClient(llm.Config{Provider: cfg.LLM.Provider, APIKey: cfg.LLM.APIKey, BaseURL: cfg.LLM.BaseURL, Model: cfg.LLM.Model})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build llm agent client", "error", err)
		os.Exit(1)
	}

	repoRoot := cfg.TurnsDir
	toolCatalog := toolcatalog.New()
	if err := toolcatalog.RegisterBuiltins(toolCatalog, repoRoot); err != nil {
		slog.ErrorContext(ctx, "failed to register builtin tools", "error", err)
		os.Exit(1)
	}
	knownTools := toolcatalog.Builtins(repoRoot)

	workflowRegistry := workflow.NewRegistry()
	if workflowsDir := os.Getenv("WORKFLOWS_DIR"); workflowsDir != "" {
		if err := workflow.LoadDir(workflowRegistry, workflowsDir); err != nil {
			slog.ErrorContext(ctx, "failed to load workflows", "error", err)
			os.Exit(1)
		}
	}

	recipesDir := os.Getenv("RECIPES_DIR")
	if recipesDir == "" {
		recipesDir = "./recipes"
	}
	recipes, err := recipebook.LoadDir(recipesDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load recipes", "error", err)
		os.Exit(1)
	}
	reflectionRecipe, err := recipebook.MustGet(recipes, "reflection")
	if err != nil {
		slog.ErrorContext(ctx, "missing recipe", "error", err)
		os.Exit(1)
	}
	synthesisRecipe, err := recipebook.MustGet(recipes, "synthesis")
	if err != nil {
		slog.ErrorContext(ctx, "missing recipe", "error", err)
		os.Exit(1)
	}
	validatorRecipe, err := recipebook.MustGet(recipes, "validator")
	if err != nil {
		slog.ErrorContext(ctx, "missing recipe", "error", err)
		os.Exit(1)
	}
	revisionRecipe, err := recipebook.MustGet(recipes, "revision")
	if err != nil {
		slog.ErrorContext(ctx, "missing recipe", "error", err)
		os.Exit(1)
	}

	sandboxRunner := selfext.NewSandboxRunner(2*time.Minute, repoRoot)

	deps := requestDeps{
		turnIndex:        turnIndex,
		turnsDir:         cfg.TurnsDir,
		repoRoot:         repoRoot,
		toolCatalog:      toolCatalog,
		knownTools:       knownTools,
		workflowRegistry: workflowRegistry,
		approvalGate:     approvalGate,
		thinkingSink:     thinkingSink,
		sandboxRunner:    sandboxRunner,
		agentClient:      agentClient,
		chatClient:       chatClient,
		claimGraph:       claimGraph,
		memGatherer:      memGatherer,
		reflectionRecipe: reflectionRecipe,
		synthesisRecipe:  synthesisRecipe,
		validatorRecipe:  validatorRecipe,
		revisionRecipe:   revisionRecipe,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, deps)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

// requestDeps holds the shared, process-lifetime collaborators a turn
// handler wires into a fresh per-request Phase Runner.
type requestDeps struct {
	turnIndex        *turnindex.Index
	turnsDir         string
	repoRoot         string
	toolCatalog      *toolcatalog.Catalog
	knownTools       toolcatalog.Registry
	workflowRegistry *workflow.Registry
	approvalGate     *approval.Gate
	thinkingSink     *queue.ThinkingSink
	sandboxRunner    *selfext.SandboxRunner
	agentClient      llm.AgentClient
	chatClient       llm.Client
	claimGraph       *claimgraph.Graph
	memGatherer      *memoryindex.Gatherer
	reflectionRecipe model.Recipe
	synthesisRecipe  model.Recipe
	validatorRecipe  model.Recipe
	revisionRecipe   model.Recipe
}

type turnRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Query     string `json:"query" binding:"required"`
}

// handleTurn builds a fresh per-turn collaborator tree (context document,
// plan state, tool executor, workflow runner, coordinator, executor loop,
// planning loop, validation controller) over the process-wide shared
// infrastructure, then drives the Phase Runner for exactly one turn.
func (d requestDeps) handleTurn(c *gin.Context) {
	ctx := c.Request.Context()

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	traceID := uuid.NewString()

	t, err := turn.Open(ctx, d.turnIndex, d.turnsDir, req.SessionID, traceID, model.ModeChat, d.repoRoot, "")
	if err != nil {
		slog.ErrorContext(ctx, "failed to open turn", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open turn"})
		return
	}

	d.emitThinking(ctx, traceID, "started", "turn opened, beginning phase pipeline")
	defer d.emitThinking(ctx, traceID, "finished", "turn complete")

	doc := contextdoc.New()
	plan := planstate.New()
	executor := toolexec.New(d.toolCatalog, d.approvalGate, plan, toolexec.DefaultExtractor{}, doc)
	stepRunner := workflow.NewRunner(executor, model.ModeRequiredAny)
	coord := coordinator.New(d.agentClient, d.workflowRegistry, stepRunner, doc, nil, coordinator.Config{})
	pipeline := selfext.NewPipeline(d.toolCatalog, plan, d.sandboxRunner)
	execLoop := executorloop.New(d.agentClient, d.workflowRegistry, stepRunner, coord, pipeline, d.toolCatalog, plan, doc, d.knownTools, executorloop.Config{})
	planningLoop := planning.New(d.agentClient, execLoop, pipeline, d.toolCatalog, plan, doc, nil, nil, d.knownTools, planning.Config{})

	validationCtrl := validation.New(d.chatClient, doc, d.validatorRecipe, d.revisionRecipe, validation.Config{})
	if d.claimGraph != nil {
		validationCtrl = validationCtrl.WithClaimGraph(d.claimGraph)
	}

	runner := phaserunner.New(d.chatClient, doc, t, planningLoop, validationCtrl, d.reflectionRecipe, d.synthesisRecipe, phaserunner.Config{})
	if d.memGatherer != nil {
		runner = runner.WithContextGatherer(d.memGatherer)
	}

	outcome, err := runner.Run(ctx, req.Query, nil)
	if err != nil {
		slog.ErrorContext(ctx, "turn failed", "error", err, "turn_dir", t.Dir())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "turn failed"})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// emitThinking best-effort publishes a progress event for UI consumers
// tailing the thinking stream; a publish failure never fails the turn.
func (d requestDeps) emitThinking(ctx context.Context, turnID, phase, message string) {
	if d.thinkingSink == nil {
		return
	}
	if err := d.thinkingSink.Emit(ctx, queue.ThinkingEvent{TurnID: turnID, Phase: phase, Message: message}); err != nil {
		slog.WarnContext(ctx, "failed to emit thinking event", "error", err)
	}
}

func setupRouter(cfg config.Config, deps requestDeps) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span -> Recovery catches panics -> Logger logs with trace context.
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/v1/turns", deps.handleTurn)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

const banner = `
 _____          _               _             _
|  _  |___ ___| |_ ___ ___ ___|_|___ _ _ ___| |_ ___ ___
|     |  _|  _|   |  _|_ -|  _| | -_| | | .'|  _| . |  _|
|__|__|_| |___|_|_|___|___|___|_|___|_  |__,|_| |___|_|
                                     |___|
`
