// File: cmd/app/wiring.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/domain/ports/repository"
	aiAdapters "studio-agents/internal/infra/adapters/ai"
	"studio-agents/internal/infra/adapters/documents"
	"studio-agents/internal/infra/adapters/webhook"
	"studio-agents/internal/infra/api"
	"studio-agents/internal/infra/db/memory"
	pg "studio-agents/internal/infra/db/postgres"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/metrics"
	"studio-agents/internal/infra/queue"
	red "studio-agents/internal/infra/redis"
	"studio-agents/internal/infra/sched"
	"studio-agents/internal/infra/usage"
	"studio-agents/internal/infra/worker"
	"studio-agents/internal/usecase"
)

// app holds everything a process role needs.
type app struct {
	cfg      *config.Config
	log      *zerolog.Logger
	pool     *pgxpool.Pool
	repo     repository.TransactionRepository
	queue    adapter.TaskQueue
	services *model.ServiceTable
	life     usecase.LifecycleUseCase
	orch     usecase.OrchestratorUseCase
	runner   usecase.ChainRunner
	reaper   *usecase.ReaperUseCase
	limiter  api.SubmitLimiter
	ping     func(ctx context.Context) error
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(cmd *cobra.Command, withAPI, withWorker bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	if a.pool != nil {
		g.Go(func() error {
			pg.ReportPoolStats(gctx, a.pool, 15*time.Second)
			return nil
		})
	}
	if withAPI {
		g.Go(func() error { return a.serveHTTP(gctx) })
	}
	if withWorker {
		a.startWorkers(gctx, g)
	}

	logger.Info().Str("version", version).Bool("api", withAPI).Bool("worker", withWorker).Msg("studio-agents started")
	err = g.Wait()
	// deliver callbacks of chains that finished during shutdown
	a.life.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, ping: func(context.Context) error { return nil }}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	services, err := model.NewServiceTable(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("services: %w", err)
	}
	a.services = services

	// ---- Redis (optional) ----
	var (
		locker      adapter.Locker
		progress    adapter.ProgressPublisher
		redisClient red.RedisClient
	)
	if cfg.Redis.URL != "" {
		c, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		redisClient = c
		locker = red.NewLocker(c)
		progress = red.NewProgressPublisher(c)
		a.limiter = red.NewSubmitLimiter(c, cfg.HTTP.SubmitLimit, cfg.HTTP.SubmitWindow)

		if cfg.Queue.Backend == "redis" {
			q, err := red.NewStreamQueue(ctx, c, cfg.Queue, consumerName(), logger)
			if err != nil {
				return nil, fmt.Errorf("stream queue: %w", err)
			}
			a.queue = q
		}
	}
	if a.queue == nil {
		logger.Warn().Msg("using the in-process queue; chains do not survive a restart")
		a.queue = queue.NewMemoryQueue(1024, cfg.Queue.MaxAttempts, cfg.Queue.Block)
	}

	// ---- Transactions ----
	if cfg.Database.URL != "" {
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.pool = pool
		a.repo = pg.NewTransactionRepo(pool, pg.NewTxManager(pool))
		if redisClient != nil {
			a.repo = pg.NewTransactionRepoCacheDecorator(a.repo, redisClient, cfg.Redis.CacheTTL, logger)
		}
		a.ping = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		logger.Warn().Msg("database.url is empty; transactions are kept in process")
		a.repo = memory.NewTransactionRepo()
	}
	if redisClient != nil {
		dbPing := a.ping
		a.ping = func(ctx context.Context) error {
			if err := dbPing(ctx); err != nil {
				return err
			}
			return redisClient.Ping(ctx)
		}
	}

	// ---- Collaborators ----
	notifier := webhook.NewCallbackNotifier(cfg.Callback.Timeout, cfg.Callback.Attempts, logger)
	a.life = usecase.NewLifecycleUseCase(a.repo, locker, notifier, progress, logger)

	gen, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	embed := documents.HashEmbedding()
	if cfg.AI.OpenAIKey != "" {
		embed = documents.OpenAIEmbedding(cfg.AI.OpenAIKey, cfg.Vector.EmbeddingModel)
	} else {
		logger.Warn().Msg("no OpenAI key; vector search uses hashed embeddings")
	}
	store, err := documents.NewChromemStore(cfg.Vector.PersistPath, embed)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	stages := usecase.NewStageSet(usecase.StageDeps{
		Lifecycle: a.life,
		Repo:      a.repo,
		Generator: gen,
		Fetcher:   documents.NewHTTPFetcher(cfg.Ingest.FetchTimeout, cfg.Ingest.MaxBytes),
		Splitter:  documents.NewSplitter(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap),
		Store:     store,
		Invoker:   webhook.NewServiceInvoker(cfg.Stages.Timeout(model.StageExternal)),
		Ingest:    cfg.Ingest,
		TopK:      cfg.Vector.SearchTopK,
		Logger:    logger,
	})
	tracker := usage.NewTracker(cfg.AI.PricingTable(), logger)

	a.runner = usecase.NewChainRunner(a.life, a.queue, stages, services, tracker, cfg.Stages.Timeout, logger)
	a.orch = usecase.NewOrchestratorUseCase(a.repo, a.life, a.queue, services, logger)
	a.reaper = usecase.NewReaperUseCase(a.repo, a.life, logger)

	ok = true
	return a, nil
}

// newGenerator registers every provider that has credentials and routes by model name.
func newGenerator(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.Generator, error) {
	providers := map[string]adapter.AIServiceAdapter{}
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		providers["openai"] = oa
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		providers["gemini"] = gm
	}
	if len(providers) == 0 && cfg.AI.Provider != "canned" {
		logger.Warn().Msg("no AI provider configured; falling back to canned replies")
		cfg.AI.Provider = "canned"
	}
	if cfg.AI.Provider == "canned" {
		providers = map[string]adapter.AIServiceAdapter{"canned": aiAdapters.NewCannedAIAdapter(0)}
	}
	logger.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.DefaultModel).Msg("AI adapter ready")

	multi := aiAdapters.NewMultiAIAdapter(cfg.AI.Provider, providers, cfg.AI.ModelProviders)
	limited := aiAdapters.NewLimitedAI(multi, cfg.AI.ConcurrentLimit)
	return aiAdapters.NewLLMGenerator(limited, cfg.AI.DefaultModel, usecase.CapabilityModels(cfg.Services), logger), nil
}

func (a *app) serveHTTP(ctx context.Context) error {
	auth := api.NewAuthManager(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
	if !auth.Enabled() {
		a.log.Warn().Msg("auth.jwt_secret is empty; requests are not authenticated")
	}
	status := usecase.NewStatusUseCase(a.repo, a.cfg.HTTP.StatusCacheSize)
	handler := api.NewServer(a.orch, status, auth, a.limiter, a.cfg.HTTP, a.log).
		WithHealthCheck(a.ping).
		Router()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		a.log.Error().Err(err).Msg("HTTP shutdown")
	}
	return nil
}

func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) {
	pool := worker.NewPool(a.cfg.Worker.Concurrency, a.log)
	pool.Start(ctx)
	consumer := worker.NewConsumer(a.queue, a.runner, pool, a.log)
	g.Go(func() error {
		err := consumer.Run(ctx)
		// in-flight chains finish before the process exits
		pool.Stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	reaper := sched.NewReaperWorker(a.cfg.Reaper.Interval, a.cfg.Reaper.StaleAfter, a.cfg.Reaper.BatchSize, a.reaper, a.log)
	g.Go(func() error {
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	pool, err := pg.NewPgxPool(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := pg.Migrate(cmd.Context(), pool); err != nil {
		return err
	}
	logger.Info().Msg("migrations applied")
	return nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
