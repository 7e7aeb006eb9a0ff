// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coach-chat-jobs/internal/config"
	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
	"coach-chat-jobs/internal/domain/ports/repository"
	aiAdapters "coach-chat-jobs/internal/infra/adapters/ai"
	"coach-chat-jobs/internal/infra/db/memory"
	pg "coach-chat-jobs/internal/infra/db/postgres"
	"coach-chat-jobs/internal/infra/delivery"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
	memqueue "coach-chat-jobs/internal/infra/queue/memory"
	"coach-chat-jobs/internal/infra/queue/rabbitmq"
	red "coach-chat-jobs/internal/infra/redis"
	"coach-chat-jobs/internal/infra/sched"
	"coach-chat-jobs/internal/infra/security"
	"coach-chat-jobs/internal/infra/web"
	"coach-chat-jobs/internal/infra/worker"
	"coach-chat-jobs/internal/usecase"
)

var version = "dev"

const (
	modeAPI    = "api"
	modeWorker = "worker"
	modeAll    = "all"
)

// queue is what the submission side and the executor side need from a job queue driver.
type queue interface {
	adapter.JobDispatcher
	adapter.JobSource
}

func main() {
	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (in-process drivers, scripted provider)")
	mode := flag.String("mode", modeAll, "process role: api|worker|all")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, strings.ToLower(*mode), logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, mode string, logger *zerolog.Logger) error {
	switch mode {
	case modeAPI, modeWorker, modeAll:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode != modeAll && (cfg.Queue.Driver == "memory" || cfg.Events.Driver == "local") {
		return fmt.Errorf("mode %q needs shared drivers: set queue.driver=rabbitmq and events.driver=redis", mode)
	}
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, mode)

	g, gctx := errgroup.WithContext(ctx)

	// ---- Storage ----
	var (
		jobs     repository.JobRepository
		sessions repository.ChatSessionRepository
		tm       repository.TransactionManager
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pg.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		var encSvc *security.EncryptionService
		if cfg.Security.EncryptionKey != "" {
			if encSvc, err = security.NewEncryptionService(cfg.Security.EncryptionKey); err != nil {
				return fmt.Errorf("encryption: %w", err)
			}
		} else {
			logger.Warn().Msg("security.encryption_key not set; chat messages are stored in plaintext")
		}
		jobs = pg.NewJobRepo(pool)
		sessions = pg.NewPostgresChatSessionRepo(pool, encSvc)
		tm = pg.NewTxManager(pool)
		g.Go(func() error {
			pg.ReportPoolStats(gctx, pool, 15*time.Second, logger)
			return nil
		})
	case "memory":
		store := memory.NewStore()
		jobs, sessions, tm = store.Jobs(), store.Sessions(), store.TxManager()
		if err := seedDevSession(ctx, cfg, sessions, logger); err != nil {
			return err
		}
	}

	// ---- Redis ----
	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		c, err := red.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer c.Close()
		redisClient = c
	}

	// ---- Queue ----
	var q queue
	switch cfg.Queue.Driver {
	case "rabbitmq":
		rc, err := rabbitmq.NewClient(cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		defer rc.Close()
		q = rabbitmq.NewQueue(rc, "chat-jobs-"+hostTag(), cfg.Jobs.Workers, logger)
	case "memory":
		q = memqueue.NewQueue(cfg.Queue.Buffer)
	}

	// ---- Events ----
	bridge := delivery.NewBridge(logger)
	var (
		events adapter.EventPublisher = bridge
		bus    *red.EventBus
	)
	if cfg.Events.Driver == "redis" {
		bus = red.NewEventBus(redisClient, cfg.Events.Channel, logger)
		events = bus
	}

	if mode != modeWorker {
		if err := startAPI(gctx, g, cfg, jobs, sessions, q, bridge, bus, redisClient, logger); err != nil {
			return err
		}
	} else {
		startProbe(gctx, g, cfg, logger)
	}

	var pool *worker.Pool
	if mode != modeAPI {
		var err error
		if pool, err = startWorkers(gctx, g, cfg, jobs, sessions, tm, q, events, redisClient, logger); err != nil {
			return err
		}
	}

	err := g.Wait()
	if pool != nil {
		pool.Stop()
	}
	return err
}

func startAPI(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	jobs repository.JobRepository,
	sessions repository.ChatSessionRepository,
	dispatcher adapter.JobDispatcher,
	bridge *delivery.Bridge,
	bus *red.EventBus,
	redisClient *red.Client,
	logger *zerolog.Logger,
) error {
	// a nil interface, never a typed nil, when no limiter is configured
	var limiter usecase.SubmissionLimiter
	if redisClient != nil && cfg.Jobs.SubmitRateLimit > 0 {
		limiter = red.NewRateLimiter(redisClient, cfg.Jobs.SubmitRateLimit, cfg.Jobs.SubmitRateWindow)
	}
	submitUC := usecase.NewSubmissionUseCase(jobs, sessions, dispatcher, limiter, cfg.Jobs.MaxMessageChars, cfg.Runtime.Dev, logger)
	queryUC := usecase.NewJobQueryUseCase(jobs, sessions)
	auth := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	srv := web.NewServer(submitUC, queryUC, bridge, auth, cfg.HTTP.BasePath, logger)

	handler := srv.Handler()
	if len(cfg.HTTP.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.HTTP.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler(handler)
	}

	if bus != nil {
		g.Go(func() error {
			return bus.Subscribe(ctx, func(ctx context.Context, e model.Event) {
				bridge.Deliver(ctx, e)
			})
		})
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve(ctx, g, httpSrv, logger, bridge.CloseAll)
	return nil
}

// startProbe exposes health and metrics for a worker-only process.
func startProbe(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zerolog.Logger) {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	serve(ctx, g, &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}, logger, nil)
}

func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, logger *zerolog.Logger, onStop func()) {
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down HTTP server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		if onStop != nil {
			onStop()
		}
		return srv.Shutdown(sctx)
	})
}

func startWorkers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	jobs repository.JobRepository,
	sessions repository.ChatSessionRepository,
	tm repository.TransactionManager,
	q queue,
	events adapter.EventPublisher,
	redisClient *red.Client,
	logger *zerolog.Logger,
) (*worker.Pool, error) {
	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	completion, err := usecase.NewMarkerCompletionPolicy(cfg.Completion.Marker, cfg.Completion.Patterns)
	if err != nil {
		return nil, fmt.Errorf("completion policy: %w", err)
	}

	executor := usecase.NewExecutor(usecase.ExecutorConfig{
		WorkerID:           hostTag(),
		LeaseDuration:      cfg.Jobs.LeaseDuration,
		HeartbeatInterval:  cfg.Jobs.HeartbeatInterval,
		CheckpointInterval: cfg.Jobs.CheckpointInterval,
		CheckpointBytes:    cfg.Jobs.CheckpointBytes,
		HistoryLimit:       cfg.Jobs.HistoryLimit,
		DefaultModel:       cfg.AI.DefaultModel,
		SystemPrompt:       cfg.AI.SystemPrompt,
	}, jobs, sessions, tm, provider, events, completion, usecase.NewJSONBlockExtractor(), aiAdapters.NewTokenCounter(), logger)

	pool := worker.NewPool(cfg.Jobs.Workers, logger)
	pool.Start(ctx)
	consumer := worker.NewJobConsumer(q, executor, pool, logger)
	g.Go(func() error { return consumer.Run(ctx) })

	// ---- Maintenance ----
	var locker sched.Locker
	if redisClient != nil {
		locker = red.NewLocker(redisClient)
	}
	maint := usecase.NewMaintenanceUseCase(usecase.MaintenanceConfig{
		Batch:           cfg.Jobs.ReaperBatch,
		RedispatchAfter: cfg.Jobs.RedispatchAfter,
		Retention:       cfg.Jobs.Retention,
	}, jobs, q, events, logger)
	reaper := sched.NewReaperWorker(cfg.Jobs.ReaperInterval, maint, locker, logger)
	retention := sched.NewRetentionWorker(cfg.Jobs.RetentionInterval, maint, locker, logger)
	g.Go(func() error { return ignoreCanceled(reaper.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(retention.Run(ctx)) })

	logger.Info().
		Str("worker_id", executor.WorkerID()).
		Int("workers", cfg.Jobs.Workers).
		Str("provider", provider.Name()).
		Msg("executor started")
	return pool, nil
}

// buildProvider registers every configured provider behind the model router
// and caps concurrent generations.
func buildProvider(ctx context.Context, cfg *config.Config) (adapter.LLMProvider, error) {
	byProvider := map[string]adapter.LLMProvider{}
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		byProvider[oa.Name()] = oa
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		byProvider[gm.Name()] = gm
	}
	if cfg.Runtime.Dev || cfg.AI.Provider == "scripted" {
		sc := aiAdapters.NewScriptedAdapter(40*time.Millisecond, cfg.Completion.Marker)
		byProvider[sc.Name()] = sc
	}

	def := strings.ToLower(cfg.AI.Provider)
	if _, ok := byProvider[def]; !ok {
		return nil, fmt.Errorf("ai.provider %q is not configured: set ai.openai_key or ai.gemini_key", def)
	}
	multi := aiAdapters.NewMultiAIAdapter(def, byProvider, cfg.AI.ModelProviders)
	return aiAdapters.NewLimitedAI(multi, cfg.AI.ConcurrentLimit), nil
}

// seedDevSession creates one session for the in-memory store and logs a token
// that can drive it, since nothing else can reach that store.
func seedDevSession(ctx context.Context, cfg *config.Config, sessions repository.ChatSessionRepository, logger *zerolog.Logger) error {
	const tenantID, userID = "dev-tenant", "dev-user"
	s := model.NewChatSession(uuid.NewString(), tenantID, userID, cfg.AI.DefaultModel)
	if err := sessions.Save(ctx, nil, s); err != nil {
		return fmt.Errorf("seed dev session: %w", err)
	}
	token, err := web.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Mint(tenantID, userID, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("mint dev token: %w", err)
	}
	logger.Info().Str("session_id", s.ID).Str("token", token).Msg("dev session ready")
	return nil
}

func hostTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
