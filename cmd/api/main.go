package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/api/handlers"
	"github.com/grading-agent/backend/internal/budget"
	"github.com/grading-agent/backend/internal/cache/redis"
	"github.com/grading-agent/backend/internal/events"
	"github.com/grading-agent/backend/internal/idempotency"
	"github.com/grading-agent/backend/internal/job"
	"github.com/grading-agent/backend/internal/metrics"
	"github.com/grading-agent/backend/internal/middleware/ratelimit"
	"github.com/grading-agent/backend/internal/middleware/security"
	"github.com/grading-agent/backend/internal/middleware/validation"
	"github.com/grading-agent/backend/internal/orchestrator"
	"github.com/grading-agent/backend/internal/provider"
	"github.com/grading-agent/backend/internal/review"
	"github.com/grading-agent/backend/internal/session"
	"github.com/grading-agent/backend/internal/storage/sqlite"
	"github.com/grading-agent/backend/pkg/config"
	appLogger "github.com/grading-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Grading Agent API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	// Redis backs idempotency and sessions. Without it a single node still
	// works on the in-memory stores.
	var (
		idemStore    idempotency.Store
		sessionStore session.Store
	)
	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, falling back to in-memory stores", zap.Error(err))
		idemStore = idempotency.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
	} else {
		defer redisClient.Close()
		idemStore = idempotency.NewRedisStore(redisClient)
		sessionStore = session.NewRedisStore(redisClient)
	}

	adapter, err := provider.NewAdapter(map[provider.Kind]provider.Endpoint{
		provider.KindOCRGeneral: {
			Model:          cfg.Providers.OCRGeneral.Model,
			APIKey:         cfg.Providers.OCRGeneral.APIKey,
			BaseURL:        cfg.Providers.OCRGeneral.BaseURL,
			DefaultTimeout: cfg.Providers.OCRGeneral.Timeout(),
		},
		provider.KindVisionDeep: {
			Model:          cfg.Providers.VisionDeep.Model,
			APIKey:         cfg.Providers.VisionDeep.APIKey,
			BaseURL:        cfg.Providers.VisionDeep.BaseURL,
			DefaultTimeout: cfg.Providers.VisionDeep.Timeout(),
		},
		provider.KindLLMGrader: {
			Model:          cfg.Providers.LLMGrader.Model,
			APIKey:         cfg.Providers.LLMGrader.APIKey,
			BaseURL:        cfg.Providers.LLMGrader.BaseURL,
			DefaultTimeout: cfg.Providers.LLMGrader.Timeout(),
		},
	})
	if err != nil {
		appLogger.Fatal("Failed to create provider adapter", zap.Error(err))
	}

	publisher := events.NewPublisher(events.Config{
		Heartbeat:    time.Duration(cfg.Events.HeartbeatSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Events.IdleTimeoutSec) * time.Second,
		ReplayWindow: cfg.Events.ReplayWindow,
	})

	router := review.NewRouter(review.Config{
		DefaultThreshold: cfg.Review.DefaultThreshold,
		StrictThreshold:  cfg.Review.StrictThreshold,
		StrictSubjects:   cfg.Review.StrictSubjects,
	}, nil)

	orch := orchestrator.New(adapter, router, func(run *orchestrator.Run, to orchestrator.RunStatus) {
		publisher.Publish(run.JobID, events.TypeRunStatus, map[string]interface{}{
			"run_id":     run.ID,
			"page_index": run.PageIndex,
			"status":     string(to),
		})
	})

	jobManager := job.NewManager(job.Config{
		WorkerPool:        cfg.Jobs.WorkerPool,
		SyncPageThreshold: cfg.Jobs.SyncPageThreshold,
		Retention:         time.Duration(cfg.Jobs.RetentionHours) * time.Hour,
		FastPathSubjects:  cfg.Jobs.FastPathSubjects,
		Ceilings: budget.Ceilings{
			MaxIterations: cfg.Budget.MaxIterations,
			MaxTokens:     cfg.Budget.MaxTokens,
			MaxDuration:   time.Duration(cfg.Budget.MaxSeconds) * time.Second,
		},
		IterationTokenEstimate: cfg.Budget.IterationTokenEstimate,
		AggregateMaxTokens:     cfg.Budget.AggregateMaxTokens,
		AggregateRetryTokens:   cfg.Budget.AggregateRetryTokens,
	}, orch, sqliteClient, publisher)

	jobManager.StartGC(time.Hour)
	defer jobManager.StopGC()

	idemManager := idempotency.NewManager(idemStore, time.Duration(cfg.Idempotency.TTLHours)*time.Hour)
	sessionManager := session.NewManager(sessionStore, jobManager, nil, time.Duration(cfg.Session.TTLHours)*time.Hour)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Idempotency-Key, Last-Event-ID, X-Learner-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	submissionHandler := handlers.NewSubmissionHandler(jobManager, idemManager)
	jobHandler := handlers.NewJobHandler(jobManager)
	eventsHandler := handlers.NewEventsHandler(publisher)
	wsHandler := handlers.NewWebSocketHandler(publisher)
	sessionHandler := handlers.NewSessionHandler(sessionManager)

	api := app.Group("/api/v1")

	api.Post("/submissions", submissionHandler.HandleSubmit)
	api.Get("/jobs/:id", jobHandler.HandleGetJob)
	api.Get("/jobs/:id/events", eventsHandler.HandleStream)

	api.Post("/sessions", sessionHandler.HandleCreateSession)
	api.Get("/sessions/:id", sessionHandler.HandleGetSession)
	api.Get("/sessions/:id/results", sessionHandler.HandleGetSessionResults)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
