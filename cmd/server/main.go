package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/modelpanel/api/internal/client"
	"github.com/modelpanel/api/internal/config"
	"github.com/modelpanel/api/internal/handler"
	"github.com/modelpanel/api/internal/middleware"
	"github.com/modelpanel/api/internal/resilience"
	"github.com/modelpanel/api/internal/scheduler"
	"github.com/modelpanel/api/internal/service"
	"github.com/modelpanel/api/internal/store"
	ws "github.com/modelpanel/api/internal/websocket"
	"github.com/modelpanel/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection; the job store is best-effort, so the
	// service still runs in-memory-only when Redis is down.
	ctx := context.Background()
	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
		redisUp = false
	}

	var jobStore store.JobStore
	if redisUp {
		jobStore = store.NewRedisStore(redisClient)
	} else {
		log.Println("Info: job persistence disabled, running in-memory only")
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Build the backend panel. One breaker per backend, shared across
	// all jobs; without real backends the panel falls back to mocks so
	// the service works end-to-end in development.
	retryCfg := resilience.RetryConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Multiplier:        cfg.Retry.Multiplier,
		PerAttemptTimeout: cfg.Retry.PerAttemptTimeout,
	}
	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}

	var backends []client.Backend
	var backendNames []string
	for _, bc := range cfg.Backends {
		chat := client.NewChatClient(&bc)
		if !chat.IsConfigured() {
			log.Printf("Warning: backend %s not fully configured, skipping", bc.Name)
			continue
		}
		breaker := resilience.NewBreaker(bc.Name, breakerCfg)
		backends = append(backends, client.NewProtected(chat, breaker, retryCfg))
		backendNames = append(backendNames, bc.Name)
	}
	if len(backends) == 0 {
		log.Println("Info: no backends configured, using mock panel")
		for _, name := range []string{"mock-alpha", "mock-beta", "mock-gamma"} {
			mock := client.NewMockBackend(name, 2*time.Second)
			breaker := resilience.NewBreaker(name, breakerCfg)
			backends = append(backends, client.NewProtected(mock, breaker, retryCfg))
			backendNames = append(backendNames, name)
		}
	}

	// Initialize the fan-out worker and the scheduler it serves
	queryWorker := worker.NewQueryWorker(backends, hub)
	sched := scheduler.New(
		scheduler.Config{
			MaxConcurrent:     cfg.Scheduler.MaxConcurrentJobs,
			PerTargetEstimate: cfg.Scheduler.PerTargetEstimate,
		},
		queryWorker.Handle,
		scheduler.WithStore(jobStore),
	)
	queryWorker.Bind(sched)
	hub.SetStatusSource(sched.GetStatus)

	// Initialize services and handlers
	queryService := service.NewQueryService(sched, jobStore, backendNames)
	queryHandler := handler.NewQueryHandler(queryService, validate)

	// Resubmit jobs that were interrupted by the previous shutdown
	queryService.RestoreIncomplete(ctx)

	// Initialize middleware
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    redisUp,
				"backends": backendNames,
				"auth":     cfg.JWT.Secret != "" || cfg.Gateway.Enabled,
			},
		})
	})

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	query := api.Group("/query")
	query.Post("/start", rateLimiter.QueryLimit(cfg.RateLimit.QueriesPerHour), queryHandler.Start)
	query.Get("/status/:jobId", queryHandler.Status)
	query.Get("/result/:jobId", queryHandler.Result)
	query.Post("/cancel/:jobId", queryHandler.Cancel)
	query.Get("/stats", queryHandler.Stats)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
