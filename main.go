// Package main provides the main entry point for the Herald scheduled message dispatch service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/app/handlers"
	"github.com/mercatorhq/herald/app/ratelimit"
	"github.com/mercatorhq/herald/app/router"
	"github.com/mercatorhq/herald/app/scheduler"
	"github.com/mercatorhq/herald/app/services"
	businessflow "github.com/mercatorhq/herald/business_flow"
	"github.com/mercatorhq/herald/cache"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/logger"
	"github.com/mercatorhq/herald/repository"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	log.Println("Starting Herald application...")

	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize application
	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Stop background workers before refusing new requests so in-flight
	// schedule runs settle their status rows.
	for _, fn := range app.stopFuncs {
		fn()
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	gormCfg := &gorm.Config{}
	if cfg.SlowQueryLog {
		gormCfg.Logger = gormlogger.New(log.Default(), gormlogger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pooling
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test the connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB if provided in config
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established to %s (db=%d)", cfg.RedisURL, cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()

	// Root structured logger; components receive tagged children
	rootLog := logger.New(cfg.Logging)

	// Initialize database
	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		cancel := startCacheHealthMonitor(context.Background(), rc, cfg.Cache.HealthInterval)
		stopFuncs = append(stopFuncs, cancel)
	}
	statusCache := cache.NewScheduleStatusCache(rc, cfg.Cache, rootLog)

	// Initialize repositories
	scheduleRepo := repository.NewScheduleRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	contactRepo := repository.NewContactRepository(db)
	contactGroupRepo := repository.NewContactGroupRepository(db)
	deliveryLogRepo := repository.NewDeliveryLogRepository(db)

	// Shared send governors: one limiter and one breaker per process
	limiter := ratelimit.NewLimiter(cfg.SendRate, rootLog)
	stopSweeper := limiter.StartSweeper(context.Background())
	stopFuncs = append(stopFuncs, stopSweeper)

	brk := breaker.New(cfg.CircuitBreaker, rootLog)

	// Initialize services
	gateway := services.NewGateway(&cfg.Gateway)
	directory := services.NewDirectoryService(contactRepo, contactGroupRepo)

	dispatcher := dispatch.NewDispatcher(
		cfg.Dispatch,
		limiter,
		brk,
		gateway,
		directory,
		deliveryLogRepo,
		rootLog,
	)

	sched := scheduler.NewScheduler(
		cfg.Scheduler,
		scheduleRepo,
		messageRepo,
		deliveryLogRepo,
		dispatcher,
		statusCache,
		rootLog,
	)
	if cfg.Scheduler.Enabled {
		stopScheduler := sched.Start(context.Background())
		stopFuncs = append(stopFuncs, stopScheduler)
	} else {
		log.Println("Scheduler disabled; schedules will be accepted but not executed by this instance")
	}

	// Initialize flows
	scheduleFlow := businessflow.NewScheduleFlow(
		scheduleRepo,
		messageRepo,
		contactRepo,
		deliveryLogRepo,
		sched,
		dispatcher,
		limiter,
		brk,
		statusCache,
		cfg.Scheduler,
		cfg.Dispatch,
		db,
		rootLog,
	)

	messageFlow := businessflow.NewMessageFlow(messageRepo, db, rootLog)

	reportFlow := businessflow.NewReportFlow(scheduleRepo, deliveryLogRepo, contactRepo, rootLog)

	// Initialize handlers
	scheduleHandler := handlers.NewScheduleHandler(scheduleFlow, reportFlow)
	dispatchHandler := handlers.NewDispatchHandler(scheduleFlow)
	messageHandler := handlers.NewMessageHandler(messageFlow)

	// Initialize router
	appRouter := router.NewFiberRouter(
		scheduleHandler,
		dispatchHandler,
		messageHandler,
		cfg.Metrics,
	)

	// Create application struct from FiberRouter
	fiberRouter := appRouter.(*router.FiberRouter)
	application := &Application{
		router:    fiberRouter,
		config:    cfg,
		server:    fiberRouter.GetApp(),
		stopFuncs: stopFuncs,
	}

	return application, nil
}
