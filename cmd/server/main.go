/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the savings-group (ROSCA) engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + ROSCA_* env)
  2. Build the zap logger
  3. Initialize SQLite store and the engine
  4. Pick the event publisher (Kafka or log) and group locker (Redis or local)
  5. Start the cycle scheduler
  6. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional config file (YAML, JSON or TOML)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close publisher, Redis and database connections
  5. Exit

EXAMPLES:
  ./server -config=./rosca.yaml
  ./server -db=":memory:" -port=3000
  ROSCA_KAFKA_ENABLED=true ROSCA_KAFKA_BROKERS=k1:9092 ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rosca-engine/api"
	"github.com/warp/rosca-engine/config"
	"github.com/warp/rosca-engine/logging"
	"github.com/warp/rosca-engine/notify"
	"github.com/warp/rosca-engine/rosca"
	"github.com/warp/rosca-engine/store/redislock"
	"github.com/warp/rosca-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := logging.New(cfg.Logging)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	validator := rosca.NewValidator(cfg.Engine.MinReputation)
	validator.RequireEmailVerification = cfg.Engine.RequireEmailVerification
	validator.RequireKYC = cfg.Engine.RequireKYC
	engine := rosca.NewEngine(store,
		rosca.WithLogger(logger.Named("engine")),
		rosca.WithValidator(validator),
	)

	// Event delivery
	var publisher notify.Publisher = notify.NewLogPublisher(logger.Named("events"))
	if cfg.Kafka.Enabled {
		kafka, err := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.MaxRetries, logger.Named("kafka"))
		if err != nil {
			return err
		}
		publisher = notify.Multi{publisher, kafka}
		logger.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}
	defer publisher.Close()

	// Group locks for the scheduler
	var locker redislock.Locker = redislock.NewLocalLocker()
	if cfg.Redis.Enabled {
		client, err := redislock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = redislock.NewRedisLocker(client, cfg.Redis.LockTTL, logger.Named("lock"))
		logger.Info("using redis group locks", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize handler
	handler := api.NewHandler(engine, logger.Named("http"))
	handler.Publisher = publisher
	handler.Ping = store.Ping
	if cfg.Server.EnableReset {
		handler.Reset = store.Reset
		logger.Warn("admin reset endpoint enabled")
	}

	scheduler := api.NewCycleScheduler(engine, locker, publisher, handler.Metrics, logger.Named("scheduler"))
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Enabled = cfg.Scheduler.Enabled
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("db", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
