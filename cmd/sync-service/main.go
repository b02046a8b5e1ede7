package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/bizflowhq/sync-core/internal/api/handler"
	"github.com/bizflowhq/sync-core/internal/api/router"
	"github.com/bizflowhq/sync-core/internal/cache"
	"github.com/bizflowhq/sync-core/internal/classify"
	"github.com/bizflowhq/sync-core/internal/config"
	"github.com/bizflowhq/sync-core/internal/jobs"
	"github.com/bizflowhq/sync-core/internal/provider"
	"github.com/bizflowhq/sync-core/internal/session"
	"github.com/bizflowhq/sync-core/internal/syncer"
	"github.com/bizflowhq/sync-core/internal/token"
	"github.com/bizflowhq/sync-core/shared/crypto"
	"github.com/bizflowhq/sync-core/shared/logger"
	"github.com/bizflowhq/sync-core/shared/postgresql"
)

// recorderCapacity bounds the in-memory failure window behind
// /errors/summary.
const recorderCapacity = 512

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SYNC_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/sync-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting sync service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize credential cipher. The key comes from the environment
	// when set so it never has to live in the config file.
	encryptionKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if encryptionKey == "" {
		encryptionKey = cfg.Encryption.Key
	}
	cipher, err := crypto.NewCipher(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	// Background context for the cache sweeper, cancelled on shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	appCache := cache.New(cfg.Cache.Capacity, appLogger.Logger)
	appCache.StartSweeper(rootCtx, cfg.Cache.SweepInterval)

	// Stores
	db := dbClient.GetDB()
	jobStore := jobs.NewPostgresStore(db)
	sessionStore := session.NewPostgresStore(db)
	integrationStore := token.NewPostgresStore(db)

	// Token manager with OAuth refresh
	oauthProviders := make(map[string]token.ProviderConfig, len(cfg.OAuth.Providers))
	for name, pc := range cfg.OAuth.Providers {
		oauthProviders[name] = token.ProviderConfig{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			TokenURL:     pc.TokenURL,
		}
	}
	oauthClient := token.NewOAuthClient(oauthProviders, appLogger.Logger)

	tokenManager := token.NewManager(token.Config{
		Store:     integrationStore,
		Refresher: oauthClient,
		Cipher:    cipher,
		Cache:     appCache,
		Logger:    appLogger.Logger,
		Skew:      cfg.Sync.TokenRefreshSkew,
		CacheTTL:  cfg.Cache.TTL,
	})

	// Sync pipeline
	recorder := classify.NewRecorder(recorderCapacity)
	tracker := session.NewTracker(sessionStore, appLogger.Logger)
	runner := jobs.NewRunner(jobStore, appLogger.Logger, recorder, cfg.Sync.MaxAttempts)
	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, cfg.Provider.PageSize, appLogger.Logger)

	var embedder syncer.Embedder
	if cfg.Sync.EmbedEnabled {
		embedder = provider.NewEmbedClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, appLogger.Logger)
	}

	syncService := syncer.New(syncer.Config{
		Provider:      providerClient,
		Tokens:        tokenManager,
		Jobs:          jobStore,
		Runner:        runner,
		Tracker:       tracker,
		Recorder:      recorder,
		Logger:        appLogger.Logger,
		Embedder:      embedder,
		MaxJobsPerRun: cfg.Sync.MaxJobsPerRun,
	})

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, syncService, tracker, jobStore, recorder)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Sync service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		rootCancel()
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	syncService *syncer.Service,
	tracker *session.Tracker,
	jobStore jobs.Store,
	recorder *classify.Recorder,
) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Syncer:      syncService,
		Tracker:     tracker,
		Jobs:        jobStore,
		Recorder:    recorder,
		ErrorWindow: cfg.Sync.ErrorWindow,
	}

	return router.SetupRouter(handlerDeps)
}
