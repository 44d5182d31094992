package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lab-validation-server/internal/api"
	"github.com/lab-validation-server/internal/artifact"
	"github.com/lab-validation-server/internal/cache"
	"github.com/lab-validation-server/internal/config"
	"github.com/lab-validation-server/internal/database"
	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/drafts"
	"github.com/lab-validation-server/internal/health"
	"github.com/lab-validation-server/internal/monitoring"
	"github.com/lab-validation-server/internal/report"
	"github.com/lab-validation-server/internal/repository"
	"github.com/lab-validation-server/internal/service"
	"github.com/lab-validation-server/pkg/labapi"
)

const healthInterval = 30 * time.Second

func serveCmd(configFile *string) *cobra.Command {
	var standalone bool
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode *config.Standalone
			if standalone {
				s := config.DefaultStandalone()
				if dataDir != "" {
					s.DataDir = dataDir
				}
				mode = &s
			}
			return runServer(*configFile, mode)
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "Keep drafts in a local SQLite file and skip Redis and Postgres")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Standalone data directory (default: $"+config.DataDirEnv+" or ~/.lab-validation)")
	return cmd
}

// closers releases resources in reverse order of acquisition.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer(configFile string, standalone *config.Standalone) error {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return err
	}
	if standalone != nil {
		if err := standalone.EnsureDataDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		standalone.Apply(manager.GetConfig())
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.close()

	metrics := monitoring.NewMetrics()
	checker := health.NewChecker(version, 5*time.Second, logger)

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = labapi.NewRedisClient(ctx, cfg.Cache)
		if err != nil {
			return err
		}
		cleanup.add(func() { redisClient.Close() })
		checker.Register(health.NewPingCheck("definition_cache", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	definitions, err := labapi.NewDefinitionCache(cfg.Cache.DefinitionCacheSize, cfg.Cache.DefaultTTL, redisClient, logger)
	if err != nil {
		return err
	}
	metrics.RegisterDefinitionCache(definitions)

	remote := labapi.NewResilientClient(labapi.NewClient(cfg.LabAPI, logger), cfg.LabAPI.Breaker, definitions, metrics.RecordBreakerState, logger)
	checker.Register(health.NewBreakerCheck(remote.BreakerState,
		labapi.BreakerQueues, labapi.BreakerDefinitions, labapi.BreakerDrafts, labapi.BreakerWorkflow, labapi.BreakerReports))

	repo, purger, err := newDraftRepository(ctx, manager, remote, checker, &cleanup, logger)
	if err != nil {
		return err
	}
	auditLog, err := newAuditLog(ctx, cfg, checker, &cleanup, logger)
	if err != nil {
		return err
	}
	store, err := newArtifactStore(ctx, cfg, remote, logger)
	if err != nil {
		return err
	}

	orderCache := cache.NewOrderCache(cfg.Cache.OrderCacheSize, cfg.Cache.OrderCacheTTL)
	metrics.RegisterOrderCache(orderCache)

	draftStore := service.NewDraftStore(remote, repo, orderCache, auditLog, metrics, logger)
	pipeline := service.NewValidationPipeline(remote, draftStore, store, report.NewBuilder(cfg.Report), metrics, logger)
	controller := service.NewLifecycleController(remote, draftStore, pipeline, purger, auditLog, metrics, logger)
	queues := service.NewQueueBoard(remote, controller, draftStore, logger)

	checker.Start(healthInterval)
	defer checker.Stop()

	server := api.NewServer(cfg.Server, cfg.Logging.Level == "debug", api.Services{
		Controller: controller,
		Drafts:     draftStore,
		Queues:     queues,
		Audit:      auditLog,
		Health:     checker,
		Metrics:    metrics,
	}, logger)

	logger.WithFields(logrus.Fields{
		"version":   version,
		"drafts":    cfg.Drafts.Backend,
		"audit":     cfg.Audit.Backend,
		"artifacts": cfg.Artifacts.Backend,
	}).Info("Starting lab validation server")

	err = server.Start(ctx)
	queues.Wait()
	logger.Info("Server stopped")
	return err
}

// newDraftRepository opens the configured draft backend. Local backends also
// purge the drafts of finished orders; the lab API keeps its own.
func newDraftRepository(ctx context.Context, manager *config.Manager, remote *labapi.ResilientClient, checker *health.Checker, cleanup *closers, logger *logrus.Logger) (domain.DraftRepository, service.DraftPurger, error) {
	cfg := manager.GetConfig()
	switch strings.ToLower(cfg.Drafts.Backend) {
	case "sqlite":
		store, err := drafts.NewSQLiteStore(cfg.Drafts.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { store.Close() })
		checker.Register(health.NewSQLCheck("drafts_db", store.DB()))
		return store, store, nil

	case "postgres":
		store, err := drafts.NewPostgresStoreFromURL(manager.GetDatabaseURL(), cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { store.Close() })
		checker.Register(health.NewSQLCheck("drafts_db", store.DB()))
		return store, store, nil

	case "redis":
		store, err := drafts.NewRedisStore(ctx, cfg.Drafts.RedisURL, cfg.Drafts.KeyPrefix, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add(func() { store.Close() })
		checker.Register(health.NewRedisCheck("drafts_redis", store.Client()))
		return store, store, nil

	default:
		return remote, nil, nil
	}
}

func newAuditLog(ctx context.Context, cfg *domain.Config, checker *health.Checker, cleanup *closers, logger *logrus.Logger) (domain.AuditLog, error) {
	if !strings.EqualFold(cfg.Audit.Backend, "postgres") {
		return repository.NewMemoryAuditLog(), nil
	}
	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		return nil, err
	}
	cleanup.add(db.Close)
	checker.Register(health.NewPingCheck("audit_db", db.Health))
	return repository.NewAuditRepository(db.Pool, logger), nil
}

func newArtifactStore(ctx context.Context, cfg *domain.Config, remote *labapi.ResilientClient, logger *logrus.Logger) (domain.ArtifactStore, error) {
	if strings.EqualFold(cfg.Artifacts.Backend, "s3") {
		return artifact.NewS3Store(ctx, cfg.Artifacts.S3, logger)
	}
	return remote, nil
}
