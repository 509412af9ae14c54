package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/similarity"
	"github.com/example/face-verify/internal/usecase"
)

const (
	serviceName    = "Face Recognition Service"
	serviceVersion = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the face verification HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	root := &cobra.Command{
		Use:          "face-verify",
		Short:        "Face identity verification service",
		Version:      serviceVersion,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional TOML configuration file")
	root.AddCommand(serve, newCompareCmd(&configPath))
	return root
}

func newCompareCmd(configPath *string) *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "compare <embedding1.json> <embedding2.json>",
		Short: "Compare two stored embeddings offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("threshold") {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				threshold = cfg.MatchThreshold
			}
			return runCompare(cmd.OutOrStdout(), args[0], args[1], threshold)
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0.6, "similarity cutoff (defaults to MATCH_THRESHOLD)")
	return cmd
}

func runCompare(out io.Writer, firstPath, secondPath string, threshold float64) error {
	first, err := readEmbedding(firstPath)
	if err != nil {
		return err
	}
	second, err := readEmbedding(secondPath)
	if err != nil {
		return err
	}
	result, err := similarity.Compare(first, second, threshold)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readEmbedding(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values []float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%s: expected a JSON array of numbers: %w", path, err)
	}
	return values, nil
}

func runServe(cfg *config.Config) error {
	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	provider := newProvider(cfg, logger)
	defer provider.Close() //nolint:errcheck

	opts := handlers.Options{
		Service: handlers.ServiceInfo{
			Name:          serviceName,
			Version:       serviceVersion,
			Model:         cfg.ModelName,
			ProviderReady: provider.Ready,
		},
		MaxImageBytes: cfg.MaxImageSize,
		Logger:        logger,
	}

	var uc *usecase.VerificationUseCase
	if cfg.AuditEnabled {
		trail, cleanup, err := initAuditTrail(cfg, logger)
		if err != nil {
			logger.Error("audit trail unavailable", zap.Error(err))
			return err
		}
		defer cleanup()
		uc = usecase.NewVerificationUseCase(provider, cfg.MatchThreshold, trail, logger)
		opts.Audit = trail
		if cfg.JWTSecret != "" {
			opts.OperatorAuth = auth.OperatorMiddleware(auth.Options{
				Secret:   cfg.JWTSecret,
				Audience: cfg.JWTAudience,
				Leeway:   30 * time.Second,
			})
		}
	} else {
		uc = usecase.NewVerificationUseCase(provider, cfg.MatchThreshold, nil, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	handlers.RegisterRoutes(r, uc, opts)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	logger.Info("face verification API listening",
		zap.String("addr", server.Addr),
		zap.String("model", cfg.ModelName),
		zap.String("detector", cfg.DetectorBackend),
		zap.Float64("threshold", cfg.MatchThreshold),
		zap.String("provider", cfg.EmbeddingProvider),
	)
	return serveHTTPServer(server, 15*time.Second, logger)
}

// newProvider builds the configured backend lazily, on the first extraction.
func newProvider(cfg *config.Config, logger *zap.Logger) *embedding.Lazy {
	return embedding.NewLazy(func(ctx context.Context) (embedding.Provider, error) {
		logger.Info("initializing embedding provider", zap.String("provider", cfg.EmbeddingProvider))
		switch cfg.EmbeddingProvider {
		case config.ProviderCommand:
			return embedding.NewCommandProvider(embedding.CommandOptions{
				Path:     cfg.EmbeddingCommand,
				Model:    cfg.ModelName,
				Detector: cfg.DetectorBackend,
				Stager:   embedding.Stager{Dir: cfg.StagingDir},
			}, logger)
		default:
			return grpcclient.DialEmbeddingProvider(ctx, cfg.EmbeddingProviderAddr, grpcclient.Options{
				Model:    cfg.ModelName,
				Detector: cfg.DetectorBackend,
			}, logger)
		}
	})
}

func initAuditTrail(cfg *config.Config, logger *zap.Logger) (*usecase.AuditTrail, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewAuditRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("auto migrate failed: %w", err)
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		redisClient.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return usecase.NewAuditTrail(repo, usecase.NewRedisCache(redisClient), logger), cleanup, nil
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
