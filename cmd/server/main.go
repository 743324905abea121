package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/storefront/internal/adapter/handler"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/port"
	"github.com/rl1809/storefront/internal/telemetry"
	"github.com/rl1809/storefront/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("failed to open mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping mysql", zap.Error(err))
	}
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}
	logger.Info("connected to mysql")

	// Initialize Redis. With the memory queue it only carries progress
	// updates, so an unreachable Redis is tolerated there.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	var redisAdapter *storage.RedisAdapter
	if err := rdb.Ping(ctx).Err(); err != nil {
		if cfg.QueueBackend == config.QueueRedis {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Warn("redis unavailable, progress streams will poll", zap.Error(err))
	} else {
		redisAdapter = storage.NewRedisAdapter(rdb)
		logger.Info("connected to redis")
	}

	var (
		queue       port.TaskQueue
		memoryQueue *worker.ChannelQueue
		feed        port.ProgressFeed
	)
	if redisAdapter != nil {
		feed = redisAdapter
	}
	switch cfg.QueueBackend {
	case config.QueueRedis:
		queue = redisAdapter
	default:
		memoryQueue = worker.NewChannelQueue(cfg.QueueSize)
		queue = memoryQueue
	}
	logger.Info("import queue ready", zap.String("backend", cfg.QueueBackend))

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to set up blob store", zap.Error(err))
	}

	// Initialize services
	orderService := service.NewOrderService(mysqlAdapter, mysqlAdapter, mysqlAdapter, logger)
	cartService := service.NewCartService(mysqlAdapter, logger)
	importService := service.NewImportService(service.ImportServiceDeps{
		Jobs:     mysqlAdapter,
		Stores:   mysqlAdapter,
		Products: mysqlAdapter,
		Blobs:    blobs,
		Queue:    queue,
		Feed:     feed,
		Logger:   logger,
	})

	// Start worker pool and reaper
	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := worker.NewPool(queue, importService.Process, cfg.WorkerCount, logger)
	pool.Start(workerCtx)
	logger.Info("started import workers", zap.Int("count", cfg.WorkerCount))

	reaper := service.NewReaper(mysqlAdapter, queue, cfg.StaleJobAfter, cfg.ReaperInterval, logger)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(workerCtx)
	}()

	checks := map[string]handler.CheckFunc{"mysql": db.PingContext}
	if redisAdapter != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	health := handler.NewHealthChecker(checks)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, handler.NewGRPCHandler(health))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(handler.HTTPHandlerDeps{
		Orders:         orderService,
		Carts:          cartService,
		Imports:        importService,
		Identity:       handler.NewJWTResolver(cfg.JWTSecret),
		Health:         health,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Running imports finish on their own context; queued ones stay PENDING
	// for the reaper of the next process.
	stopWorkers()
	if memoryQueue != nil {
		memoryQueue.Close()
	}
	pool.Wait()
	<-reaperDone
	logger.Info("workers stopped")

	rdb.Close()
	db.Close()
	logger.Info("connections closed")

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newBlobStore(ctx context.Context, cfg config.Config) (port.BlobStore, error) {
	if cfg.BlobBackend == config.BlobLocal {
		return storage.NewLocalBlobStore(cfg.BlobDir)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return storage.NewS3BlobStore(client, cfg.S3Bucket, cfg.AWSRegion), nil
}
