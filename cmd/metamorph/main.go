// Command metamorph starts the media conversion HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"metamorph/internal/api"
	"metamorph/internal/cache"
	"metamorph/internal/download"
	"metamorph/internal/observability/logging"
	"metamorph/internal/observability/metrics"
	"metamorph/internal/queue"
	"metamorph/internal/refresh"
	"metamorph/internal/server"
	"metamorph/internal/storage"
	"metamorph/internal/waiter"
	"metamorph/internal/worker"
)

func main() {
	// Optional .env for local development; missing files are fine.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address or port")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	kvAddr := flag.String("kv-addr", "", "KV (Redis) connection string")
	queueURL := flag.String("queue-url", "", "remote work queue URL")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectBucket := flag.String("object-bucket", "", "object storage bucket")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public URL prefix for stored artifacts")
	cdnHost := flag.String("cdn-host", "", "optional CDN hostname rewriting artifact URLs")
	maxDownloadMB := flag.Int("max-download-mb", 100, "hard cap on source download size in MB")
	workers := flag.Int("workers", 5, "number of conversion workers")
	minMaxAgeMinutes := flag.Int("min-max-age", 5, "minimum freshness window in minutes")
	waitTimeout := flag.Duration("wait-timeout", 20*time.Second, "budget for wait=true requests")
	pollInterval := flag.Duration("poll-interval", 100*time.Millisecond, "waiter polling cadence")
	localCache := flag.Bool("local-cache", false, "use a filesystem cache and in-process queue (dev only)")
	localCacheDir := flag.String("local-cache-dir", "./cache", "directory for the local cache")
	tmpDir := flag.String("tmp-dir", "", "scratch directory for downloads and conversions")
	cacheVersion := flag.Int("cache-version", 0, "KV keyspace version; bumping abandons all records")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("METAMORPH_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("METAMORPH_LOG_FORMAT")),
	})
	recorder := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tmpRoot := firstNonEmpty(*tmpDir, os.Getenv("METAMORPH_TMP_DIR"), "./tmp")
	// The scratch root is assumed private to this service.
	if err := os.RemoveAll(tmpRoot); err != nil {
		logger.Warn("failed to clear scratch root", "dir", tmpRoot, "error", err)
	}
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		logger.Error("failed to prepare scratch root", "dir", tmpRoot, "error", err)
		os.Exit(1)
	}

	maxBytes := int64(intSetting(*maxDownloadMB, "METAMORPH_MAX_DOWNLOAD_MB", logger)) << 20
	downloader := download.New(tmpRoot, maxBytes, nil)

	var (
		store       cache.Cache
		workQueue   queue.Queue
		redisClient redis.UniversalClient
	)
	version := intSetting(*cacheVersion, "METAMORPH_CACHE_VERSION", logger)
	minMaxAge := time.Duration(intSetting(*minMaxAgeMinutes, "METAMORPH_MIN_MAX_AGE", logger)) * time.Minute

	localMode := *localCache || boolEnv("METAMORPH_LOCAL_CACHE")
	if localMode {
		dir := firstNonEmpty(*localCacheDir, os.Getenv("METAMORPH_LOCAL_CACHE_DIR"), "./cache")
		endpoint := fmt.Sprintf("http://localhost%s/cache/", server.ListenAddr(firstNonEmpty(*addr, os.Getenv("METAMORPH_ADDR"))))
		local, err := cache.NewLocal(dir, endpoint, logging.WithComponent(logger, "cache"))
		if err != nil {
			logger.Error("failed to initialise local cache", "error", err)
			os.Exit(1)
		}
		store = local
		workQueue = queue.NewGuarded(queue.GuardedConfig{
			Backend: queue.NewMemory(),
			Logger:  logging.WithComponent(logger, "queue"),
		})
		logger.Info("running in local cache mode", "dir", dir)
	} else {
		client, err := newRedisClient(firstNonEmpty(*kvAddr, os.Getenv("METAMORPH_KV_ADDR")))
		if err != nil {
			logger.Error("failed to configure KV store", "error", err)
			os.Exit(1)
		}
		redisClient = client

		uploader, err := storage.NewUploader(ctx, storage.Config{
			Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("METAMORPH_OBJECT_ENDPOINT")),
			Region:    firstNonEmpty(*objectRegion, os.Getenv("METAMORPH_OBJECT_REGION")),
			Bucket:    firstNonEmpty(*objectBucket, os.Getenv("METAMORPH_OBJECT_BUCKET")),
			AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("METAMORPH_OBJECT_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("METAMORPH_OBJECT_SECRET_KEY")),
		})
		if err != nil {
			logger.Error("failed to configure object storage", "error", err)
			os.Exit(1)
		}
		store = cache.NewEngine(cache.EngineConfig{
			Redis:     client,
			Uploader:  uploader,
			Endpoint:  firstNonEmpty(*objectPublicEndpoint, os.Getenv("METAMORPH_OBJECT_PUBLIC_ENDPOINT")),
			CDNHost:   firstNonEmpty(*cdnHost, os.Getenv("METAMORPH_CDN_HOST")),
			Version:   version,
			MinMaxAge: minMaxAge,
			Prober:    downloader,
			Logger:    logging.WithComponent(logger, "cache"),
		})

		backend, err := newQueueBackend(ctx, firstNonEmpty(*queueURL, os.Getenv("METAMORPH_QUEUE_URL")), logger)
		if err != nil {
			logger.Error("failed to configure work queue", "error", err)
			os.Exit(1)
		}
		workQueue = queue.NewGuarded(queue.GuardedConfig{
			Backend: backend,
			Redis:   client,
			Version: version,
			Logger:  logging.WithComponent(logger, "queue"),
		})
	}

	refresher := refresh.New(refresh.Config{
		Cache:  store,
		Queue:  workQueue,
		Logger: logging.WithComponent(logger, "refresh"),
	})
	refresher.Start()
	if engine, ok := store.(*cache.Engine); ok {
		engine.SetHinter(refresher)
	}

	waitService := waiter.New(waiter.Config{
		Cache:        store,
		WaitTimeout:  *waitTimeout,
		PollInterval: *pollInterval,
		Logger:       logging.WithComponent(logger, "waiter"),
	})

	pool := worker.New(worker.Config{
		Queue:   workQueue,
		Fetcher: downloader,
		Cache:   store,
		Metrics: recorder,
		Workers: intSetting(*workers, "METAMORPH_WORKERS", logger),
		Logger:  logging.WithComponent(logger, "worker"),
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool stopped", "error", err)
		}
	}()

	handler := api.NewHandler(store, workQueue, waitService, logging.WithComponent(logger, "api"))
	srvConfig := server.Config{
		Addr:         server.ListenAddr(firstNonEmpty(*addr, os.Getenv("METAMORPH_ADDR"))),
		Logger:       logger,
		Metrics:      recorder,
		MetricsToken: strings.TrimSpace(os.Getenv("METAMORPH_METRICS_TOKEN")),
	}
	if localMode {
		srvConfig.LocalCacheDir = firstNonEmpty(*localCacheDir, os.Getenv("METAMORPH_LOCAL_CACHE_DIR"), "./cache")
	}
	srv := server.New(handler, srvConfig)

	logger.Info("metamorph starting", "addr", srvConfig.Addr, "workers", intSetting(*workers, "METAMORPH_WORKERS", logger), "local_cache", localMode)
	if err := srv.Run(ctx); err != nil {
		logger.Error("http server failed", "error", err)
	}

	// HTTP stopped; drain the background components.
	<-poolDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := refresher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("refresh pipeline shutdown incomplete", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("metamorph stopped")
}

func newRedisClient(connection string) (redis.UniversalClient, error) {
	trimmed := strings.TrimSpace(connection)
	if trimmed == "" {
		return nil, fmt.Errorf("KV connection string is required")
	}
	if strings.Contains(trimmed, "://") {
		opts, err := redis.ParseURL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse KV connection string: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: trimmed}), nil
}

func newQueueBackend(ctx context.Context, queueURL string, logger *slog.Logger) (queue.Queue, error) {
	if strings.TrimSpace(queueURL) == "" {
		logger.Info("no remote queue configured, using in-process queue")
		return queue.NewMemory(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue config: %w", err)
	}
	return queue.NewSQS(sqs.NewFromConfig(awsCfg), queueURL, logging.WithComponent(logger, "queue")), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func intSetting(flagValue int, envKey string, logger *slog.Logger) int {
	env := strings.TrimSpace(os.Getenv(envKey))
	if env == "" {
		return flagValue
	}
	parsed, err := strconv.Atoi(env)
	if err != nil {
		logger.Warn("invalid integer environment override", "key", envKey, "value", env, "error", err)
		return flagValue
	}
	return parsed
}

func boolEnv(key string) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
