// Command server starts the Kits file-conversion HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bldmahavidyalaya/kitsapi/internal/api"
	"github.com/bldmahavidyalaya/kitsapi/internal/convert"
	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/logging"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
	"github.com/bldmahavidyalaya/kitsapi/internal/server"
	"github.com/bldmahavidyalaya/kitsapi/internal/storage"
)

func main() {
	// A missing .env file is fine; explicit env always wins over it.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	stagingDir := flag.String("staging-dir", "", "directory for staged conversion artifacts")
	conversionSlots := flag.Int("conversion-slots", 0, "maximum concurrent conversions")
	admissionTimeout := flag.Duration("admission-timeout", 0, "how long a request may wait for a conversion slot")
	conversionTimeout := flag.Duration("conversion-timeout", 0, "hard per-conversion time budget")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes")
	compressMinBytes := flag.Int64("compress-min-bytes", 0, "minimum artifact size for gzip delivery")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (text or json)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	convertLimit := flag.Int("rate-convert-limit", 0, "maximum conversion submissions per window for a single IP")
	convertWindow := flag.Duration("rate-convert-window", 0, "window for counting conversion submissions")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed conversion throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed conversion throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("KITSAPI_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("KITSAPI_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("KITSAPI_ADDR"), ":8080")

	artifactRoot := firstNonEmpty(*stagingDir, os.Getenv("KITSAPI_STAGING_DIR"))
	artifacts, err := coordinator.NewArtifactManager(artifactRoot, logging.WithComponent(logger, "staging"))
	if err != nil {
		logger.Error("failed to prepare staging directory", "error", err)
		os.Exit(1)
	}

	slots := resolveInt(*conversionSlots, "KITSAPI_CONVERSION_SLOTS")
	admission := coordinator.NewAdmissionController(slots,
		resolveDuration(*admissionTimeout, "KITSAPI_ADMISSION_TIMEOUT", coordinator.DefaultAdmissionTimeout))
	dispatcher := coordinator.NewDispatcher(
		resolveDuration(*conversionTimeout, "KITSAPI_CONVERSION_TIMEOUT", coordinator.DefaultConversionTimeout),
		logging.WithComponent(logger, "dispatcher"))
	registry := convert.NewRegistry(logging.WithComponent(logger, "convert"))

	coord := coordinator.New(coordinator.Config{
		Admission:  admission,
		Artifacts:  artifacts,
		Registry:   registry,
		Dispatcher: dispatcher,
		Metrics:    recorder,
		Logger:     logging.WithComponent(logger, "coordinator"),
	})

	store, err := openStore(*storageDriver, *dataPath, *postgresDSN,
		*postgresMaxConns, *postgresConnLifetime, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	handler := api.NewHandler(store, coord, recorder, logging.WithComponent(logger, "api"))
	if max := resolveInt64(*maxUploadBytes, "KITSAPI_MAX_UPLOAD_BYTES"); max > 0 {
		handler.MaxUploadBytes = max
	}
	if min := resolveInt64(*compressMinBytes, "KITSAPI_COMPRESS_MIN_BYTES"); min > 0 {
		handler.Delivery.CompressMinBytes = min
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:       resolveFloat(*globalRPS, "KITSAPI_RATE_GLOBAL_RPS"),
		GlobalBurst:     resolveInt(*globalBurst, "KITSAPI_RATE_GLOBAL_BURST"),
		ConversionLimit: resolveInt(*convertLimit, "KITSAPI_RATE_CONVERT_LIMIT"),
		ConversionWin:   resolveDuration(*convertWindow, "KITSAPI_RATE_CONVERT_WINDOW", time.Minute),
		RedisAddr:       firstNonEmpty(*redisAddr, os.Getenv("KITSAPI_RATE_REDIS_ADDR")),
		RedisPassword:   firstNonEmpty(*redisPassword, os.Getenv("KITSAPI_RATE_REDIS_PASSWORD")),
		RedisTimeout:    resolveDuration(*redisTimeout, "KITSAPI_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("KITSAPI_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("KITSAPI_TLS_KEY")),
		},
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Kits API listening",
		"addr", listenAddr,
		"conversion_slots", admission.Capacity(),
		"staging_dir", artifacts.Root(),
		"operations", len(registry.Operations()))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Kits API stopped")
}

func openStore(driver, dataPath, dsn string, maxConns int, connLifetime time.Duration, logger *slog.Logger) (storage.Repository, error) {
	resolvedDSN := strings.TrimSpace(firstNonEmpty(dsn,
		os.Getenv("KITSAPI_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	resolvedDriver := strings.ToLower(firstNonEmpty(driver, os.Getenv("KITSAPI_STORAGE_DRIVER")))
	if resolvedDriver == "" {
		if resolvedDSN != "" {
			resolvedDriver = "postgres"
		} else {
			resolvedDriver = "json"
		}
	}

	switch resolvedDriver {
	case "json":
		path := firstNonEmpty(dataPath, os.Getenv("KITSAPI_DATA_PATH"),
			filepath.Join("data", "store.json"))
		logger.Info("using JSON datastore", "path", path)
		return storage.NewStorage(path)
	case "postgres":
		if resolvedDSN == "" {
			return nil, errors.New("postgres storage selected without DSN")
		}
		logger.Info("using Postgres datastore")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		opts := []storage.Option{storage.WithApplicationName("kitsapi")}
		if maxConns > 0 {
			opts = append(opts, storage.WithMaxConnections(int32(maxConns)))
		}
		if connLifetime > 0 {
			opts = append(opts, storage.WithConnLifetime(connLifetime))
		}
		return storage.NewPostgresRepository(ctx, resolvedDSN, opts...)
	default:
		return nil, errors.New("unsupported storage driver " + strconv.Quote(resolvedDriver))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}
