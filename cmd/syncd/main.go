package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"salesync/internal/api"
	"salesync/internal/config"
	"salesync/internal/conflict"
	"salesync/internal/database"
	"salesync/internal/logging"
	"salesync/internal/metrics"
	"salesync/internal/network"
	"salesync/internal/report"
	"salesync/internal/repository"
	"salesync/internal/retry"
	"salesync/internal/transport"
	"salesync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		startMetricsServer(cfg.Monitoring.PrometheusPort, &logger)
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}

	manager := conflict.NewManager(
		db,
		conflict.NewDetector(cfg.Conflict.UpdateThreshold),
		conflict.NewResolver(cfg.Conflict, logger),
		cfg.Conflict,
		logger,
	)

	monitor := network.NewSwitch(false, logger)
	go probeConnectivity(ctx, cfg.Remote.BaseURL, cfg.Sync.PollInterval, monitor, &logger)

	coordinator := worker.NewCoordinator(
		db,
		transport.NewClient(cfg.Remote, logger),
		retry.NewExecutor(logger, nil),
		manager,
		monitor,
		redisClient,
		cfg.Sync,
		submitRetryConfig(cfg.Retry),
		cfg.App,
		cfg.Redis.DeadLetterKey,
		logger,
	)

	if cfg.API.Enabled {
		exporter := report.NewExporter(manager, cfg.Exports.Path, logger)
		apiServer := api.NewHTTPServer(cfg.API, coordinator, manager, exporter, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	logger.Info().Str("remote", cfg.Remote.BaseURL).Msg("Движок синхронизации запущен...")
	coordinator.Start(ctx)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}
	return client
}

// submitRetryConfig накладывает переопределения из конфига на пресет для
// отправки очереди.
func submitRetryConfig(override config.RetryConfig) retry.Config {
	cfg := retry.SyncConfig()
	if override.MaxRetries > 0 {
		cfg.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		cfg.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		cfg.MaxDelay = override.MaxDelay
	}
	if override.Multiplier > 0 {
		cfg.Multiplier = override.Multiplier
	}
	if override.Jitter != nil {
		cfg.Jitter = *override.Jitter
	}
	if override.Timeout > 0 {
		cfg.Timeout = override.Timeout
	}
	if override.RateLimitFloor != 0 {
		cfg.RateLimitFloor = override.RateLimitFloor
	}
	return cfg
}

func startMetricsServer(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Int("port", port).Msg("Prometheus metrics server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// probeConnectivity периодически опрашивает удаленный сервер и передает
// состояние сети в Switch. Сам движок сеть не опрашивает.
func probeConnectivity(ctx context.Context, baseURL string, interval time.Duration, sw *network.Switch, logger *zerolog.Logger) {
	if interval <= 0 || interval > 30*time.Second {
		interval = 10 * time.Second
	}
	client := &http.Client{Timeout: 5 * time.Second}

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL+"/api/health", nil)
		if err != nil {
			logger.Error().Err(err).Msg("bad probe request")
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			sw.SetOnline(false)
			return
		}
		resp.Body.Close()
		sw.SetOnline(resp.StatusCode < 500)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
