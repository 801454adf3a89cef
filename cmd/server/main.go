package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/koopa0/room-relay/internal"
	"github.com/koopa0/room-relay/internal/limiter"
	"github.com/koopa0/room-relay/internal/middleware"
	"github.com/koopa0/room-relay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑（不存在時使用預設值）")
		envFile    = flag.String("env-file", ".env", "環境變數檔路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置與 PORT）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	// .env 不存在不是錯誤
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load env file", "path", *envFile, "error", err)
	}

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	log := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.Level == "debug",
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := internal.NewMetrics()
	registry := internal.NewRegistry(internal.RandomCodeGenerator{}, cfg.Rooms.MaxCodeAttempts, log)
	publisher := setupPublisher(cfg, log)

	hub := internal.NewHub(internal.HubOptions{
		Config:    cfg,
		Registry:  registry,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log,
	})
	metrics.RegisterGauges(registry, hub)

	rateLimiter, redisClient := setupRateLimiter(ctx, cfg, log)

	handler := internal.NewHandler(internal.HandlerOptions{
		Config:  cfg,
		Hub:     hub,
		Metrics: metrics,
		Limiter: rateLimiter,
		Logger:  log,
	})

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	serverErr := make(chan error, 1)
	go func() {
		log.Info("room relay server starting",
			"addr", server.Addr,
			"env", cfg.Env,
			"liveness_interval", cfg.Liveness.Interval,
			"static_dir", cfg.Server.StaticDir)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中斷信號
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.Error("server failed", "error", err)
	}

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}

	// 關閉所有 WebSocket 會話並停止存活檢測
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("websocket hub shutdown", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("close redis client", "error", err)
		}
	}

	log.Info("server stopped")
}

// setupPublisher 有設定 NATS 時發布房間事件，連線失敗退回日誌
func setupPublisher(cfg *internal.Config, log *slog.Logger) internal.EventPublisher {
	if cfg.NATS.URL == "" {
		return internal.NewLogPublisher(log)
	}

	publisher, err := internal.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
	if err != nil {
		log.Warn("nats unavailable, room events will only be logged", "url", cfg.NATS.URL, "error", err)
		return internal.NewLogPublisher(log)
	}

	log.Info("publishing room events to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	return publisher
}

// setupRateLimiter 有設定 Redis 時使用分散式限流，否則（或連線失敗）使用單機限流
func setupRateLimiter(ctx context.Context, cfg *internal.Config, log *slog.Logger) (middleware.RateLimiterFunc, *redis.Client) {
	local := func() middleware.RateLimiterFunc {
		kl := limiter.NewKeyedLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		go kl.Run(ctx, time.Minute)
		return kl.Allow
	}

	if cfg.Redis.Addr == "" {
		return local(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, using local rate limiter", "addr", cfg.Redis.Addr, "error", err)
		_ = client.Close()
		return local(), nil
	}

	log.Info("using distributed rate limiter", "addr", cfg.Redis.Addr)
	dtb := limiter.NewDistributedTokenBucket(client, cfg.Redis.KeyPrefix, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	return dtb.Allow, client
}
