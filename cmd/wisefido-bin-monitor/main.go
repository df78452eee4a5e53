package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-bin-monitor/internal/alert"
	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/httpapi"
	"wisefido-bin-monitor/internal/logger"
	"wisefido-bin-monitor/internal/metrics"
	"wisefido-bin-monitor/internal/mqtt"
	"wisefido-bin-monitor/internal/redisclient"
	"wisefido-bin-monitor/internal/service"
	"wisefido-bin-monitor/internal/store"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-bin-monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting wisefido-bin-monitor service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis：静音偏好的持久化存储，不可用时降级为仅内存
	var kv alert.KVStore
	redisCli := redisclient.NewClient(&cfg.Redis)
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisclient.Ping(pingCtx, redisCli); err != nil {
		log.Warn("Redis unavailable, mute preference will not persist", zap.Error(err))
	} else {
		kv = alert.NewRedisKVStore(redisCli)
	}
	pingCancel()

	// OS级通知通道（可选）
	var notifier alert.Notifier
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.NewWebhookNotifier(cfg.Alert.WebhookURL, log)
	}

	dispatcher := alert.NewDispatcher(cfg, kv, notifier, alert.NewTerminalBeeper(os.Stdout), log)

	// MQTT 总线
	bus, err := mqtt.NewClient(&cfg.MQTT, log)
	if err != nil {
		log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer bus.Disconnect()

	// 设备注册库
	storeCli := store.NewClient(&cfg.Store, log)

	m := metrics.New()
	monitor := service.NewMonitor(cfg, bus, storeCli, dispatcher, m, log)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal("Failed to start monitor", zap.Error(err))
	}

	// HTTP 命令面
	handler := httpapi.NewHandler(log, monitor, m.Handler())
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Router(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		log.Error("HTTP server error", zap.Error(err))
	}
	cancel()

	// 先停HTTP入口，再停事件循环
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := monitor.Stop(); err != nil {
		log.Error("Error stopping monitor", zap.Error(err))
	}

	log.Info("Service stopped")
}
