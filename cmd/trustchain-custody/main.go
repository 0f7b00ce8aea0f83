package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trustchain-custody/common/mqtt"
	"trustchain-custody/internal/config"
	"trustchain-custody/internal/consumer"
	"trustchain-custody/internal/service"

	logpkg "trustchain-custody/common/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "trustchain-custody")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting trustchain-custody service")

	// 创建服务
	svc, err := service.NewCustodyService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create custody service", zap.Error(err))
	}

	// 连接 MQTT broker 并装配设备接入
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, log)
	if err != nil {
		log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	svc.AttachMQTT(mqttClient)

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务（账本事件轮询）
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start custody service", zap.Error(err))
	}

	// 启动设备遥测消费者
	telemetryConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, svc.Pipeline(), log)
	if err := telemetryConsumer.Start(ctx); err != nil {
		log.Fatal("Failed to start telemetry consumer", zap.Error(err))
	}

	// /metrics 监听
	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", zap.Error(err))
		}
	}()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	// 停止顺序：先断设备接入，再等在途账本分发
	if err := telemetryConsumer.Stop(); err != nil {
		log.Error("Error stopping telemetry consumer", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping metrics server", zap.Error(err))
	}

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
}
