package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"CRMNotify/config"
	"CRMNotify/internal/bootstrap"
	"CRMNotify/internal/queue"
	"CRMNotify/pkg/logger"
	"CRMNotify/storage"
)

// worker 没有导航运行时：消费到期触发和后台事件，点击只落盘等待前台进程重放
func main() {
	logger.Init()
	defer logger.Sync()

	if config.Cfg.PlatformBackend != "amqp" {
		logger.Logger.Fatal("Worker requires PLATFORM_BACKEND=amqp",
			zap.String("platform", config.Cfg.PlatformBackend),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	shutdownTelemetry := bootstrap.Telemetry(ctx, "worker")
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Logger.Warn("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	if err := bootstrap.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	components, err := bootstrap.Build(true)
	if err != nil {
		logger.Logger.Fatal("Failed to build services", zap.Error(err))
	}
	stop := bootstrap.Start(ctx, components)
	defer stop()

	logger.Logger.Info("Worker service starting",
		zap.String("service", config.Cfg.ServiceName+"-worker"),
		zap.String("environment", config.Cfg.Environment),
	)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Logger.Error("Consumer stopped", zap.String("consumer", name), zap.Error(err))
				cancel()
			}
		}()
	}

	run("trigger", func(ctx context.Context) error {
		return queue.StartTriggerConsumer(ctx, components.Dispatcher)
	})
	run("background-event", func(ctx context.Context) error {
		return queue.StartBackgroundEventConsumer(ctx, components.Events)
	})

	wg.Wait()
	logger.Logger.Info("Worker service shutting down gracefully")
}
