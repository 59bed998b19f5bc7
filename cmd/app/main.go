package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/tripsaga/api"
	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/bootstrap"
	"github.com/Domenick1991/tripsaga/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("build dependencies", zap.Error(err))
	}
	defer deps.Close()

	if _, err := deps.Orchestrator.Resume(ctx); err != nil {
		lg.Error("resume in-flight sagas", zap.Error(err))
	}
	// The in-memory store is private to this process, so nobody else can sweep it.
	if cfg.Database.Memory {
		go func() {
			if err := deps.Reaper.Start(ctx); err != nil {
				lg.Error("expiry reaper stopped", zap.Error(err))
			}
		}()
	}

	router := api.NewRouter(lg,
		api.NewBookingHandler(deps.Orchestrator, lg),
		api.NewDeadLetterHandler(deps.DeadLetters, lg),
	)
	if err := bootstrap.Run(ctx, cfg, router, api.SwaggerDoc, deps.Probes, lg); err != nil {
		lg.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := deps.Pool.Shutdown(shutdownCtx); err != nil {
		lg.Warn("sagas still running at shutdown, they resume on next start", zap.Error(err))
	}
}
