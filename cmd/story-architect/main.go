// Package main StoryArchitect 服务入口
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/pipeline"
	"github.com/ou-jiajian/StoryArchitectAI/internal/application/validator"
	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/repository"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/llm"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/persistence/file"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/persistence/postgres"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/persistence/redis"
	"github.com/ou-jiajian/StoryArchitectAI/internal/interfaces/http/handler"
	"github.com/ou-jiajian/StoryArchitectAI/internal/interfaces/http/router"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting story-architect",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		log.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 项目存储：file 或 postgres
	var (
		store    repository.ProjectStore
		pgClient *postgres.Client
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err = postgres.NewClient(&cfg.Storage.Postgres)
		if err != nil {
			logger.Fatal(ctx, "failed to connect postgres", err)
		}
		defer pgClient.Close()
		pgStore := postgres.NewStore(pgClient)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal(ctx, "failed to ensure schema", err)
		}
		store = pgStore
	default:
		fileStore, err := file.NewStore(cfg.Storage.File.Dir)
		if err != nil {
			logger.Fatal(ctx, "failed to init file store", err)
		}
		store = fileStore
	}

	// 分布式项目锁（可选，多副本部署时开启）
	var (
		locker      repository.ProjectLocker
		redisClient *redis.Client
	)
	if cfg.Cache.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Cache.Redis)
		if err != nil {
			logger.Fatal(ctx, "failed to connect redis", err)
		}
		defer redisClient.Close()
		locker = redis.NewProjectLocker(redisClient, cfg.Cache.Redis.LockTTL)
	}

	factory, err := llm.NewFactory(cfg)
	if err != nil {
		logger.Fatal(ctx, "invalid llm configuration", err)
	}
	adapter := llm.NewEinoAdapter(factory)

	orchestrator := pipeline.NewOrchestrator(
		store,
		locker,
		adapter,
		pipeline.NewComposer(&cfg.Pipeline),
		validator.New(cfg.Validator.Equivalences),
		&cfg.Pipeline,
	)

	r := router.New(cfg, router.Handlers{
		Health:   handler.NewHealthHandler(pgClient, redisClient),
		Project:  handler.NewProjectHandler(store),
		Pipeline: handler.NewPipelineHandler(orchestrator),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
