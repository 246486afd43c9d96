package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/auth"
	"github.com/kvsovanreach/mind-llm/internal/config"
	"github.com/kvsovanreach/mind-llm/internal/deploy"
	"github.com/kvsovanreach/mind-llm/internal/gpu"
	"github.com/kvsovanreach/mind-llm/internal/httpapi"
	"github.com/kvsovanreach/mind-llm/internal/mediator"
	"github.com/kvsovanreach/mind-llm/internal/reconcile"
	"github.com/kvsovanreach/mind-llm/internal/router"
	"github.com/kvsovanreach/mind-llm/internal/runtime"
	"github.com/kvsovanreach/mind-llm/internal/store"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

func main() {
	cfg := config.FromEnv()
	addr := flag.String("addr", cfg.Addr, "HTTP listen address, e.g. :8001")
	modelsConfig := flag.String("models-config", cfg.ModelsConfigPath, "Path to the predefined models file (json/yaml/toml)")
	routerFile := flag.String("router-file", cfg.RouterFile, "Path of the generated reverse-proxy include file")
	flag.Parse()
	cfg.ModelsConfigPath = *modelsConfig
	cfg.RouterFile = *routerFile

	logger := newLogger(cfg)

	catalog, err := config.LoadCatalog(cfg.ModelsConfigPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.ModelsConfigPath).
			Msg("predefined catalog unavailable, deploys will be rejected")
		catalog = config.NewCatalog(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(cfg.RedisHost, cfg.RedisPort, logger)
	if err := st.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("state store unreachable at startup")
	}

	sup, err := runtime.NewDockerSupervisor(config.EnginePort, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("container runtime client")
	}
	if err := sup.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("container runtime unreachable, deployment will not work")
	}

	inspector := gpu.NewInspector(logger)
	go inspector.Run(ctx)
	inspector.Poll(ctx)

	passwordHash := cfg.AuthPasswordHash
	if passwordHash == "" {
		logger.Warn().Msg("AUTH_PASSWORD_HASH unset, using the default development password")
		if passwordHash, err = auth.HashPassword("MindAdmin123"); err != nil {
			logger.Fatal().Err(err).Msg("default password hash")
		}
	}

	gen := router.New(st, sup, cfg.RouterFile, config.NginxContainer, config.ContainerPrefix, config.EnginePort, logger)
	engine := deploy.New(st, sup, inspector, gen, catalog, cfg, logger)
	authn := auth.New(cfg.AuthUsername, passwordHash, cfg.JWTSecret, cfg.SessionTimeout, st, logger)
	med := mediator.New(st, config.EnginePort, logger)

	rec := reconcile.New(st, sup, engine, catalog, gen, config.ContainerPrefix, logger)
	go rec.Run(ctx)

	mux := httpapi.NewMux(httpapi.Deps{
		Engine:  engine,
		Auth:    authn,
		GPUs:    inspector,
		Chat:    med,
		Catalog: catalog,
		Logs:    sup,
		CachedModels: func() []types.CachedModel {
			return runtime.ScanCachedModels(cfg.HFCacheDir)
		},
		DockerPing: sup.Ping,
		RedisPing:  st.Ping,
		Log:        logger,
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Info().Str("addr", *addr).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func newLogger(cfg config.Settings) zerolog.Logger {
	if cfg.Production() {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
