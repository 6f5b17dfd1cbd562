package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/system"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file with secrets, optional")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded", zap.String("path", *configPath))
	if !cfg.Auth.IsProductionReady() {
		logger.Warn("JWT secret is not production ready", zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle := system.NewLifecycleManager(cfg, logger)
	if err := lifecycle.Start(ctx); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = lifecycle.Shutdown(shutdownCtx)
	capitan.Shutdown()
	if err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenBeamlineCore stopped")
}
