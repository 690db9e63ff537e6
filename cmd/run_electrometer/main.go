package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/KevinKickass/ElectrometerCSC/internal/config"
	"github.com/KevinKickass/ElectrometerCSC/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("run_electrometer", pflag.ContinueOnError)
	flags.Int("index", 1, "SAL index of this electrometer")
	flags.Bool("simulate", false, "drive an in-process simulated instrument")
	flags.String("settings-label", config.DefaultSettingsLabel, "settings label used when start names none")
	configPath := flags.String("config", "configs/electrometer.yaml", "process configuration file")
	issueToken := flags.String("issue-token", "", "print a token for the given role (observer|operator) and exit")
	tokenSubject := flags.String("token-subject", "operator", "subject of the issued token")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	if *issueToken != "" {
		return printToken(cfg, *tokenSubject, *issueToken, logger)
	}

	lifecycle, err := system.NewLifecycleManager(cfg, logger, version)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		code = 1
	} else {
		logger.Info("Electrometer CSC started", zap.Int("index", cfg.CSC.Index))
		lifecycle.Wait(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("Electrometer CSC stopped")
	return code
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func printToken(cfg *config.Config, subject, role string, logger *zap.Logger) int {
	if role != auth.RoleObserver && role != auth.RoleOperator {
		logger.Error("Unknown role", zap.String("role", role))
		return 2
	}
	if !cfg.Auth.IsProductionReady() {
		logger.Error("No usable JWT secret", zap.String("env", cfg.Auth.JWTSecretEnv))
		return 1
	}

	jwt := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), system.TokenTTL)
	token, err := jwt.GenerateToken(subject, role)
	if err != nil {
		logger.Error("Failed to issue token", zap.Error(err))
		return 1
	}

	fmt.Println(token)
	return 0
}
