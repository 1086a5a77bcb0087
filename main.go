package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/pkg/config"
	"execution-core/pkg/logger"
)

var version = "dev"

func main() {
	issue := flag.String("issue-token", "", "print a bearer token for the given role (operator or strategy) and exit")
	subject := flag.String("subject", "cli", "subject for -issue-token")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issue != "" {
		role := api.Role(*issue)
		if role != api.RoleOperator && role != api.RoleStrategy {
			fmt.Fprintf(os.Stderr, "unknown role %q\n", *issue)
			os.Exit(2)
		}
		tok, err := api.IssueToken(cfg.JWTSecret, *subject, role, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	log, err := logger.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.JWTSecret == "dev-secret" {
		log.Warn("JWT_SECRET is the development default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, engine.Options{
		Config:  cfg,
		Logger:  log,
		Version: version,
	})
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("engine close", zap.Error(err))
		}
	}()

	log.Info("starting execution core",
		zap.String("version", version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("http", ":"+cfg.Port),
		zap.String("grpc", ":"+cfg.GRPCPort),
		zap.String("lease_store", cfg.LeaseStore))

	if err := eng.Run(ctx); err != nil {
		log.Error("engine stopped with error", zap.Error(err))
		return
	}
	log.Info("shutting down")
}
