package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ampilares/selfhostsim/internal/platform/config"
	"github.com/ampilares/selfhostsim/internal/platform/database"
	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/ampilares/selfhostsim/migrations"
)

const (
	serviceName    = "migrate"
	migrateTimeout = 2 * time.Minute
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	all, err := migrations.All()
	if err != nil {
		appLogger.Error("Failed to load embedded migrations", "error", err)
		os.Exit(1)
	}

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	applied, err := database.ApplyMigrations(ctx, dbPool, all, appLogger)
	if err != nil {
		appLogger.Error("Migration failed", "error", err, "applied", applied)
		dbPool.Close()
		os.Exit(1)
	}
	appLogger.Info("Migrations complete", "applied", applied, "total", len(all))
}
