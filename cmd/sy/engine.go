package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/scenario"
	"github.com/zulandar/switchyard/internal/storage"
	"github.com/zulandar/switchyard/internal/userstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// loadDefinition reads the static catalog (when configured) and the
// scenario file.
func loadDefinition(scenariosPath, staticPath string, toggles map[string]bool) (*scenario.Definition, error) {
	var st *storage.Storage
	if staticPath != "" {
		var err error
		if st, err = storage.Load(staticPath); err != nil {
			return nil, err
		}
	}
	reg := scenario.NewRegistry(scenario.RegistryOpts{Storage: st, Toggles: toggles})
	return reg.LoadDefinition(scenariosPath)
}

// buildManager creates the context manager described by cfg.
func buildManager(cfg *config.Config, logger *zap.Logger) (*scenario.ContextManager, error) {
	def, err := loadDefinition(cfg.ScenariosPath, cfg.StaticStoragePath, cfg.Toggles)
	if err != nil {
		return nil, fmt.Errorf("load scenarios: %w", err)
	}
	hostname, _ := os.Hostname()
	return def.Manager(scenario.ContextManagerOpts{
		TransactionTimeout: cfg.TransactionTimeout(),
		FinishMessageNames: cfg.Engine.FinishMessageNames,
		DefaultBehaviorID:  cfg.Engine.DefaultIntegrationBehaviorID,
		BaseKit:            cfg.Engine.BaseKit,
		CacheSize:          cfg.Engine.CacheSize,
		Logger:             logger,
	}, scenario.BehaviorRunnerOpts{Hostname: hostname})
}

// openStore connects to the configured database, migrates it and returns the
// user store over it.
func openStore(cfg *config.Config, logger *zap.Logger) (*userstore.Store, *gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	store, err := userstore.NewStore(userstore.StoreOpts{DB: gormDB, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return store, gormDB, nil
}

// closeDB releases the connection pool behind gormDB.
func closeDB(gormDB *gorm.DB) {
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
}
