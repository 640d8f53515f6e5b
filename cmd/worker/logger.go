package main

import (
	"go.uber.org/zap"

	"github.com/fieldops/sync-worker/internal/config"
	"github.com/fieldops/sync-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
