package commands

import (
	"fmt"

	"github.com/openparcel/parcelkeeper/internal/config"
	"github.com/openparcel/parcelkeeper/internal/logger"
)

// InitLogger initializes the structured logger from daemon configuration.
func InitLogger(cfg *config.DaemonConfig) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	return nil
}

// loadDaemonConfig loads and logs the source of the daemon configuration.
func loadDaemonConfig() (*config.DaemonConfig, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("load daemon config: %w", err)
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
