package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/compozy/deepresearch/pkg/config"
	"github.com/compozy/deepresearch/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// SetupGlobalConfig loads the env file and the configuration, builds the
// logger and stores both in the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	overrides, err := flagOverrides(cmd)
	if err != nil {
		return err
	}
	opts := []config.LoadOption{config.WithOverrides(overrides)}
	if path != "" {
		opts = append(opts, config.WithFile(path))
	}
	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.SetupLogger(cfg.Logging.Level, cfg.Logging.JSON, cfg.Logging.AddSource)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)
	cmd.SetContext(ctx)
	return nil
}

// loadEnvFile loads the env file when it exists. Variables already set in
// the process environment win.
func loadEnvFile(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile == "" {
		return nil
	}
	info, err := os.Stat(envFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat env file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("env file path '%s' is not a regular file", envFile)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

// flagOverrides collects the persistent flags the user set explicitly.
func flagOverrides(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	var ov config.Config
	if flags.Changed("mode") {
		mode, err := flags.GetString("mode")
		if err != nil {
			return nil, fmt.Errorf("failed to get mode flag: %w", err)
		}
		ov.Mode = config.NormalizeMode(mode)
	}
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, err
	}
	if flags.Changed("log-level") {
		ov.Logging.Level = level
	}
	ov.Logging.JSON = logJSON
	ov.Logging.AddSource = logSource
	return &ov, nil
}
