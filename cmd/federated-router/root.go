// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/federated-router/pkg/config"
	"github.com/go-core-stack/federated-router/pkg/registry"
)

var (
	// Global flags
	envFile  string
	logLevel string

	// cfg is populated before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "federated-router",
	Short: "Single OpenAI-compatible entry point for local inference backends",
	Long: `federated-router exposes one address in front of a fleet of locally running
OpenAI-compatible inference servers.

  - GET /v1/models merges the model lists of every backend that answers in time
  - every other request is streamed to the downstream routing layer
  - empty "Authorization: Bearer" headers are dropped before routing

Configuration is read from FED_* environment variables, optionally loaded
from a .env file.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")
}

func setup(_ *cobra.Command, _ []string) error {
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		loaded.LogLevel = strings.ToLower(logLevel)
	}

	level, err := zerolog.ParseLevel(loaded.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", loaded.LogLevel, err)
	}
	log.Logger = log.Level(level)

	cfg = loaded
	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// loadRegistry returns the registry file's backends, or the built-in table
// when no file is configured.
func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}
