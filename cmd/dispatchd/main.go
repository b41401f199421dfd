// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/daemon"
	"github.com/tombee/dispatch/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		role        string
		backendType string
		backendPath string
		redisAddr   string
		port        int
	)

	root := &cobra.Command{
		Use:          "dispatchd",
		Short:        "Task orchestration master daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, role, backendType, backendPath, redisAddr, port)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flags.StringVar(&role, "role", "", "Scheduler role (master, control)")
	flags.StringVar(&backendType, "backend", "", "Storage backend (sqlite, memory)")
	flags.StringVar(&backendPath, "backend-path", "", "SQLite database file path")
	flags.StringVar(&redisAddr, "redis", "", "Redis address for the control-event bus")
	flags.IntVar(&port, "port", 0, "Gateway listen port")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, role, backendType, backendPath, redisAddr string, port int) error {
	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Apply CLI flag overrides
	if role != "" {
		cfg.Role = config.Role(role)
	}
	if backendType != "" {
		cfg.Backend.Type = backendType
	}
	if backendPath != "" {
		cfg.Backend.Path = backendPath
	}
	if redisAddr != "" {
		cfg.Bus.RedisAddr = redisAddr
	}
	if port != 0 {
		cfg.Gateway.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: configPath,
	})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}
	return nil
}
