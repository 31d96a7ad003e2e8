package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/soundprediction/factmemory/pkg/server"
	"github.com/soundprediction/factmemory/pkg/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the factmemory HTTP server",
	Long: `Start the factmemory HTTP server to provide REST API access to stored facts.

The server provides endpoints for:
- Searching facts by semantic similarity
- Listing, adding, reconciling, updating and deleting chapter facts
- Health checks and Prometheus metrics

Configuration can be provided through config files, environment variables, or command-line flags.`,
	RunE: runServe,
}

var (
	serverHost string
	serverPort int
	serverMode string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host")
	serveCmd.Flags().IntVar(&serverPort, "port", 8080, "Server port")
	serveCmd.Flags().StringVar(&serverMode, "mode", "release", "Server mode (debug, release, test)")

	serveCmd.Flags().String("embedding-provider", "embedeverything", "Embedding provider (openai, embedeverything)")
	serveCmd.Flags().String("embedding-model", "", "Embedding model")
	serveCmd.Flags().String("embedding-api-key", "", "Embedding API key")
	serveCmd.Flags().String("embedding-base-url", "", "Embedding base URL")

	serveCmd.Flags().String("telemetry-parquet-path", "", "Directory for error telemetry parquet files")
	viper.BindPFlag("telemetry.parquet_path", serveCmd.Flags().Lookup("telemetry-parquet-path"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	overrideConfigWithFlags(cmd, cfg)
	if err := validateServerConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	client, err := factmemory.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fact memory: %w", err)
	}
	defer client.Close(ctx)

	logger.Info("fact memory initialized",
		"driver", cfg.Database.Driver,
		"embedding_provider", cfg.Embedding.Provider,
		"embedding_model", cfg.Embedding.Model)

	srv := server.New(cfg, client, logger)
	srv.Setup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := utils.SafeGoWithResult(srv.Start)

	select {
	case err := <-serverErrChan:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received signal", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		logger.Info("server stopped gracefully")
		return nil
	}
}

func overrideConfigWithFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serverHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("mode") {
		cfg.Server.Mode = serverMode
	}

	if cmd.Flags().Changed("embedding-provider") {
		cfg.Embedding.Provider, _ = cmd.Flags().GetString("embedding-provider")
	}
	if cmd.Flags().Changed("embedding-model") {
		cfg.Embedding.Model, _ = cmd.Flags().GetString("embedding-model")
	}
	if cmd.Flags().Changed("embedding-api-key") {
		cfg.Embedding.APIKey, _ = cmd.Flags().GetString("embedding-api-key")
	}
	if cmd.Flags().Changed("embedding-base-url") {
		cfg.Embedding.BaseURL, _ = cmd.Flags().GetString("embedding-base-url")
	}
}

func validateServerConfig(cfg *config.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	return nil
}
