package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/factmemory/pkg/config"
	"github.com/soundprediction/factmemory/pkg/logger"
	"github.com/soundprediction/factmemory/pkg/telemetry"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "factmemory",
		Short: "factmemory: semantic fact memory for book chapters",
		Long: `factmemory stores atomic facts extracted from book chapters, embeds them,
and makes them searchable by semantic similarity.

It can run as an HTTP server or be used directly from the command line to
search, process chapters and maintain the embedding cache.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.factmemory.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "color", "log format (text, json, color)")
	rootCmd.PersistentFlags().String("db-driver", "sqlite", "fact store driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "fact store DSN or SQLite path")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".factmemory")
	}

	viper.SetEnvPrefix("FACTMEMORY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig loads configuration and builds the logger. The returned closer
// flushes telemetry.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	handler, err := logger.NewHandler(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}

	var closer io.Closer = nopCloser{}
	if cfg.Telemetry.ParquetPath != "" {
		ph, err := telemetry.NewParquetHandler(handler, cfg.Telemetry.ParquetPath)
		if err != nil {
			slog.New(handler).Warn("failed to initialize error tracking", "error", err)
		} else {
			handler = ph
			closer = ph
		}
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return cfg, log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
