package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/factstore"
)

var pruneCmd = &cobra.Command{
	Use:   "prune-cache",
	Short: "Delete cached embeddings no fact references",
	RunE:  runPrune,
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the fact store schema",
	RunE:  runInitDB,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print fact store row counts",
	RunE:  runStats,
}

var (
	pruneOlderThan time.Duration
	ivfflatLists   int
)

func init() {
	rootCmd.AddCommand(pruneCmd, initDBCmd, statsCmd)

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 24*time.Hour, "Only delete embeddings not touched within this duration")
	initDBCmd.Flags().IntVar(&ivfflatLists, "ivfflat-lists", 100, "Number of ivfflat lists for the pgvector index (postgres with pgvector only)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	client, err := factmemory.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fact memory: %w", err)
	}
	defer client.Close(ctx)

	n, err := client.PruneEmbeddings(ctx, pruneOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d embeddings\n", n)
	return nil
}

// runInitDB opens the store directly so no embedder is needed.
func runInitDB(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	db, err := openFactsDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.UsePgVector, cfg.Database.EmbeddingDimensions, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if pg, ok := db.(*factstore.PostgresDB); ok && cfg.Database.UsePgVector {
		if err := pg.CreateVectorIndices(ctx, ivfflatLists); err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}
	logger.Info("fact store initialized", "driver", cfg.Database.Driver)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, _, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	db, err := openFactsDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.UsePgVector, cfg.Database.EmbeddingDimensions, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.GetStats(context.Background())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func openFactsDB(driver, dsn string, usePgVector bool, dims, maxConns int) (factstore.FactsDB, error) {
	db, err := factstore.NewFactsDB(&factstore.FactStoreConfig{
		Type:                factstore.FactStoreType(driver),
		ConnectionString:    dsn,
		UsePgVector:         usePgVector,
		EmbeddingDimensions: dims,
		MaxConnections:      maxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open fact store: %w", err)
	}
	return db, nil
}
