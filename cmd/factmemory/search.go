package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/server/dto"
	"github.com/soundprediction/factmemory/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search stored facts by semantic similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var (
	searchChapter       string
	searchMinSimilarity float64
	searchLimit         int
	searchCursor        string
	searchJSON          bool
)

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVar(&searchChapter, "chapter", "", "Restrict results to one chapter")
	searchCmd.Flags().Float64Var(&searchMinSimilarity, "min-similarity", 0.5, "Minimum cosine similarity (inclusive)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum results per page")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "Cursor token from a previous page")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print results as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := &factmemory.SearchOptions{
		ChapterID:     searchChapter,
		MinSimilarity: searchMinSimilarity,
		Limit:         searchLimit,
	}
	if searchCursor != "" {
		cursor, err := types.DecodeCursor(searchCursor)
		if err != nil {
			return err
		}
		opts.Cursor = cursor
	}

	ctx := context.Background()
	client, err := factmemory.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fact memory: %w", err)
	}
	defer client.Close(ctx)

	page, err := client.Search(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	resp := dto.SearchResponse{
		Facts:   make([]dto.FactResult, 0, len(page.Facts)),
		HasMore: page.HasMore,
	}
	for _, f := range page.Facts {
		resp.Facts = append(resp.Facts, dto.NewScoredFactResult(f))
	}
	if page.NextCursor != nil {
		resp.NextCursor = page.NextCursor.Encode()
	}

	if searchJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIMILARITY\tID\tCHAPTER\tPAGE\tTEXT")
	for _, f := range resp.Facts {
		pageNum := "-"
		if f.PageNumber != nil {
			pageNum = fmt.Sprint(*f.PageNumber)
		}
		fmt.Fprintf(w, "%.6f\t%d\t%s\t%s\t%s\n", *f.Similarity, f.ID, f.ChapterID, pageNum, f.Text)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if resp.HasMore {
		fmt.Fprintf(os.Stderr, "\nMore results: --cursor %s\n", resp.NextCursor)
	}
	return nil
}
