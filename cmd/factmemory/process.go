package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soundprediction/factmemory"
	"github.com/soundprediction/factmemory/pkg/reconciler"
	"github.com/soundprediction/factmemory/pkg/types"
)

var processCmd = &cobra.Command{
	Use:   "process FILE...",
	Short: "Extract facts from chapter text files and reconcile them",
	Long: `Process reads plain-text chapters, asks the configured language model for
atomic facts and page numbers, and converges each chapter's stored facts to the
extracted set. Progress is checkpointed so an interrupted run resumes after the
last completed step. Several files are processed concurrently.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

var (
	processChapterID string
	processBookID    string
	processTitle     string
	processKeepStale bool
	processForce     bool
	processWorkers   int
)

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVar(&processChapterID, "chapter", "", "Chapter ID for a single file (default: file name without extension)")
	processCmd.Flags().StringVar(&processBookID, "book", "", "Book ID")
	processCmd.Flags().StringVar(&processTitle, "title", "", "Chapter title passed to the extractor")
	processCmd.Flags().BoolVar(&processKeepStale, "keep-stale", false, "Do not delete stored facts missing from the extraction")
	processCmd.Flags().BoolVar(&processForce, "force", false, "Reprocess a chapter that already completed")
	processCmd.Flags().IntVar(&processWorkers, "concurrency", 0, "Chapters processed at once (default: FACTMEMORY_CONCURRENCY or 4)")
}

// fileSource reads chapter content from a file.
type fileSource struct{ path string }

func (f fileSource) ChapterContent(ctx context.Context, chapterRef string) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read chapter file: %w", err)
	}
	return string(data), nil
}

// chapterIDFor derives a chapter ID from a file name unless one was given.
func chapterIDFor(path string, single bool) string {
	if single && processChapterID != "" {
		return processChapterID
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if processChapterID != "" && len(args) > 1 {
		return fmt.Errorf("--chapter can only be used with a single file")
	}

	ctx := context.Background()
	client, err := factmemory.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fact memory: %w", err)
	}
	defer client.Close(ctx)

	if processBookID != "" {
		if err := client.SaveBook(ctx, &types.Book{ID: processBookID, Title: processBookID}); err != nil {
			return err
		}
	}

	opts := reconciler.DefaultUpsertOptions()
	opts.WithDelete = !processKeepStale

	jobs := make([]factmemory.ChapterJob, 0, len(args))
	for _, path := range args {
		chapterID := chapterIDFor(path, len(args) == 1)
		if processBookID != "" {
			if err := client.SaveChapter(ctx, &types.Chapter{ID: chapterID, BookID: processBookID, Title: processTitle}); err != nil {
				return err
			}
		}
		jobs = append(jobs, factmemory.ChapterJob{
			ChapterID: chapterID,
			BookID:    processBookID,
			Title:     processTitle,
			Source:    fileSource{path: path},
			Options:   &opts,
			Force:     processForce,
		})
	}

	results, errs := client.ProcessChapters(ctx, jobs, processWorkers)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	var failed []error
	for i, result := range results {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("%s: %w", jobs[i].ChapterID, errs[i]))
			continue
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return errors.Join(failed...)
}
