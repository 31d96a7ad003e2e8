package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/factmemory/pkg/checkpoint"
	"github.com/soundprediction/factmemory/pkg/config"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and maintain chapter processing checkpoints",
}

var checkpointsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize checkpoints and list failed or stalled chapters",
	RunE:  runCheckpointsStatus,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show CHAPTER",
	Short: "Print one chapter's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints not updated within --older-than",
	RunE:  runCheckpointsClean,
}

var checkpointsResetCmd = &cobra.Command{
	Use:   "reset CHAPTER...",
	Short: "Delete checkpoints so the chapters are processed from scratch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheckpointsReset,
}

var (
	checkpointsMaxAttempts  int
	checkpointsStalledAfter time.Duration
	checkpointsOlderThan    time.Duration
	checkpointsJSON         bool
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsStatusCmd, checkpointsShowCmd, checkpointsCleanCmd, checkpointsResetCmd)

	checkpointsStatusCmd.Flags().IntVar(&checkpointsMaxAttempts, "max-attempts", 0, "Attempts after which a chapter counts as failed (default: checkpoint.max_attempts)")
	checkpointsStatusCmd.Flags().DurationVar(&checkpointsStalledAfter, "stalled-after", 0, "Age after which an unfinished checkpoint counts as stalled (default: checkpoint.stalled_after)")
	checkpointsStatusCmd.Flags().BoolVar(&checkpointsJSON, "json", false, "Print the report as JSON")
	checkpointsCleanCmd.Flags().DurationVar(&checkpointsOlderThan, "older-than", 7*24*time.Hour, "Delete checkpoints last updated before this duration ago")
}

// checkpointReport is the JSON form of `checkpoints status`.
type checkpointReport struct {
	Stats   *checkpoint.CheckpointStatistics `json:"stats"`
	Failed  []*checkpoint.ChapterCheckpoint  `json:"failed"`
	Stalled []*checkpoint.ChapterCheckpoint  `json:"stalled"`
}

func openCheckpoints(cfg *config.Config) (*checkpoint.Manager, error) {
	store, err := checkpoint.New(cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return checkpoint.NewManager(store), nil
}

// reportLimits resolves status thresholds from flags, then config.
func reportLimits(cfg *config.Config) (int, time.Duration) {
	maxAttempts := checkpointsMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.Checkpoint.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	stalled := checkpointsStalledAfter
	if stalled <= 0 {
		stalled = cfg.Checkpoint.StalledAfter
	}
	if stalled <= 0 {
		stalled = time.Hour
	}
	return maxAttempts, stalled
}

func buildCheckpointReport(ctx context.Context, m *checkpoint.Manager, maxAttempts int, stalledAfter time.Duration) (*checkpointReport, error) {
	stats, err := m.GetStatistics(ctx, maxAttempts, stalledAfter)
	if err != nil {
		return nil, err
	}
	failed, err := m.FindFailed(ctx, maxAttempts)
	if err != nil {
		return nil, err
	}
	stalled, err := m.FindStalled(ctx, stalledAfter)
	if err != nil {
		return nil, err
	}
	return &checkpointReport{Stats: stats, Failed: failed, Stalled: stalled}, nil
}

func writeCheckpointReport(out io.Writer, report *checkpointReport) error {
	s := report.Stats
	fmt.Fprintf(out, "Total: %d  Completed: %d  In progress: %d  Failed: %d  Stalled: %d\n",
		s.Total, s.Completed, s.InProgress, s.Failed, s.Stalled)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(report.Failed) > 0 {
		fmt.Fprintln(w, "\nFAILED\tPROGRESS\tATTEMPTS\tLAST ERROR")
		for _, cp := range report.Failed {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", cp.ChapterID, cp.GetProgress(), cp.AttemptCount, cp.LastError)
		}
	}
	if len(report.Stalled) > 0 {
		fmt.Fprintln(w, "\nSTALLED\tPROGRESS\tLAST UPDATED")
		for _, cp := range report.Stalled {
			fmt.Fprintf(w, "%s\t%s\t%s\n", cp.ChapterID, cp.GetProgress(), cp.LastUpdatedAt.Format(time.RFC3339))
		}
	}
	return w.Flush()
}

func runCheckpointsStatus(cmd *cobra.Command, args []string) error {
	cfg, _, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	maxAttempts, stalledAfter := reportLimits(cfg)
	report, err := buildCheckpointReport(context.Background(), m, maxAttempts, stalledAfter)
	if err != nil {
		return err
	}

	if checkpointsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if fs, ok := m.Store().(*checkpoint.FileStore); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoints: %s\n", fs.GetCheckpointDir())
	}
	return writeCheckpointReport(cmd.OutOrStdout(), report)
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	cfg, _, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	cp, err := m.Load(context.Background(), args[0])
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for chapter %s", args[0])
	}
	fmt.Fprint(cmd.OutOrStdout(), cp.Summary())
	return nil
}

func runCheckpointsClean(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	removed, err := m.CleanOld(context.Background(), checkpointsOlderThan)
	if err != nil {
		return err
	}
	logger.Info("cleaned checkpoints", "removed", removed, "older_than", checkpointsOlderThan)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints\n", removed)
	return nil
}

func runCheckpointsReset(cmd *cobra.Command, args []string) error {
	cfg, _, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx := context.Background()
	for _, chapterID := range args {
		if err := m.Delete(ctx, chapterID); err != nil {
			return fmt.Errorf("reset %s: %w", chapterID, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d checkpoints\n", len(args))
	return nil
}
