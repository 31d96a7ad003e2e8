package checkpoint

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/soundprediction/factmemory/pkg/config"
)

// steps lists the pipeline in order.
var steps = []ProcessingStep{
	StepInitial,
	StepLoadedContent,
	StepExtractedFacts,
	StepAttributedPages,
	StepReconciled,
	StepCompleted,
}

// New opens the store selected by cfg: "badger" or "file" (default).
func New(cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case "badger":
		return NewBadgerStore(cfg.Dir)
	case "file", "":
		return NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s (supported: file, badger)", cfg.Backend)
	}
}

// NewCheckpoint creates a new checkpoint for a chapter at the initial step
func NewCheckpoint(chapterID, bookID string) *ChapterCheckpoint {
	now := time.Now()
	return &ChapterCheckpoint{
		ChapterID:     chapterID,
		BookID:        bookID,
		Step:          StepInitial,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

// CanRetry reports whether another attempt is allowed. A non-positive
// maxAttempts or maxAge disables that limit.
func (c *ChapterCheckpoint) CanRetry(maxAttempts int, maxAge time.Duration) bool {
	if maxAttempts > 0 && c.AttemptCount >= maxAttempts {
		return false
	}
	if maxAge > 0 && time.Since(c.CreatedAt) > maxAge {
		return false
	}
	return true
}

// GetProgress returns a human-readable progress description
func (c *ChapterCheckpoint) GetProgress() string {
	currentIdx := -1
	for i, step := range steps {
		if step == c.Step {
			currentIdx = i
			break
		}
	}

	if currentIdx == -1 {
		return "Unknown step"
	}

	percentage := (float64(currentIdx) / float64(len(steps)-1)) * 100
	return fmt.Sprintf("%.0f%% (%s)", percentage, c.Step)
}

// Reached reports whether the checkpoint is at or past step.
func (c *ChapterCheckpoint) Reached(step ProcessingStep) bool {
	current, target := -1, -1
	for i, s := range steps {
		if s == c.Step {
			current = i
		}
		if s == step {
			target = i
		}
	}
	return current >= 0 && target >= 0 && current >= target
}

// Summary provides a human-readable summary of the checkpoint
func (c *ChapterCheckpoint) Summary() string {
	summary := fmt.Sprintf("Chapter: %s\n", c.ChapterID)
	if c.BookID != "" {
		summary += fmt.Sprintf("Book: %s\n", c.BookID)
	}
	summary += fmt.Sprintf("Progress: %s\n", c.GetProgress())
	summary += fmt.Sprintf("Created: %s\n", c.CreatedAt.Format(time.RFC3339))
	summary += fmt.Sprintf("Last Updated: %s\n", c.LastUpdatedAt.Format(time.RFC3339))
	summary += fmt.Sprintf("Attempts: %d\n", c.AttemptCount)

	if c.LastError != "" {
		summary += fmt.Sprintf("Last Error: %s\n", c.LastError)
	}

	if c.Facts != nil {
		summary += fmt.Sprintf("Facts: %d\n", len(c.Facts))
	}

	if c.Step == StepReconciled || c.Step == StepCompleted {
		summary += fmt.Sprintf("Inserted: %d, Updated: %d, Deleted: %d\n", c.Inserted, c.Updated, c.Deleted)
	}

	return summary
}

// Manager layers pipeline bookkeeping over a Store.
type Manager struct {
	store Store
}

// NewManager creates a Manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Load retrieves a checkpoint; nil if absent.
func (m *Manager) Load(ctx context.Context, chapterID string) (*ChapterCheckpoint, error) {
	return m.store.Load(ctx, chapterID)
}

// Delete removes a checkpoint.
func (m *Manager) Delete(ctx context.Context, chapterID string) error {
	return m.store.Delete(ctx, chapterID)
}

// SaveWithStep is a helper that updates the step and saves in one operation
func (m *Manager) SaveWithStep(ctx context.Context, checkpoint *ChapterCheckpoint, step ProcessingStep) error {
	checkpoint.Step = step
	return m.store.Save(ctx, checkpoint)
}

// SaveWithError is a helper that records an error and saves in one operation
func (m *Manager) SaveWithError(ctx context.Context, checkpoint *ChapterCheckpoint, err error) error {
	checkpoint.AttemptCount++
	checkpoint.LastError = err.Error()
	checkpoint.LastErrorStack = string(debug.Stack())
	return m.store.Save(ctx, checkpoint)
}

// LoadOrCreate loads an existing checkpoint or creates a new one
func (m *Manager) LoadOrCreate(ctx context.Context, chapterID, bookID string) (*ChapterCheckpoint, bool, error) {
	existing, err := m.store.Load(ctx, chapterID)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		return existing, true, nil
	}

	checkpoint := NewCheckpoint(chapterID, bookID)
	if err := m.store.Save(ctx, checkpoint); err != nil {
		return nil, false, err
	}

	return checkpoint, false, nil
}

// CleanOld removes checkpoints older than the specified duration
func (m *Manager) CleanOld(ctx context.Context, maxAge time.Duration) (int, error) {
	checkpoints, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, checkpoint := range checkpoints {
		if checkpoint.LastUpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, checkpoint.ChapterID); err != nil {
				continue
			}
			removed++
		}
	}

	return removed, nil
}

// FindStalled returns checkpoints that haven't been updated recently
func (m *Manager) FindStalled(ctx context.Context, stalledDuration time.Duration) ([]*ChapterCheckpoint, error) {
	checkpoints, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-stalledDuration)
	var stalled []*ChapterCheckpoint

	for _, checkpoint := range checkpoints {
		if checkpoint.Step != StepCompleted && checkpoint.LastUpdatedAt.Before(cutoff) {
			stalled = append(stalled, checkpoint)
		}
	}

	return stalled, nil
}

// FindFailed returns checkpoints that have exceeded max attempts
func (m *Manager) FindFailed(ctx context.Context, maxAttempts int) ([]*ChapterCheckpoint, error) {
	checkpoints, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var failed []*ChapterCheckpoint
	for _, checkpoint := range checkpoints {
		if checkpoint.Step != StepCompleted && checkpoint.AttemptCount >= maxAttempts {
			failed = append(failed, checkpoint)
		}
	}

	return failed, nil
}

// CheckpointStatistics summarizes stored checkpoints.
type CheckpointStatistics struct {
	Total      int                    `json:"total"`
	Completed  int                    `json:"completed"`
	InProgress int                    `json:"in_progress"`
	Failed     int                    `json:"failed"`
	Stalled    int                    `json:"stalled"`
	ByStep     map[ProcessingStep]int `json:"by_step"`
}

// GetStatistics returns statistics about checkpoints
func (m *Manager) GetStatistics(ctx context.Context, maxAttempts int, stalledDuration time.Duration) (*CheckpointStatistics, error) {
	checkpoints, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &CheckpointStatistics{
		Total:  len(checkpoints),
		ByStep: make(map[ProcessingStep]int),
	}

	cutoff := time.Now().Add(-stalledDuration)

	for _, checkpoint := range checkpoints {
		stats.ByStep[checkpoint.Step]++

		if checkpoint.Step == StepCompleted {
			stats.Completed++
		} else if checkpoint.AttemptCount >= maxAttempts {
			stats.Failed++
		} else if checkpoint.LastUpdatedAt.Before(cutoff) {
			stats.Stalled++
		} else {
			stats.InProgress++
		}
	}

	return stats, nil
}
