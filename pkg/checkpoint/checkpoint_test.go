package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/factmemory/pkg/config"
)

// stores returns one constructor per backend.
func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("Save and load checkpoint", func(t *testing.T) {
				manager := NewManager(open(t))

				checkpoint := &ChapterCheckpoint{
					ChapterID:   "chapter-123",
					BookID:      "book-456",
					Step:        StepExtractedFacts,
					CreatedAt:   time.Now(),
					Facts:       []string{"fact one", "fact two"},
					PageNumbers: map[string]int{"fact one": 3},
				}
				require.NoError(t, manager.Store().Save(ctx, checkpoint))
				assert.False(t, checkpoint.LastUpdatedAt.IsZero())

				loaded, err := manager.Load(ctx, "chapter-123")
				require.NoError(t, err)
				require.NotNil(t, loaded)
				assert.Equal(t, checkpoint.ChapterID, loaded.ChapterID)
				assert.Equal(t, checkpoint.BookID, loaded.BookID)
				assert.Equal(t, checkpoint.Step, loaded.Step)
				assert.Equal(t, checkpoint.Facts, loaded.Facts)
				assert.Equal(t, 3, loaded.PageNumbers["fact one"])
			})

			t.Run("Load non-existent checkpoint", func(t *testing.T) {
				manager := NewManager(open(t))
				loaded, err := manager.Load(ctx, "non-existent")
				require.NoError(t, err)
				assert.Nil(t, loaded)
			})

			t.Run("Delete checkpoint", func(t *testing.T) {
				manager := NewManager(open(t))
				_, existed, err := manager.LoadOrCreate(ctx, "chapter-delete", "")
				require.NoError(t, err)
				assert.False(t, existed)

				loaded, err := manager.Load(ctx, "chapter-delete")
				require.NoError(t, err)
				assert.NotNil(t, loaded)

				require.NoError(t, manager.Delete(ctx, "chapter-delete"))
				loaded, err = manager.Load(ctx, "chapter-delete")
				require.NoError(t, err)
				assert.Nil(t, loaded)

				// Deleting twice is fine.
				require.NoError(t, manager.Delete(ctx, "chapter-delete"))
			})

			t.Run("Save with error counts attempts", func(t *testing.T) {
				manager := NewManager(open(t))
				cp, _, err := manager.LoadOrCreate(ctx, "chapter-step", "book-1")
				require.NoError(t, err)

				require.NoError(t, manager.SaveWithStep(ctx, cp, StepAttributedPages))
				require.NoError(t, manager.SaveWithError(ctx, cp, assert.AnError))
				require.NoError(t, manager.SaveWithError(ctx, cp, assert.AnError))

				loaded, err := manager.Load(ctx, "chapter-step")
				require.NoError(t, err)
				assert.Equal(t, StepAttributedPages, loaded.Step)
				assert.Equal(t, 2, loaded.AttemptCount)
				assert.Contains(t, loaded.LastError, "assert.AnError")
				assert.NotEmpty(t, loaded.LastErrorStack)
				assert.True(t, loaded.CanRetry(3, time.Hour))
				assert.False(t, loaded.CanRetry(2, time.Hour))
			})

			t.Run("LoadOrCreate returns existing", func(t *testing.T) {
				manager := NewManager(open(t))
				first, existed, err := manager.LoadOrCreate(ctx, "chapter-x", "book-1")
				require.NoError(t, err)
				assert.False(t, existed)
				require.NoError(t, manager.SaveWithStep(ctx, first, StepReconciled))

				second, existed, err := manager.LoadOrCreate(ctx, "chapter-x", "book-1")
				require.NoError(t, err)
				assert.True(t, existed)
				assert.Equal(t, StepReconciled, second.Step)
			})

			t.Run("List and statistics", func(t *testing.T) {
				manager := NewManager(open(t))
				for i := 0; i < 3; i++ {
					cp := NewCheckpoint(fmt.Sprintf("chapter-list-%d", i), "book")
					require.NoError(t, manager.Store().Save(ctx, cp))
				}
				done := NewCheckpoint("chapter-done", "book")
				require.NoError(t, manager.SaveWithStep(ctx, done, StepCompleted))
				failed := NewCheckpoint("chapter-failed", "book")
				failed.AttemptCount = 2
				require.NoError(t, manager.SaveWithError(ctx, failed, assert.AnError))
				assert.NotEmpty(t, failed.LastErrorStack)

				checkpoints, err := manager.Store().List(ctx)
				require.NoError(t, err)
				assert.Len(t, checkpoints, 5)

				stats, err := manager.GetStatistics(ctx, 3, time.Hour)
				require.NoError(t, err)
				assert.Equal(t, 5, stats.Total)
				assert.Equal(t, 1, stats.Completed)
				assert.Equal(t, 1, stats.Failed)
				assert.Equal(t, 3, stats.InProgress)
				assert.Equal(t, 4, stats.ByStep[StepInitial])

				failedList, err := manager.FindFailed(ctx, 3)
				require.NoError(t, err)
				require.Len(t, failedList, 1)
				assert.Equal(t, "chapter-failed", failedList[0].ChapterID)

				stalled, err := manager.FindStalled(ctx, -time.Minute)
				require.NoError(t, err)
				assert.Len(t, stalled, 4)
			})
		})
	}
}

func TestFileStore_CleanOld(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	manager := NewManager(store)

	// Manually write to preserve old timestamp
	oldTime := time.Now().Add(-48 * time.Hour)
	oldCheckpoint := &ChapterCheckpoint{
		ChapterID:     "chapter-old",
		Step:          StepExtractedFacts,
		CreatedAt:     oldTime,
		LastUpdatedAt: oldTime,
	}
	data, err := json.MarshalIndent(oldCheckpoint, "", "  ")
	require.NoError(t, err)
	oldPath, err := store.GetCheckpointPath("chapter-old")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(oldPath, data, 0644))

	require.NoError(t, store.Save(ctx, NewCheckpoint("chapter-recent", "")))

	removed, err := manager.CleanOld(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	old, err := manager.Load(ctx, "chapter-old")
	require.NoError(t, err)
	assert.Nil(t, old)

	recent, err := manager.Load(ctx, "chapter-recent")
	require.NoError(t, err)
	assert.NotNil(t, recent)
}

func TestFileStore_DefaultDirectory(t *testing.T) {
	store, err := NewFileStore("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "factmemory-checkpoints"), store.GetCheckpointDir())
}

func TestNew(t *testing.T) {
	s, err := New(config.CheckpointConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = New(config.CheckpointConfig{Backend: "badger", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.CheckpointConfig{Backend: "redis"})
	assert.Error(t, err)
}

func TestPathTraversalPrevention(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()
	store, err := NewFileStore(tmpDir)
	require.NoError(t, err)
	manager := NewManager(store)

	pathTraversalAttempts := []struct {
		name      string
		chapterID string
	}{
		{"simple path traversal", "../../../etc/passwd"},
		{"path traversal with dots", ".."},
		{"double traversal", "foo/../.."},
		{"forward slash", "foo/bar"},
		{"backslash", `foo\bar`},
		{"null byte", "chapter\x00.json"},
		{"hidden file traversal", "../.hidden"},
		{"absolute path attempt", "/etc/passwd"},
		{"windows path", `C:\Windows\System32`},
		{"empty ID", ""},
	}

	for _, tc := range pathTraversalAttempts {
		t.Run("GetCheckpointPath_"+tc.name, func(t *testing.T) {
			_, err := store.GetCheckpointPath(tc.chapterID)
			assert.ErrorIs(t, err, ErrInvalidChapterID, "Chapter ID %q should be rejected", tc.chapterID)
		})

		t.Run("Load_"+tc.name, func(t *testing.T) {
			_, err := manager.Load(ctx, tc.chapterID)
			assert.Error(t, err)
		})

		t.Run("Delete_"+tc.name, func(t *testing.T) {
			assert.Error(t, manager.Delete(ctx, tc.chapterID))
		})

		t.Run("Save_"+tc.name, func(t *testing.T) {
			assert.Error(t, store.Save(ctx, &ChapterCheckpoint{ChapterID: tc.chapterID, Step: StepInitial}))
		})
	}

	validIDs := []string{
		"chapter-123",
		"my_chapter",
		"Chapter.With.Dots",
		"chapter-2024-01-15T10:30:00Z",
		"a",
	}

	for _, id := range validIDs {
		t.Run("valid_ID_"+id, func(t *testing.T) {
			path, err := store.GetCheckpointPath(id)
			require.NoError(t, err)
			assert.Contains(t, path, id)
			assert.Equal(t, tmpDir, filepath.Dir(path))
		})
	}
}

func TestProcessingSteps(t *testing.T) {
	// Verify all steps are unique
	stepMap := make(map[ProcessingStep]bool)
	for _, step := range steps {
		assert.False(t, stepMap[step], "Duplicate step: %s", step)
		stepMap[step] = true
	}
	assert.Equal(t, StepInitial, steps[0])
	assert.Equal(t, StepCompleted, steps[len(steps)-1])
}

func TestCheckpointHelpers(t *testing.T) {
	cp := NewCheckpoint("c1", "b1")
	assert.Equal(t, "0% (initial)", cp.GetProgress())
	assert.True(t, cp.CanRetry(3, time.Hour))

	cp.Step = StepCompleted
	assert.Equal(t, "100% (completed)", cp.GetProgress())
	assert.True(t, cp.Reached(StepExtractedFacts))
	assert.Contains(t, cp.Summary(), "Chapter: c1")
	assert.Contains(t, cp.Summary(), "Inserted: 0")

	cp.Step = StepLoadedContent
	assert.False(t, cp.Reached(StepExtractedFacts))

	cp.AttemptCount = 3
	assert.False(t, cp.CanRetry(3, time.Hour))
	assert.True(t, cp.CanRetry(0, 0))

	cp.CreatedAt = time.Now().Add(-2 * time.Hour)
	assert.False(t, cp.CanRetry(10, time.Hour))
	assert.True(t, cp.CanRetry(10, 0))

	cp.Step = "bogus"
	assert.Equal(t, "Unknown step", cp.GetProgress())
}
