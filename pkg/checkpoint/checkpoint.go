package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidChapterID is returned when a chapter ID contains invalid characters
var ErrInvalidChapterID = errors.New("invalid chapter ID: contains path traversal or invalid characters")

// ProcessingStep represents a step in the chapter processing pipeline
type ProcessingStep string

const (
	StepInitial         ProcessingStep = "initial"
	StepLoadedContent   ProcessingStep = "loaded_content"
	StepExtractedFacts  ProcessingStep = "extracted_facts"
	StepAttributedPages ProcessingStep = "attributed_pages"
	StepReconciled      ProcessingStep = "reconciled"
	StepCompleted       ProcessingStep = "completed"
)

// ChapterCheckpoint represents the state of a partially processed chapter
type ChapterCheckpoint struct {
	// Chapter identification
	ChapterID string         `json:"chapter_id"`
	BookID    string         `json:"book_id,omitempty"`
	Step      ProcessingStep `json:"step"`

	// Timestamp tracking
	CreatedAt      time.Time `json:"created_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorStack string    `json:"last_error_stack,omitempty"`

	// Extraction results carried between steps
	Facts       []string       `json:"facts,omitempty"`
	PageNumbers map[string]int `json:"page_numbers,omitempty"`

	// Reconciliation outcome
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Store persists chapter checkpoints.
type Store interface {
	// Save writes the checkpoint and stamps LastUpdatedAt.
	Save(ctx context.Context, checkpoint *ChapterCheckpoint) error
	// Load returns the checkpoint for a chapter, or nil if there is none.
	Load(ctx context.Context, chapterID string) (*ChapterCheckpoint, error)
	// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, chapterID string) error
	// List returns every stored checkpoint.
	List(ctx context.Context) ([]*ChapterCheckpoint, error)
	Close() error
}

// validateChapterID checks that the chapter ID is safe for use in file paths.
// It rejects IDs containing path separators, path traversal sequences, or null bytes.
func validateChapterID(chapterID string) error {
	if chapterID == "" {
		return ErrInvalidChapterID
	}

	// Check for path traversal sequences
	if strings.Contains(chapterID, "..") {
		return ErrInvalidChapterID
	}

	// Check for path separators
	if strings.ContainsAny(chapterID, `/\`) {
		return ErrInvalidChapterID
	}

	// Check for null bytes (can truncate paths in some systems)
	if strings.ContainsRune(chapterID, '\x00') {
		return ErrInvalidChapterID
	}

	return nil
}

// isPathWithinDirectory checks that the resolved path is within the expected directory.
func isPathWithinDirectory(path, directory string) bool {
	// Clean both paths to resolve any . or .. components
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(directory)

	// Ensure the directory path ends with separator for proper prefix matching
	if !strings.HasSuffix(cleanDir, string(filepath.Separator)) {
		cleanDir += string(filepath.Separator)
	}

	return strings.HasPrefix(cleanPath, cleanDir) || cleanPath == filepath.Clean(directory)
}

// FileStore keeps one JSON file per chapter.
type FileStore struct {
	checkpointDir string
}

// NewFileStore creates a new file-backed store.
// If checkpointDir is empty, uses os.TempDir()/factmemory-checkpoints
func NewFileStore(checkpointDir string) (*FileStore, error) {
	if checkpointDir == "" {
		checkpointDir = filepath.Join(os.TempDir(), "factmemory-checkpoints")
	}

	// Create checkpoint directory if it doesn't exist
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{
		checkpointDir: checkpointDir,
	}, nil
}

// GetCheckpointPath returns the file path for a chapter's checkpoint.
// Returns an error if the chapter ID contains invalid characters or path traversal sequences.
func (m *FileStore) GetCheckpointPath(chapterID string) (string, error) {
	if err := validateChapterID(chapterID); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("checkpoint_%s.json", chapterID)
	fullPath := filepath.Join(m.checkpointDir, filename)

	if !isPathWithinDirectory(fullPath, m.checkpointDir) {
		return "", ErrInvalidChapterID
	}

	return fullPath, nil
}

// Save persists the checkpoint to disk
func (m *FileStore) Save(ctx context.Context, checkpoint *ChapterCheckpoint) error {
	checkpointPath, err := m.GetCheckpointPath(checkpoint.ChapterID)
	if err != nil {
		return fmt.Errorf("invalid chapter ID: %w", err)
	}

	checkpoint.LastUpdatedAt = time.Now()
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Write to a temporary file first, then rename for atomic write
	tmpPath := checkpointPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

// Load retrieves a checkpoint from disk
func (m *FileStore) Load(ctx context.Context, chapterID string) (*ChapterCheckpoint, error) {
	checkpointPath, err := m.GetCheckpointPath(chapterID)
	if err != nil {
		return nil, fmt.Errorf("invalid chapter ID: %w", err)
	}

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No checkpoint exists
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint ChapterCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// Delete removes a checkpoint from disk
func (m *FileStore) Delete(ctx context.Context, chapterID string) error {
	checkpointPath, err := m.GetCheckpointPath(chapterID)
	if err != nil {
		return fmt.Errorf("invalid chapter ID: %w", err)
	}

	if err := os.Remove(checkpointPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}

	return nil
}

// List returns all checkpoint files in the checkpoint directory
func (m *FileStore) List(ctx context.Context) ([]*ChapterCheckpoint, error) {
	entries, err := os.ReadDir(m.checkpointDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []*ChapterCheckpoint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		// Only process .json files, skip .tmp files
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.checkpointDir, entry.Name()))
		if err != nil {
			continue // Skip files we can't read
		}

		var checkpoint ChapterCheckpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			continue // Skip files we can't unmarshal
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	return checkpoints, nil
}

// GetCheckpointDir returns the checkpoint directory path
func (m *FileStore) GetCheckpointDir() string {
	return m.checkpointDir
}

// Close is a no-op for files.
func (m *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
