package factmemory

import (
	"context"
	"fmt"
	"time"

	"github.com/soundprediction/factmemory/pkg/checkpoint"
	"github.com/soundprediction/factmemory/pkg/nlp"
	"github.com/soundprediction/factmemory/pkg/reconciler"
	"github.com/soundprediction/factmemory/pkg/types"
	"github.com/soundprediction/factmemory/pkg/utils"
)

// ChapterJob describes one chapter to process.
type ChapterJob struct {
	ChapterID string
	BookID    string
	Title     string

	// Ref is passed to Source; defaults to ChapterID.
	Ref string
	// Content, when set, is used instead of calling Source.
	Content string

	Source     ChapterSource
	Extractor  FactExtractor
	Attributor PageAttributor

	// Options defaults to reconciler.DefaultUpsertOptions(). PageNumbers
	// produced by the attributor are merged over Options.PageNumbers.
	Options *reconciler.UpsertOptions

	// Force starts over a chapter whose checkpoint is completed or has
	// exhausted its attempts.
	Force bool
}

// ProcessResult reports the outcome of ProcessChapter.
type ProcessResult struct {
	ChapterID   string                   `json:"chapter_id"`
	Facts       []string                 `json:"facts"`
	PageNumbers map[string]int           `json:"page_numbers,omitempty"`
	Upsert      *reconciler.UpsertResult `json:"upsert,omitempty"`
	// Resumed is set when extraction output was taken from a checkpoint.
	Resumed bool `json:"resumed"`
	// Skipped is set when the chapter was already completed.
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// ProcessChapter loads the chapter content, extracts facts, attributes pages
// and reconciles the chapter to the extracted set. With checkpoints enabled,
// progress is saved after each step and a failed run resumes after the last
// completed step.
func (c *Client) ProcessChapter(ctx context.Context, job ChapterJob) (*ProcessResult, error) {
	start := time.Now()
	if job.ChapterID == "" {
		return nil, types.ErrEmptyChapterID
	}
	if job.Extractor == nil {
		job.Extractor = c.config.Extractor
	}
	if job.Attributor == nil {
		job.Attributor = c.config.Attributor
	}
	if job.Extractor == nil {
		return nil, ErrNoExtractor
	}
	if job.Ref == "" {
		job.Ref = job.ChapterID
	}

	log := c.logger.With("chapter_id", job.ChapterID)
	cp, err := c.loadCheckpoint(ctx, job)
	if err != nil {
		return nil, err
	}
	result := &ProcessResult{ChapterID: job.ChapterID}

	if cp.Step == checkpoint.StepCompleted {
		result.Facts = cp.Facts
		result.PageNumbers = cp.PageNumbers
		result.Skipped = true
		result.Duration = time.Since(start)
		log.Info("chapter already processed", "facts", len(cp.Facts))
		return result, nil
	}
	if !cp.CanRetry(c.config.MaxAttempts, c.config.MaxAge) {
		log.Warn("chapter not retried", "progress", cp.GetProgress(), "attempts", cp.AttemptCount, "last_error", cp.LastError)
		return nil, fmt.Errorf("%w: chapter %s after %d attempts: %s", ErrAttemptsExhausted, job.ChapterID, cp.AttemptCount, cp.LastError)
	}

	fail := func(step string, err error) (*ProcessResult, error) {
		err = fmt.Errorf("%s: %w", step, err)
		log.Error("chapter processing failed", "step", cp.Step, "attempt", cp.AttemptCount+1, "error", err)
		if c.checkpoints != nil {
			if saveErr := c.checkpoints.SaveWithError(ctx, cp, err); saveErr != nil {
				log.Warn("failed to save checkpoint", "error", saveErr)
			}
		}
		return result, err
	}

	var content string
	loadContent := func() error {
		if content != "" {
			return nil
		}
		if job.Content != "" {
			content = job.Content
			return nil
		}
		if job.Source == nil {
			return ErrNoContent
		}
		text, err := job.Source.ChapterContent(ctx, job.Ref)
		if err != nil {
			return err
		}
		content = text
		return nil
	}

	if cp.Reached(checkpoint.StepExtractedFacts) {
		result.Resumed = true
		log.Info("resuming chapter from checkpoint", "step", cp.Step, "facts", len(cp.Facts))
	} else {
		if err := loadContent(); err != nil {
			return fail("load content", err)
		}
		if err := c.advance(ctx, cp, checkpoint.StepLoadedContent); err != nil {
			return fail("save checkpoint", err)
		}

		facts, err := nlp.Retry(ctx, c.config.Retry, func(ctx context.Context) (facts []string, err error) {
			defer utils.RecoverAsError(&err)
			return job.Extractor.ExtractFacts(ctx, content, job.Title)
		})
		if err != nil {
			return fail("extract facts", err)
		}
		cp.Facts = facts
		if err := c.advance(ctx, cp, checkpoint.StepExtractedFacts); err != nil {
			return fail("save checkpoint", err)
		}
		log.Debug("extracted facts", "count", len(facts))
	}
	result.Facts = cp.Facts

	if !cp.Reached(checkpoint.StepAttributedPages) {
		if job.Attributor != nil && len(cp.Facts) > 0 {
			if err := loadContent(); err != nil {
				return fail("load content", err)
			}
			pages, err := job.Attributor.AttributePages(ctx, cp.Facts, content)
			if err != nil {
				// Pages are optional; the facts are still reconciled.
				log.Warn("page attribution failed", "error", err)
			}
			cp.PageNumbers = pages
		}
		if err := c.advance(ctx, cp, checkpoint.StepAttributedPages); err != nil {
			return fail("save checkpoint", err)
		}
	}
	result.PageNumbers = cp.PageNumbers

	opts := reconciler.DefaultUpsertOptions()
	if job.Options != nil {
		opts = *job.Options
	}
	opts.PageNumbers = mergePages(opts.PageNumbers, cp.PageNumbers)

	upsert, err := c.reconciler.Upsert(ctx, job.ChapterID, cp.Facts, opts)
	result.Upsert = upsert
	if err != nil {
		return fail("reconcile facts", err)
	}
	cp.Inserted = len(upsert.Inserted)
	cp.Updated = len(upsert.Updated)
	cp.Deleted = len(upsert.Deleted)
	if err := c.advance(ctx, cp, checkpoint.StepReconciled); err != nil {
		return fail("save checkpoint", err)
	}
	if err := c.advance(ctx, cp, checkpoint.StepCompleted); err != nil {
		return fail("save checkpoint", err)
	}

	result.Duration = time.Since(start)
	log.Info("processed chapter",
		"facts", len(cp.Facts),
		"inserted", cp.Inserted,
		"updated", cp.Updated,
		"deleted", cp.Deleted,
		"duration", result.Duration)
	return result, nil
}

// ProcessChapters runs ProcessChapter over jobs with at most concurrency
// chapters in flight. Jobs for the same chapter serialize on the reconciler's
// chapter lock. Results and errors are index-aligned with jobs; a failed job
// does not stop the others.
func (c *Client) ProcessChapters(ctx context.Context, jobs []ChapterJob, concurrency int) ([]*ProcessResult, []error) {
	pool := utils.NewWorkerPool(concurrency, func(ctx context.Context, job ChapterJob) (*ProcessResult, error) {
		return c.ProcessChapter(ctx, job)
	})
	results, errs := pool.ProcessItems(ctx, jobs)

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	c.logger.Info("processed chapters", "jobs", len(jobs), "failed", failed)
	return results, errs
}

// loadCheckpoint returns the stored checkpoint for the job, or a fresh one
// that is never persisted when checkpoints are disabled.
func (c *Client) loadCheckpoint(ctx context.Context, job ChapterJob) (*checkpoint.ChapterCheckpoint, error) {
	if c.checkpoints == nil {
		return checkpoint.NewCheckpoint(job.ChapterID, job.BookID), nil
	}
	cp, existed, err := c.checkpoints.LoadOrCreate(ctx, job.ChapterID, job.BookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	exhausted := !cp.CanRetry(c.config.MaxAttempts, c.config.MaxAge)
	if existed && job.Force && (cp.Step == checkpoint.StepCompleted || exhausted) {
		cp = checkpoint.NewCheckpoint(job.ChapterID, job.BookID)
		if err := c.checkpoints.Store().Save(ctx, cp); err != nil {
			return nil, fmt.Errorf("failed to reset checkpoint: %w", err)
		}
	}
	return cp, nil
}

func (c *Client) advance(ctx context.Context, cp *checkpoint.ChapterCheckpoint, step checkpoint.ProcessingStep) error {
	if c.checkpoints == nil {
		cp.Step = step
		return nil
	}
	return c.checkpoints.SaveWithStep(ctx, cp, step)
}

func mergePages(base, overlay map[string]int) map[string]int {
	if len(base) == 0 {
		return overlay
	}
	out := make(map[string]int, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
