package utils

import (
	"context"
	"os"
	"strconv"
	"sync"
)

// DefaultConcurrency bounds worker pools when no limit is configured.
const DefaultConcurrency = 4

// ConcurrencyLimit reads FACTMEMORY_CONCURRENCY, falling back to DefaultConcurrency.
func ConcurrencyLimit() int {
	val := os.Getenv("FACTMEMORY_CONCURRENCY")
	if val == "" {
		return DefaultConcurrency
	}
	limit, err := strconv.Atoi(val)
	if err != nil || limit <= 0 {
		return DefaultConcurrency
	}
	return limit
}

// Worker processes a single item for a WorkerPool.
type Worker[T any, R any] func(ctx context.Context, item T) (R, error)

// WorkerPool runs a fixed number of workers over a slice of items.
//
// ProcessItems blocks until every worker has returned. Results and errors are
// index-aligned with the input. Items not started before ctx is cancelled get
// ctx.Err(). A panicking worker yields a *PanicError for its item.
type WorkerPool[T any, R any] struct {
	numWorkers int
	worker     Worker[T, R]
}

// NewWorkerPool creates a pool; numWorkers <= 0 uses ConcurrencyLimit.
func NewWorkerPool[T any, R any](numWorkers int, worker Worker[T, R]) *WorkerPool[T, R] {
	if numWorkers <= 0 {
		numWorkers = ConcurrencyLimit()
	}
	return &WorkerPool[T, R]{
		numWorkers: numWorkers,
		worker:     worker,
	}
}

type indexedItem[T any] struct {
	item  T
	index int
}

// ProcessItems processes items using the worker pool.
func (wp *WorkerPool[T, R]) ProcessItems(ctx context.Context, items []T) ([]R, []error) {
	if len(items) == 0 {
		return nil, nil
	}

	itemsChan := make(chan indexedItem[T], len(items))
	for i, item := range items {
		itemsChan <- indexedItem[T]{item: item, index: i}
	}
	close(itemsChan)

	results := make([]R, len(items))
	errs := make([]error, len(items))
	started := make([]bool, len(items))

	workers := wp.numWorkers
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range itemsChan {
				if ctx.Err() != nil {
					return
				}
				started[it.index] = true
				func() {
					defer RecoverWithCallback(func(err error) {
						errs[it.index] = err
					})
					results[it.index], errs[it.index] = wp.worker(ctx, it.item)
				}()
			}
		}()
	}
	wg.Wait()

	for i := range items {
		if !started[i] {
			errs[i] = ctx.Err()
		}
	}
	return results, errs
}
