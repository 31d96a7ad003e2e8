package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverAsError(t *testing.T) {
	run := func(panicWith interface{}) (err error) {
		defer RecoverAsError(&err)
		if panicWith != nil {
			panic(panicWith)
		}
		return nil
	}

	assert.NoError(t, run(nil))

	err := run("boom")
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.StackTrace)
	assert.Equal(t, "panic: boom", err.Error())
}

func TestRecoverWithCallback(t *testing.T) {
	var got error
	func() {
		defer RecoverWithCallback(func(err error) { got = err })
		panic(42)
	}()
	require.Error(t, got)
	assert.Equal(t, "panic: 42", got.Error())

	assert.NotPanics(t, func() {
		defer RecoverWithCallback(nil)
		panic("ignored")
	})
}

func TestSafeGoWithResult(t *testing.T) {
	wait := func(ch <-chan error) error {
		select {
		case err := <-ch:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for goroutine")
			return nil
		}
	}

	assert.NoError(t, wait(SafeGoWithResult(func() error { return nil })))

	sentinel := errors.New("listen failed")
	assert.ErrorIs(t, wait(SafeGoWithResult(func() error { return sentinel })), sentinel)

	var pe *PanicError
	assert.ErrorAs(t, wait(SafeGoWithResult(func() error { panic("crash") })), &pe)
}

func TestWorkerPoolOrderAndErrors(t *testing.T) {
	pool := NewWorkerPool(3, func(ctx context.Context, n int) (int, error) {
		switch n {
		case 3:
			return 0, errors.New("three")
		case 5:
			panic("five")
		}
		return n * n, nil
	})

	results, errs := pool.ProcessItems(context.Background(), []int{1, 2, 3, 4, 5, 6})
	require.Len(t, results, 6)
	require.Len(t, errs, 6)

	assert.Equal(t, []int{1, 4, 0, 16, 0, 36}, results)
	assert.NoError(t, errs[0])
	assert.EqualError(t, errs[2], "three")
	var pe *PanicError
	assert.ErrorAs(t, errs[4], &pe)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var active, peak int32
	pool := NewWorkerPool(2, func(ctx context.Context, n int) (struct{}, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return struct{}{}, nil
	})

	_, errs := pool.ProcessItems(context.Background(), make([]int, 10))
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWorkerPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewWorkerPool(2, func(ctx context.Context, n int) (int, error) { return n, nil })
	_, errs := pool.ProcessItems(ctx, []int{1, 2, 3})
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	t.Setenv("FACTMEMORY_CONCURRENCY", "")
	assert.Equal(t, DefaultConcurrency, ConcurrencyLimit())
	t.Setenv("FACTMEMORY_CONCURRENCY", "9")
	assert.Equal(t, 9, ConcurrencyLimit())
	t.Setenv("FACTMEMORY_CONCURRENCY", "nope")
	assert.Equal(t, DefaultConcurrency, ConcurrencyLimit())
}
