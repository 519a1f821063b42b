package workerpool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	var done atomic.Int32
	results := make(chan error, 4)
	p := NewWorkerPool(Config{
		Name:    "test",
		Workers: 2,
		OnDone:  func(_ string, err error, _ time.Duration) { results <- err },
	})

	require.NoError(t, p.Submit(Task{Key: "a", Fn: func(context.Context) error { done.Add(1); return nil }}))
	require.NoError(t, p.Submit(Task{Key: "b", Fn: func(context.Context) error { return stderrors.New("boom") }}))
	require.NoError(t, p.Submit(Task{Key: "c", Fn: func(context.Context) error { panic("bad") }}))

	var failures int
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
	assert.Equal(t, int32(1), done.Load())

	require.NoError(t, p.Stop(time.Second))
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestWorkerPool_RejectsDuplicateKey(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := NewWorkerPool(Config{Name: "test", Workers: 1})
	defer p.Stop(time.Second)

	require.NoError(t, p.Submit(Task{Key: "t1", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.ErrorIs(t, p.Submit(Task{Key: "t1", Fn: func(context.Context) error { return nil }}), ErrBusy)
	assert.NoError(t, p.Submit(Task{Key: "t2", Fn: func(context.Context) error { return nil }}))

	close(release)
	require.Eventually(t, func() bool {
		return p.Submit(Task{Key: "t1", Fn: func(context.Context) error { return nil }}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := NewWorkerPool(Config{Name: "test", Workers: 1, QueueSize: 1})
	defer p.Stop(time.Second)
	defer close(release)

	require.NoError(t, p.Submit(Task{Key: "running", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Key: "queued", Fn: func(context.Context) error { return nil }}))

	assert.ErrorIs(t, p.Submit(Task{Key: "overflow", Fn: func(context.Context) error { return nil }}), ErrQueueFull)
}

func TestWorkerPool_StopTimeoutCancelsTasks(t *testing.T) {
	p := NewWorkerPool(Config{Name: "test", Workers: 1})
	started := make(chan struct{})

	require.NoError(t, p.Submit(Task{Key: "slow", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	assert.Error(t, p.Stop(20*time.Millisecond))
	assert.ErrorIs(t, p.Submit(Task{Key: "late", Fn: func(context.Context) error { return nil }}), ErrStopped)
}
