package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsEveryTask(t *testing.T) {
	p := New(4, zap.NewNop())
	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	p.Close()
	require.Equal(t, int32(100), ran.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(1, zap.NewNop())
	p.Close()
	p.Close()
	require.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
}

func TestPool_SubmitHonorsContext(t *testing.T) {
	p := New(1, zap.NewNop())
	gate := make(chan struct{})
	defer p.Close()
	defer close(gate)

	// one running plus a full queue
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-gate }))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestPool_SurvivesPanic(t *testing.T) {
	p := New(1, zap.NewNop())
	defer p.Close()
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panic")
	}
}
