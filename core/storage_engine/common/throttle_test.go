package common

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLimiter_Disabled(t *testing.T) {
	require.Nil(t, NewLimiter(0))

	var dst bytes.Buffer
	w := NewThrottledWriter(context.Background(), &dst, nil)
	n, err := w.Write([]byte("unthrottled"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "unthrottled", dst.String())
}

func TestThrottledWriter_HonorsRate(t *testing.T) {
	limiter := NewLimiter(1000)
	var dst bytes.Buffer
	w := NewThrottledWriter(context.Background(), &dst, limiter)

	start := time.Now()
	_, err := w.Write(make([]byte, 1500))
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, 1500, dst.Len())
}

func TestThrottledWriter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewThrottledWriter(ctx, &bytes.Buffer{}, NewLimiter(10))
	_, err := w.Write(make([]byte, 100))
	require.Error(t, err)
}
