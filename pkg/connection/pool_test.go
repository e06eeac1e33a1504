package connection

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupPool(t *testing.T, maxSize int) (*ConnectionPoolManager, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	m := NewConnectionPoolManager("unix", maxSize, time.Second).WithDialer(
		func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			client, server := net.Pipe()
			t.Cleanup(func() { server.Close() })
			return client, nil
		})
	t.Cleanup(m.Close)
	return m, &dials
}

func TestPool_ReusesReturnedConnections(t *testing.T) {
	m, dials := setupPool(t, 2)
	c1, err := m.Get("backend.sock")
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	require.Error(t, c1.Close(), "double close is reported")

	c2, err := m.Get("backend.sock")
	require.NoError(t, err)
	require.Equal(t, int32(1), dials.Load())
	require.NoError(t, c2.Close())
}

func TestPool_ForceCloseFreesSlot(t *testing.T) {
	m, dials := setupPool(t, 1)
	c1, err := m.Get("backend.sock")
	require.NoError(t, err)

	got := make(chan *PooledConn, 1)
	go func() {
		c, err := m.Get("backend.sock")
		if err == nil {
			got <- c
		}
	}()
	select {
	case <-got:
		t.Fatal("a full pool must block")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, c1.ForceClose())
	select {
	case c := <-got:
		require.NoError(t, c.Close())
	case <-time.After(time.Second):
		t.Fatal("force close did not free the slot")
	}
	require.Equal(t, int32(2), dials.Load())
}

func TestPool_DialFailureDoesNotLeakSlot(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	m := NewConnectionPoolManager("tcp", 1, time.Second).WithDialer(
		func(ctx context.Context, network, address string) (net.Conn, error) {
			if fail.Load() {
				return nil, errors.New("refused")
			}
			client, _ := net.Pipe()
			return client, nil
		})
	defer m.Close()

	_, err := m.Get("10.0.0.1:9000")
	require.Error(t, err)
	fail.Store(false)
	c, err := m.Get("10.0.0.1:9000")
	require.NoError(t, err)
	require.NoError(t, c.ForceClose())
}

func TestPool_GetAfterClose(t *testing.T) {
	m, _ := setupPool(t, 1)
	c, err := m.Get("backend.sock")
	require.NoError(t, err)
	m.Close()
	require.NoError(t, c.Close())
	require.Equal(t, "unix", m.Network())
	_, err = m.Get("backend.sock")
	require.NoError(t, err, "a closed manager starts fresh pools")
}
