package scan

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/workerpool"
	"github.com/sushant-115/pagestore/pkg/connection"
)

type releaseCounter struct{ n atomic.Int32 }

func (r *releaseCounter) DecPageRefCount(pagemanager.CacheKey) error {
	r.n.Add(1)
	return nil
}

// sliceSource hands out pinned pages of one set.
type sliceSource struct {
	pages []*pagemanager.Page
	owner pagemanager.Releaser
	pos   int
}

func newSliceSource(owner pagemanager.Releaser, set pagemanager.SetKey, ids ...pagemanager.PageID) *sliceSource {
	s := &sliceSource{owner: owner}
	for _, id := range ids {
		p := pagemanager.NewPage(set.Page(id), make([]byte, 64), int64(id)*64)
		p.Pin()
		s.pages = append(s.pages, p)
	}
	return s
}

func (s *sliceSource) HasNext() bool { return s.pos < len(s.pages) }

func (s *sliceSource) Next() (*pagemanager.PinGuard, error) {
	p := s.pages[s.pos]
	s.pos++
	return pagemanager.NewPinGuard(p, s.owner, pagemanager.Read), nil
}

// recorder is a backend handler that remembers what it accepted.
type recorder struct {
	mu       sync.Mutex
	pages    []PagePinned
	ends     int
	failNext int
}

func (r *recorder) handle(msg *PagePinned) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return errors.New("backend busy")
	}
	if msg.IsEndOfStream() {
		r.ends++
		return nil
	}
	r.pages = append(r.pages, *msg)
	return nil
}

func (r *recorder) snapshot() ([]PagePinned, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PagePinned(nil), r.pages...), r.ends
}

type fault int

const (
	faultNone fault = iota
	faultDial
	faultDropAck
)

// flakyConnector applies one planned fault per Connect call.
type flakyConnector struct {
	inner Connector
	mu    sync.Mutex
	plan  []fault
	calls int
}

func (c *flakyConnector) Connect() (Conn, error) {
	c.mu.Lock()
	f := faultNone
	if c.calls < len(c.plan) {
		f = c.plan[c.calls]
	}
	c.calls++
	c.mu.Unlock()

	switch f {
	case faultDial:
		return nil, errors.New("connection refused")
	case faultDropAck:
		conn, err := c.inner.Connect()
		if err != nil {
			return nil, err
		}
		return &dropAckConn{Conn: conn}, nil
	default:
		return c.inner.Connect()
	}
}

func (c *flakyConnector) ConnectFresh() (Conn, error) { return c.inner.ConnectFresh() }

// dropAckConn delivers writes but loses every reply.
type dropAckConn struct {
	Conn
}

func (c *dropAckConn) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func setupBackend(t *testing.T, handler Handler) *PoolConnector {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := NewReceiver(handler, zap.NewNop())
	go r.Serve(l)
	pool := connection.NewConnectionPoolManager("tcp", 4, time.Second)
	t.Cleanup(func() {
		pool.Close()
		r.Close()
	})
	return &PoolConnector{Pool: pool, Address: l.Addr().String()}
}

func setupScanner(t *testing.T, connector Connector) *Scanner {
	t.Helper()
	pool := workerpool.New(4, zap.NewNop())
	t.Cleanup(pool.Close)
	cfg := Config{RetryBackoff: time.Millisecond, AckTimeout: time.Second}
	return NewScanner(7, pool, connector, cfg, zap.NewNop(), nil)
}

var testSet = pagemanager.SetKey{DatabaseID: 1, TypeID: 2, SetID: 3}

func TestScanner_FlakyTransportDeliversOnce(t *testing.T) {
	rec := &recorder{}
	flaky := &flakyConnector{
		inner: setupBackend(t, rec.handle),
		plan:  []fault{faultDial, faultDropAck},
	}
	s := setupScanner(t, flaky)
	releases := &releaseCounter{}

	n, err := s.Stream(context.Background(), []PageSource{newSliceSource(releases, testSet, 0)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pages, ends := rec.snapshot()
	require.Len(t, pages, 1, "the resent pin must not reach the handler twice")
	require.Equal(t, testSet.Page(0), pages[0].Key())
	require.Equal(t, pagemanager.NodeID(7), pages[0].NodeID)
	require.True(t, pages[0].MorePagesToLoad)
	require.Equal(t, 1, ends)
	require.Equal(t, int32(1), releases.n.Load())
	require.Equal(t, 3, flaky.calls)
}

func TestScanner_FanOutStreamsEveryPartition(t *testing.T) {
	rec := &recorder{}
	s := setupScanner(t, setupBackend(t, rec.handle))
	releases := &releaseCounter{}
	sources := []PageSource{
		newSliceSource(releases, testSet, 0, 3, 6, 9),
		newSliceSource(releases, testSet, 1, 4, 7),
		newSliceSource(releases, testSet, 2, 5, 8),
	}

	n, err := s.Stream(context.Background(), sources)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	pages, ends := rec.snapshot()
	require.Len(t, pages, 10)
	require.Equal(t, 1, ends)
	seen := make(map[pagemanager.PageID]bool)
	seqs := make(map[uint64]bool)
	for _, p := range pages {
		seen[p.PageID] = true
		seqs[p.Sequence] = true
		require.Equal(t, uint64(64), p.PageSize)
		require.Equal(t, uint64(p.PageID)*64, p.SharedMemOffset)
	}
	require.Len(t, seen, 10)
	require.Len(t, seqs, 10)
	require.Equal(t, int32(10), releases.n.Load())
}

func TestScanner_RetriesExhausted(t *testing.T) {
	rec := &recorder{}
	flaky := &flakyConnector{
		inner: setupBackend(t, rec.handle),
		plan:  []fault{faultDial, faultDial, faultDial, faultDial, faultDial},
	}
	s := setupScanner(t, flaky)
	releases := &releaseCounter{}

	n, err := s.Stream(context.Background(), []PageSource{newSliceSource(releases, testSet, 0, 1)})
	require.ErrorIs(t, err, flushmanager.ErrRetriesExhausted)
	require.Zero(t, n)
	require.Equal(t, int32(1), releases.n.Load(), "the undelivered page is unpinned, the rest never pinned")

	pages, ends := rec.snapshot()
	require.Empty(t, pages)
	require.Equal(t, 1, ends, "the backend still hears the end of the stream")
}

func TestScanner_RejectedPinIsResent(t *testing.T) {
	rec := &recorder{failNext: 2}
	s := setupScanner(t, setupBackend(t, rec.handle))

	n, err := s.Stream(context.Background(), []PageSource{newSliceSource(&releaseCounter{}, testSet, 5)})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pages, _ := rec.snapshot()
	require.Len(t, pages, 1)
}

func TestReadFrame_RejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindAck, []byte{1}))
	var msg PagePinned
	require.ErrorIs(t, readMessage(&buf, KindPagePinned, &msg), ErrMalformedFrame)

	oversized := []byte{byte(KindAck), 0xff, 0xff, 0xff, 0xff}
	_, _, err := ReadFrame(bytes.NewReader(oversized))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestNoMorePage(t *testing.T) {
	end := NoMorePage(uuid.New(), 9)
	require.True(t, end.IsEndOfStream())
	body, err := end.MarshalBinary()
	require.NoError(t, err)
	var decoded PagePinned
	require.NoError(t, decoded.UnmarshalBinary(body))
	require.Equal(t, *end, decoded)

	page := Describe(1, pagemanager.NewPage(testSet.Page(0), make([]byte, 32), 0))
	require.False(t, page.IsEndOfStream())
}

func TestReceiver_ForgetsOldFinishedScans(t *testing.T) {
	var handled atomic.Int32
	r := NewReceiver(func(*PagePinned) error {
		handled.Add(1)
		return nil
	}, zap.NewNop())
	r.historySize = 2

	scans := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range scans {
		msg := &PagePinned{ScanID: id, Sequence: 0, MorePagesToLoad: true}
		require.True(t, r.receive(msg).Success)
		require.True(t, r.receive(NoMorePage(id, 1)).Success)
	}
	require.Equal(t, int32(6), handled.Load())

	r.mu.Lock()
	require.Len(t, r.seen, 2)
	require.NotContains(t, r.seen, scans[0])
	r.mu.Unlock()

	// a resent end marker of a remembered scan is still deduplicated
	require.True(t, r.receive(NoMorePage(scans[2], 1)).Success)
	require.Equal(t, int32(6), handled.Load())
}
