package recordbuffer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/namespace"
	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/fs"
)

const testPageSize = 256

var dest = Destination{Database: "D", Set: "S"}

func setupBuffer(t *testing.T, slots int) (*Buffer, *namespace.Namespace) {
	t.Helper()
	arena, err := sharedmem.New("", slots, testPageSize, zap.NewNop())
	require.NoError(t, err)
	pipe := flushmanager.NewPipeline(2, flushmanager.Config{BufferSize: 3}, zap.NewNop(), nil)
	cache := pagecache.New(arena, pipe, pagecache.Config{BlockWhenFull: true}, zap.NewNop(), nil)
	volumes := []string{t.TempDir(), t.TempDir()}
	ns, err := namespace.New(fs.Default, namespace.Config{Volumes: volumes}, cache, namespace.NewAutoRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		pipe.Close()
		ns.Close()
		arena.Close()
	})

	_, err = ns.AddDatabase(dest.Database)
	require.NoError(t, err)
	_, err = ns.AddSet(dest.Database, "T", dest.Set)
	require.NoError(t, err)
	return New(ns, zap.NewNop()), ns
}

// readSet returns every object of the set in page order.
func readSet(t *testing.T, ns *namespace.Namespace) ([][]byte, int) {
	t.Helper()
	set, err := ns.GetSet(dest.Database, dest.Set)
	require.NoError(t, err)
	var objs [][]byte
	pages := 0
	it := set.Iterator()
	for it.HasNext() {
		g, err := it.Next()
		require.NoError(t, err)
		got, err := g.Page().Objects()
		require.NoError(t, err)
		for _, o := range got {
			objs = append(objs, append([]byte(nil), o...))
		}
		require.NoError(t, g.Release())
		pages++
	}
	return objs, pages
}

func object(i, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, size)
}

func TestBuffer_HoldsLessThanAPage(t *testing.T) {
	b, ns := setupBuffer(t, 8)
	pages, err := b.Add(dest, [][]byte{[]byte("small")})
	require.NoError(t, err)
	require.Zero(t, pages)
	require.Equal(t, pagemanager.EncodedSize([]byte("small")), b.Buffered(dest))

	set, err := ns.GetSet(dest.Database, dest.Set)
	require.NoError(t, err)
	require.Zero(t, set.NumPages())

	pages, err = b.Flush(dest)
	require.NoError(t, err)
	require.Equal(t, 1, pages)
	require.Zero(t, b.Buffered(dest))

	objs, _ := readSet(t, ns)
	require.Equal(t, [][]byte{[]byte("small")}, objs)
}

func TestBuffer_SplitOnOverflowConservesBytes(t *testing.T) {
	b, ns := setupBuffer(t, 6)

	var want [][]byte
	inputBytes := 0
	for r := 0; r < 25; r++ {
		var record [][]byte
		for i := 0; i < 1+r%4; i++ {
			obj := object(r+i, 10+(r*37+i*11)%120)
			record = append(record, obj)
			want = append(want, obj)
			inputBytes += len(obj)
		}
		_, err := b.Add(dest, record)
		require.NoError(t, err)
	}
	_, err := b.FlushAll()
	require.NoError(t, err)

	got, pages := readSet(t, ns)
	require.Equal(t, want, got, "every object exactly once, in write order")
	outputBytes := 0
	for _, o := range got {
		outputBytes += len(o)
	}
	require.Equal(t, inputBytes, outputBytes)
	require.Greater(t, pages, 1)
}

func TestBuffer_FullPagesAreWrittenEagerly(t *testing.T) {
	b, ns := setupBuffer(t, 8)
	obj := object(0, b.Capacity()/2-pagemanager.ObjectLengthSize)

	pages, err := b.Add(dest, [][]byte{obj, obj, obj})
	require.NoError(t, err)
	require.Equal(t, 1, pages)
	require.Equal(t, pagemanager.EncodedSize(obj), b.Buffered(dest), "remainder waits for more data")

	require.NoError(t, ns.Cache().FlushAll(context.Background()))
	set, err := ns.GetSet(dest.Database, dest.Set)
	require.NoError(t, err)
	raw := make([]byte, testPageSize)
	require.NoError(t, set.File().ReadPage(0, raw))
	objs, err := pagemanager.DecodeObjects(raw)
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestBuffer_RejectsOversizedObject(t *testing.T) {
	b, _ := setupBuffer(t, 4)
	_, err := b.Add(dest, [][]byte{[]byte("ok"), make([]byte, testPageSize)})
	require.ErrorIs(t, err, flushmanager.ErrObjectTooLarge)
	require.Zero(t, b.Buffered(dest), "a rejected record is not buffered")

	_, err = b.WriteObject(dest, make([]byte, testPageSize))
	require.ErrorIs(t, err, flushmanager.ErrObjectTooLarge)
}

func TestBuffer_MissingSet(t *testing.T) {
	b, _ := setupBuffer(t, 4)
	_, err := b.Add(Destination{Database: "D", Set: "nope"}, [][]byte{[]byte("x")})
	require.ErrorIs(t, err, flushmanager.ErrNotFound)
}

func TestBuffer_RemovedSetDropsBufferedRecords(t *testing.T) {
	b, ns := setupBuffer(t, 4)
	_, err := b.Add(dest, [][]byte{[]byte("x")})
	require.NoError(t, err)
	require.NoError(t, ns.RemoveSet(dest.Database, dest.Set))

	_, err = b.Flush(dest)
	require.ErrorIs(t, err, flushmanager.ErrNotFound)
	require.Zero(t, b.Buffered(dest))
}

func TestBuffer_WriteObject(t *testing.T) {
	b, ns := setupBuffer(t, 4)
	blob := object(3, b.Capacity()-pagemanager.ObjectLengthSize)
	for i := 0; i < 3; i++ {
		id, err := b.WriteObject(dest, blob)
		require.NoError(t, err)
		require.Equal(t, pagemanager.PageID(i), id)
	}
	objs, pages := readSet(t, ns)
	require.Equal(t, 3, pages)
	require.Equal(t, [][]byte{blob, blob, blob}, objs)
}

func TestBuffer_DestinationsAreIndependent(t *testing.T) {
	b, ns := setupBuffer(t, 8)
	_, err := ns.AddSet("D", "T", "Other")
	require.NoError(t, err)
	other := Destination{Database: "D", Set: "Other"}

	for i := 0; i < 5; i++ {
		_, err := b.Add(dest, [][]byte{[]byte(fmt.Sprintf("s-%d", i))})
		require.NoError(t, err)
		_, err = b.Add(other, [][]byte{[]byte(fmt.Sprintf("o-%d", i))})
		require.NoError(t, err)
	}
	pages, err := b.FlushAll()
	require.NoError(t, err)
	require.Equal(t, 2, pages)

	objs, _ := readSet(t, ns)
	require.Len(t, objs, 5)
	require.Equal(t, []byte("s-0"), objs[0])
}

func TestBuffer_Discard(t *testing.T) {
	b, ns := setupBuffer(t, 8)
	other := Destination{Database: dest.Database, Set: "S2"}
	_, err := ns.AddSet(dest.Database, "T", other.Set)
	require.NoError(t, err)

	_, err = b.Add(dest, [][]byte{[]byte("one"), []byte("two")})
	require.NoError(t, err)
	_, err = b.Add(other, [][]byte{[]byte("three")})
	require.NoError(t, err)

	require.Equal(t, 1, b.Discard(dest))
	require.Zero(t, b.Buffered(dest))
	require.Zero(t, b.Discard(Destination{Database: "nope", Set: "nope"}))

	require.Equal(t, 1, b.DiscardDatabase(dest.Database))
	require.Zero(t, b.Buffered(other))

	pages, err := b.FlushAll()
	require.NoError(t, err)
	require.Zero(t, pages)
}

func TestBuffer_AddRacingDiscardLosesNothing(t *testing.T) {
	b, _ := setupBuffer(t, 4)
	const writers, perWriter = 4, 10

	var (
		wg      sync.WaitGroup
		dropped atomic.Int64
		done    = make(chan struct{})
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := b.Add(dest, [][]byte{[]byte("x")}); err != nil {
					t.Errorf("add: %v", err)
				}
			}
		}()
	}
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			dropped.Add(int64(b.Discard(dest)))
		}
	}()
	wg.Wait()
	<-done
	dropped.Add(int64(b.Discard(dest)))

	require.Equal(t, int64(writers*perWriter), dropped.Load(),
		"every accepted record is either buffered or discarded")
}

func TestBuffer_UnfittableRecordAllocatesNoPage(t *testing.T) {
	b, ns := setupBuffer(t, 4)
	q := b.queue(dest)
	q.mu.Lock()
	rec := newRecord([][]byte{make([]byte, testPageSize)})
	q.records = append(q.records, rec)
	q.total += rec.size
	q.mu.Unlock()

	_, err := b.Flush(dest)
	require.ErrorIs(t, err, flushmanager.ErrObjectTooLarge)

	set, err := ns.GetSet(dest.Database, dest.Set)
	require.NoError(t, err)
	require.Zero(t, set.NumPages())
	require.Empty(t, ns.Cache().ResidentPages(set.Key()))
}
