package namespace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	partitionedfile "github.com/sushant-115/pagestore/core/storage_engine/partitioned_file"
	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/fs"
)

const testPageSize = 512

func setupVolumes(t *testing.T, n int) []string {
	t.Helper()
	root := t.TempDir()
	volumes := make([]string, n)
	for i := range volumes {
		volumes[i] = filepath.Join(root, "disk"+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(volumes[i], 0o755))
	}
	return volumes
}

func setupCache(t *testing.T, partitions int) *pagecache.PageCache {
	t.Helper()
	arena, err := sharedmem.New("", 16, testPageSize, zap.NewNop())
	require.NoError(t, err)
	pipe := flushmanager.NewPipeline(partitions, flushmanager.Config{BufferSize: 3}, zap.NewNop(), nil)
	t.Cleanup(func() {
		pipe.Close()
		arena.Close()
	})
	return pagecache.New(arena, pipe, pagecache.Config{}, zap.NewNop(), nil)
}

func setupNamespace(t *testing.T, volumes []string, registry TypeRegistry) *Namespace {
	t.Helper()
	cache := setupCache(t, len(volumes))
	ns, err := New(fs.Default, Config{Volumes: volumes, PageSize: testPageSize}, cache, registry, zap.NewNop())
	require.NoError(t, err)
	return ns
}

// writePage appends objects to a fresh page of set and releases it.
func writePage(t *testing.T, set *Set, objs ...string) pagemanager.PageID {
	t.Helper()
	g, err := set.AddPage()
	require.NoError(t, err)
	g.Page().Lock()
	for _, o := range objs {
		require.True(t, g.Page().AppendObject([]byte(o)))
	}
	g.Page().Unlock()
	id := g.Key().PageID
	require.NoError(t, g.Release())
	return id
}

func TestNamespace_AddDatabase(t *testing.T) {
	volumes := setupVolumes(t, 2)
	ns := setupNamespace(t, volumes, nil)

	id, err := ns.AddDatabase("Sales")
	require.NoError(t, err)
	require.Equal(t, pagemanager.DatabaseID(1), id)
	for _, v := range volumes {
		require.DirExists(t, filepath.Join(v, "1_Sales"))
	}

	_, err = ns.AddDatabase("Sales")
	require.ErrorIs(t, err, flushmanager.ErrAlreadyExists)

	_, err = ns.AddDatabase("a/b")
	require.ErrorIs(t, err, flushmanager.ErrInvalidName)

	id, err = ns.AddDatabase("HR")
	require.NoError(t, err)
	require.Equal(t, pagemanager.DatabaseID(2), id)
}

func TestNamespace_AddSetResolvesType(t *testing.T) {
	volumes := setupVolumes(t, 2)
	registry := NewStaticRegistry()
	orders := registry.RegisterType("Order")
	ns := setupNamespace(t, volumes, registry)
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)

	set, err := ns.AddSet("D", "Order", "S")
	require.NoError(t, err)
	require.Equal(t, orders, set.Key().TypeID)
	require.Equal(t, "Order", set.TypeName())
	require.Equal(t, 2, set.NumPartitions())
	typeDir := dirName(uint32(orders), "Order")
	require.FileExists(t, filepath.Join(volumes[0], "1_D", typeDir, "1_S", partitionedfile.MetaFileName))
	require.FileExists(t, filepath.Join(volumes[1], "1_D", typeDir, "1_S", partitionedfile.DataFileName))

	_, err = ns.AddSet("D", "Order", "S")
	require.ErrorIs(t, err, flushmanager.ErrAlreadyExists)
	_, err = ns.AddSet("missing", "Order", "S")
	require.ErrorIs(t, err, flushmanager.ErrNotFound)

	db, err := ns.Database("D")
	require.NoError(t, err)
	require.Equal(t, []Type{{ID: orders, Name: "Order"}}, db.Types())
}

func TestNamespace_UnresolvedTypeFallsBackToUnknown(t *testing.T) {
	ns := setupNamespace(t, setupVolumes(t, 1), NewStaticRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)

	set, err := ns.AddSet("D", "NoSuchType", "S")
	require.NoError(t, err)
	require.Equal(t, UnknownTypeID, set.Key().TypeID)
	require.Equal(t, UnknownTypeName, set.TypeName())
	require.Equal(t, pagecache.MRU, ns.Cache().SetPolicy(set.Key()))
}

func TestNamespace_ConcurrentAddSetSameName(t *testing.T) {
	ns := setupNamespace(t, setupVolumes(t, 1), NewAutoRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ns.AddSet("D", "T", "S")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, flushmanager.ErrAlreadyExists)
	}
	require.Equal(t, 1, ok)
	db, err := ns.Database("D")
	require.NoError(t, err)
	require.Len(t, db.Sets(), 1)
}

func TestSet_PagesStripeAndIterate(t *testing.T) {
	ns := setupNamespace(t, setupVolumes(t, 2), NewAutoRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)
	set, err := ns.AddSet("D", "T", "S")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.Equal(t, pagemanager.PageID(i), writePage(t, set, "obj"))
	}

	its := set.Iterators()
	require.Len(t, its, 2)
	require.Equal(t, 3, its[0].Remaining())
	require.Equal(t, 2, its[1].Remaining())

	var seen []pagemanager.PageID
	it := set.Iterator()
	for it.HasNext() {
		g, err := it.Next()
		require.NoError(t, err)
		seen = append(seen, g.Key().PageID)
		require.NoError(t, g.Release())
	}
	require.Equal(t, []pagemanager.PageID{0, 1, 2, 3, 4}, seen)
	_, err = it.Next()
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)

	_, err = set.PinPage(99, pagemanager.Read)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)
}

func TestNamespace_RemoveSetKeepsPinnedPageUntilRelease(t *testing.T) {
	volumes := setupVolumes(t, 1)
	ns := setupNamespace(t, volumes, NewAutoRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)
	set, err := ns.AddSet("D", "T", "S")
	require.NoError(t, err)

	g, err := set.AddPage()
	require.NoError(t, err)
	require.NoError(t, ns.RemoveSet("D", "S"))

	_, err = ns.GetSet("D", "S")
	require.ErrorIs(t, err, flushmanager.ErrNotFound)
	require.NoDirExists(t, set.File().Dirs()[0])

	// the pinned page stays usable by its holder
	g.Page().Lock()
	require.True(t, g.Page().AppendObject([]byte("late write")))
	g.Page().Unlock()
	require.NoError(t, g.Release())
	_, resident := ns.Cache().Lookup(g.Key())
	require.False(t, resident)

	require.ErrorIs(t, ns.RemoveSet("D", "S"), flushmanager.ErrNotFound)
}

func TestNamespace_ClearSetEmptiesSet(t *testing.T) {
	ns := setupNamespace(t, setupVolumes(t, 1), NewAutoRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)
	set, err := ns.AddSet("D", "T", "S")
	require.NoError(t, err)
	writePage(t, set, "a", "b")

	cleared, err := ns.ClearSet("D", "T", "S")
	require.NoError(t, err)
	require.Zero(t, cleared.NumPages())
	require.NotEqual(t, set.Key().SetID, cleared.Key().SetID)
}

func TestNamespace_RemoveDatabase(t *testing.T) {
	volumes := setupVolumes(t, 2)
	ns := setupNamespace(t, volumes, NewAutoRegistry())
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)
	set, err := ns.AddSet("D", "T", "S")
	require.NoError(t, err)
	writePage(t, set, "a")

	require.NoError(t, ns.RemoveDatabase("D"))
	for _, v := range volumes {
		require.NoDirExists(t, filepath.Join(v, "1_D"))
	}
	require.Zero(t, ns.Cache().Len())
	require.ErrorIs(t, ns.RemoveDatabase("D"), flushmanager.ErrNotFound)
	_, err = ns.SetByKey(set.Key())
	require.ErrorIs(t, err, flushmanager.ErrNotFound)
}

func TestNamespace_TempSets(t *testing.T) {
	volumes := setupVolumes(t, 2)
	ns := setupNamespace(t, volumes, nil)

	set, err := ns.AddTempSet("scratch")
	require.NoError(t, err)
	require.True(t, set.Key().IsTemp())
	require.DirExists(t, filepath.Join(volumes[1], tempDirName, "1_scratch"))

	found, err := ns.SetByKey(pagemanager.SetKey{SetID: set.Key().SetID})
	require.NoError(t, err)
	require.Same(t, set, found)

	_, err = ns.AddTempSet("scratch")
	require.ErrorIs(t, err, flushmanager.ErrAlreadyExists)

	require.NoError(t, ns.RemoveTempSet(set.Key().SetID))
	require.NoDirExists(t, filepath.Join(volumes[0], tempDirName, "1_scratch"))
	require.ErrorIs(t, ns.RemoveTempSet(set.Key().SetID), flushmanager.ErrNotFound)
}

func TestNamespace_RecoverRaisesDatabaseIDs(t *testing.T) {
	volumes := setupVolumes(t, 1)
	require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "1_Sales"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "5_HR"), 0o755))

	ns := setupNamespace(t, volumes, nil)
	require.NoError(t, ns.Recover(context.Background()))
	require.Len(t, ns.Databases(), 2)

	id, err := ns.AddDatabase("Finance")
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(id), uint32(6))
	_, err = ns.AddDatabase("HR")
	require.ErrorIs(t, err, flushmanager.ErrAlreadyExists)
}

func TestNamespace_RecoverRestoresSetsAndPages(t *testing.T) {
	volumes := setupVolumes(t, 2)
	registry := NewAutoRegistry()
	ns := setupNamespace(t, volumes, registry)
	_, err := ns.AddDatabase("D")
	require.NoError(t, err)
	set, err := ns.AddSet("D", "T", "S")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		writePage(t, set, "row", "another row")
	}
	_, err = ns.AddSet("D", "T", "Other")
	require.NoError(t, err)
	_, err = ns.AddTempSet("scratch")
	require.NoError(t, err)
	require.NoError(t, ns.Cache().FlushAll(context.Background()))
	require.NoError(t, ns.Close())

	fresh := setupNamespace(t, volumes, NewAutoRegistry())
	require.NoError(t, fresh.Recover(context.Background()))
	t.Cleanup(func() { fresh.Close() })

	recovered, err := fresh.GetSet("D", "S")
	require.NoError(t, err)
	require.Equal(t, set.Key(), recovered.Key())
	require.Equal(t, 3, recovered.NumPages())

	it := recovered.Iterator()
	for it.HasNext() {
		g, err := it.Next()
		require.NoError(t, err)
		objs, err := g.Page().Objects()
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("row"), []byte("another row")}, objs)
		require.NoError(t, g.Release())
	}

	db, err := fresh.Database("D")
	require.NoError(t, err)
	require.Equal(t, pagemanager.SetID(3), db.NextSetID())
	require.NoDirExists(t, filepath.Join(volumes[0], tempDirName))

	g, err := recovered.AddPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(3), g.Key().PageID)
	require.NoError(t, g.Release())
}

func TestNamespace_RecoverSkipsUnparseableEntries(t *testing.T) {
	volumes := setupVolumes(t, 1)
	for _, dir := range []string{"junk", "x_y", "_nameless", "3_"} {
		require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(volumes[0], "7_file"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "2_Ok", "garbage"), 0o755))

	ns := setupNamespace(t, volumes, nil)
	require.NoError(t, ns.Recover(context.Background()))
	dbs := ns.Databases()
	require.Len(t, dbs, 1)
	require.Equal(t, "Ok", dbs[0].Name)
	require.Equal(t, pagemanager.DatabaseID(3), ns.NextDatabaseID())
}

func TestNamespace_RecoverFailures(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		volumes := setupVolumes(t, 2)
		require.NoError(t, os.RemoveAll(volumes[1]))
		ns := setupNamespace(t, volumes, nil)
		require.ErrorIs(t, ns.Recover(context.Background()), flushmanager.ErrRootMissing)
	})

	t.Run("corrupt page index", func(t *testing.T) {
		volumes := setupVolumes(t, 1)
		setDir := filepath.Join(volumes[0], "1_D", "0_UnknownUserData", "1_S")
		require.NoError(t, os.MkdirAll(setDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(setDir, partitionedfile.MetaFileName), []byte("bad"), 0o644))
		ns := setupNamespace(t, volumes, nil)
		require.ErrorIs(t, ns.Recover(context.Background()), flushmanager.ErrMalformedLayout)
	})

	t.Run("set without page index", func(t *testing.T) {
		volumes := setupVolumes(t, 1)
		require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "1_D", "0_UnknownUserData", "1_S"), 0o755))
		ns := setupNamespace(t, volumes, nil)
		require.ErrorIs(t, ns.Recover(context.Background()), flushmanager.ErrMalformedLayout)
	})

	t.Run("duplicate database id", func(t *testing.T) {
		volumes := setupVolumes(t, 1)
		require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "4_A"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(volumes[0], "4_B"), 0o755))
		ns := setupNamespace(t, volumes, nil)
		require.ErrorIs(t, ns.Recover(context.Background()), flushmanager.ErrMalformedLayout)
	})
}

func TestSequenceID_Observe(t *testing.T) {
	s := NewSequenceID(1)
	require.Equal(t, uint32(1), s.Next())
	s.Observe(9)
	require.Equal(t, uint32(10), s.Next())
	s.Observe(3)
	require.Equal(t, uint32(11), s.Next())
}
