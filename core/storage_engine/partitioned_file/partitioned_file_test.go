package partitionedfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/fs"
)

const testPageSize = 128

func volumeDirs(t *testing.T, n int) []string {
	t.Helper()
	root := t.TempDir()
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = filepath.Join(root, "vol"+string(rune('a'+i)), "1_db", "0_type", "1_set")
	}
	return dirs
}

func pageBytes(fill byte) []byte {
	buf := make([]byte, testPageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestFile_StripesPagesAcrossPartitions(t *testing.T) {
	dirs := volumeDirs(t, 3)
	f, err := Create(fs.Default, dirs, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	for i := 0; i < 7; i++ {
		id, loc := f.AllocatePage()
		require.Equal(t, pagemanager.PageID(i), id)
		require.Equal(t, i%3, loc.Partition)
		require.Equal(t, uint64(i/3), loc.Sequence)
		require.NoError(t, f.WritePage(id, pageBytes(byte(i))))
	}

	require.Equal(t, []pagemanager.PageID{0, 3, 6}, f.PartitionPageIDs(0))
	require.Equal(t, []pagemanager.PageID{1, 4}, f.PartitionPageIDs(1))
	require.Len(t, f.PageIDs(), 7)

	buf := make([]byte, testPageSize)
	require.NoError(t, f.ReadPage(4, buf))
	require.Equal(t, pageBytes(4), buf)
}

func TestFile_ReopenRebuildsIndex(t *testing.T) {
	dirs := volumeDirs(t, 2)
	f, err := Create(fs.Default, dirs, testPageSize, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		id, _ := f.AllocatePage()
		require.NoError(t, f.WritePage(id, pageBytes(byte(10+i))))
	}
	// rewrite page 1 so the metadata holds two entries for it
	require.NoError(t, f.WritePage(1, pageBytes(99)))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	g, err := Open(fs.Default, dirs, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	require.Equal(t, testPageSize, g.PageSize())
	require.Equal(t, 4, g.NumPages())
	buf := make([]byte, testPageSize)
	require.NoError(t, g.ReadPage(1, buf))
	require.Equal(t, pageBytes(99), buf)

	id, loc := g.AllocatePage()
	require.Equal(t, pagemanager.PageID(4), id)
	require.Equal(t, pagemanager.Location{Partition: 0, Sequence: 2}, loc)
}

func TestFile_DetectsCorruptPage(t *testing.T) {
	dirs := volumeDirs(t, 1)
	f, err := Create(fs.Default, dirs, testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	id, _ := f.AllocatePage()
	require.NoError(t, f.WritePage(id, pageBytes(1)))

	part, err := os.OpenFile(filepath.Join(dirs[0], DataFileName), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = part.WriteAt([]byte{0xff}, 5)
	require.NoError(t, err)
	require.NoError(t, part.Close())

	err = f.ReadPage(id, make([]byte, testPageSize))
	require.ErrorIs(t, err, flushmanager.ErrChecksumMismatch)
}

func TestFile_UnwrittenPageIsNotFound(t *testing.T) {
	f, err := Create(fs.Default, volumeDirs(t, 1), testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	id, _ := f.AllocatePage()
	err = f.ReadPage(id, make([]byte, testPageSize))
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)

	f.Abandon(id)
	require.Zero(t, f.NumPages())
}

func TestOpen_MalformedMetadata(t *testing.T) {
	dirs := volumeDirs(t, 1)
	require.NoError(t, os.MkdirAll(dirs[0], 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs[0], MetaFileName), []byte("not a page index"), 0o644))

	_, err := Open(fs.Default, dirs, zap.NewNop())
	require.ErrorIs(t, err, flushmanager.ErrMalformedLayout)
}

func TestFile_WriteFailureIsIOError(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(DataFileName, fs.Fault{FailWrites: 1})
	f, err := Create(faulty, volumeDirs(t, 1), testPageSize, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	id, _ := f.AllocatePage()
	require.ErrorIs(t, f.WritePage(id, pageBytes(3)), flushmanager.ErrIO)
	require.NoError(t, f.WritePage(id, pageBytes(3)))
	require.Equal(t, 1, faulty.Failed())
}

func TestFile_RemoveDeletesDirectories(t *testing.T) {
	dirs := volumeDirs(t, 2)
	f, err := Create(fs.Default, dirs, testPageSize, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.Remove())
	for _, dir := range dirs {
		_, err := os.Stat(dir)
		require.True(t, os.IsNotExist(err))
	}
}
