// Package partitionedfile stores the pages of one set, striped across one
// directory per volume, with a page index kept in a metadata file.
//
// Layout of a set with N volumes:
//
//	<dir_0>/part.dat   ...   <dir_N-1>/part.dat
//	<dir_0>/pages.meta
//
// A page lives at byte offset sequence*pageSize of its partition. The
// metadata file is a header followed by fixed-size index entries; a later
// entry for the same page id supersedes an earlier one.
package partitionedfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/internal/fs"
)

const (
	DataFileName = "part.dat"
	MetaFileName = "pages.meta"

	metaMagic      uint32 = 0x50474958
	metaVersion    uint32 = 1
	metaHeaderSize        = 16
	metaEntrySize         = 8 + 4 + 8 + blake3Size
	blake3Size            = 32
)

// PageIndex is the page-index entry for one page.
type PageIndex struct {
	PageID    pagemanager.PageID
	Location  pagemanager.Location
	Checksum  [blake3Size]byte
	Persisted bool
}

// File is a set's backing store.
type File struct {
	fs       fs.FileSystem
	logger   *zap.Logger
	dirs     []string
	pageSize int

	partitions []fs.File
	meta       fs.File
	metaMu     sync.Mutex
	metaSize   int64

	mu       sync.RWMutex
	index    map[pagemanager.PageID]*PageIndex
	nextSeq  []uint64
	nextPage pagemanager.PageID
	cursor   int
}

// Create makes the directories and empty files for a new set.
func Create(fsys fs.FileSystem, dirs []string, pageSize int, logger *zap.Logger) (*File, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no partition directories", flushmanager.ErrInvalidPartition)
	}
	for _, dir := range dirs {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", flushmanager.ErrIO, dir, err)
		}
	}
	f := newFile(fsys, dirs, pageSize, logger)
	if err := f.openFiles(os.O_RDWR | os.O_CREATE | os.O_TRUNC); err != nil {
		return nil, err
	}
	if err := f.writeMetaHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Open loads an existing set and rebuilds its page index from the metadata
// file. A metadata file with a bad header or a torn entry is reported as
// ErrMalformedLayout.
func Open(fsys fs.FileSystem, dirs []string, logger *zap.Logger) (*File, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no partition directories", flushmanager.ErrInvalidPartition)
	}
	f := newFile(fsys, dirs, 0, logger)
	if err := f.openFiles(os.O_RDWR | os.O_CREATE); err != nil {
		return nil, err
	}
	if err := f.loadMeta(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func newFile(fsys fs.FileSystem, dirs []string, pageSize int, logger *zap.Logger) *File {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{
		fs:       fsys,
		logger:   logger.Named("partitioned_file"),
		dirs:     dirs,
		pageSize: pageSize,
		index:    make(map[pagemanager.PageID]*PageIndex),
		nextSeq:  make([]uint64, len(dirs)),
	}
}

func (f *File) openFiles(flag int) error {
	for _, dir := range f.dirs {
		part, err := f.fs.OpenFile(filepath.Join(dir, DataFileName), flag, 0o644)
		if err != nil {
			return fmt.Errorf("%w: open partition in %s: %v", flushmanager.ErrIO, dir, err)
		}
		f.partitions = append(f.partitions, part)
	}
	meta, err := f.fs.OpenFile(filepath.Join(f.dirs[0], MetaFileName), flag, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open metadata in %s: %v", flushmanager.ErrIO, f.dirs[0], err)
	}
	f.meta = meta
	return nil
}

func (f *File) writeMetaHeader() error {
	var hdr [metaHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], metaMagic)
	binary.BigEndian.PutUint32(hdr[4:8], metaVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(f.pageSize))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(f.dirs)))
	if _, err := f.meta.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: write metadata header: %v", flushmanager.ErrIO, err)
	}
	f.metaSize = metaHeaderSize
	return nil
}

func (f *File) loadMeta() error {
	info, err := f.meta.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat metadata: %v", flushmanager.ErrIO, err)
	}
	size := info.Size()
	if size < metaHeaderSize {
		return fmt.Errorf("%w: metadata in %s has no header", flushmanager.ErrMalformedLayout, f.dirs[0])
	}
	buf := make([]byte, size)
	if _, err := f.meta.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read metadata: %v", flushmanager.ErrIO, err)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != metaMagic || binary.BigEndian.Uint32(buf[4:8]) != metaVersion {
		return fmt.Errorf("%w: bad metadata header in %s", flushmanager.ErrMalformedLayout, f.dirs[0])
	}
	f.pageSize = int(binary.BigEndian.Uint32(buf[8:12]))
	if parts := int(binary.BigEndian.Uint32(buf[12:16])); parts != len(f.dirs) {
		return fmt.Errorf("%w: metadata records %d partitions, found %d directories",
			flushmanager.ErrMalformedLayout, parts, len(f.dirs))
	}
	if (size-metaHeaderSize)%metaEntrySize != 0 {
		return fmt.Errorf("%w: torn metadata entry in %s", flushmanager.ErrMalformedLayout, f.dirs[0])
	}

	entries := 0
	for off := int64(metaHeaderSize); off < size; off += metaEntrySize {
		e := decodeEntry(buf[off : off+metaEntrySize])
		if e.Location.Partition >= len(f.dirs) {
			return fmt.Errorf("%w: page %d in partition %d", flushmanager.ErrMalformedLayout, e.PageID, e.Location.Partition)
		}
		f.index[e.PageID] = e
		if e.PageID >= f.nextPage {
			f.nextPage = e.PageID + 1
		}
		if e.Location.Sequence >= f.nextSeq[e.Location.Partition] {
			f.nextSeq[e.Location.Partition] = e.Location.Sequence + 1
		}
		entries++
	}
	f.metaSize = size
	f.cursor = int(f.nextPage) % len(f.dirs)

	if entries > 2*len(f.index) {
		if err := f.compactMeta(); err != nil {
			f.logger.Warn("Metadata compaction failed", zap.Strings("dirs", f.dirs), zap.Error(err))
		}
	}
	return nil
}

// compactMeta rewrites the metadata file keeping only the latest entry per page.
func (f *File) compactMeta() error {
	path := filepath.Join(f.dirs[0], MetaFileName)
	tmpPath := path + ".tmp"
	tmp, err := f.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	old := f.meta
	f.meta = tmp
	if err := f.writeMetaHeader(); err != nil {
		f.meta = old
		tmp.Close()
		return err
	}
	for _, id := range f.sortedIDsLocked(-1) {
		if err := f.appendEntryLocked(f.index[id]); err != nil {
			f.meta = old
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		f.meta = old
		tmp.Close()
		return err
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		f.meta = old
		tmp.Close()
		return err
	}
	old.Close()
	return nil
}

func encodeEntry(e *PageIndex) []byte {
	buf := make([]byte, metaEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.PageID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.Location.Partition))
	binary.BigEndian.PutUint64(buf[12:20], e.Location.Sequence)
	copy(buf[20:], e.Checksum[:])
	return buf
}

func decodeEntry(buf []byte) *PageIndex {
	e := &PageIndex{
		PageID: pagemanager.PageID(binary.BigEndian.Uint64(buf[0:8])),
		Location: pagemanager.Location{
			Partition: int(binary.BigEndian.Uint32(buf[8:12])),
			Sequence:  binary.BigEndian.Uint64(buf[12:20]),
		},
		Persisted: true,
	}
	copy(e.Checksum[:], buf[20:])
	return e
}

func (f *File) appendEntryLocked(e *PageIndex) error {
	if f.meta == nil {
		return os.ErrClosed
	}
	if _, err := f.meta.WriteAt(encodeEntry(e), f.metaSize); err != nil {
		return err
	}
	f.metaSize += metaEntrySize
	return nil
}

// AllocatePage assigns the next page id and its location. Partitions are
// filled round-robin so a scan can stream every partition in parallel.
func (f *File) AllocatePage() (pagemanager.PageID, pagemanager.Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextPage
	f.nextPage++
	part := f.cursor
	f.cursor = (f.cursor + 1) % len(f.dirs)
	loc := pagemanager.Location{Partition: part, Sequence: f.nextSeq[part]}
	f.nextSeq[part]++
	f.index[id] = &PageIndex{PageID: id, Location: loc}
	return id, loc
}

// Abandon forgets an allocated page that was never written.
func (f *File) Abandon(id pagemanager.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.index[id]; ok && !e.Persisted {
		delete(f.index, id)
	}
}

// WritePage writes data at the page's location and records its checksum.
func (f *File) WritePage(id pagemanager.PageID, data []byte) error {
	if len(data) != f.pageSize {
		return fmt.Errorf("%w: page %d has %d bytes, want %d", flushmanager.ErrInvalidPageData, id, len(data), f.pageSize)
	}
	f.mu.RLock()
	e, ok := f.index[id]
	part, err := f.partitionLocked(e)
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: page %d not allocated in %s", flushmanager.ErrPageNotFound, id, f.dirs[0])
	}
	if err != nil {
		return err
	}
	loc := e.Location
	offset := int64(loc.Sequence) * int64(f.pageSize)
	if _, err := part.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write page %d to partition %d: %v", flushmanager.ErrIO, id, loc.Partition, err)
	}

	updated := &PageIndex{PageID: id, Location: loc, Checksum: blake3.Sum256(data), Persisted: true}
	f.metaMu.Lock()
	err = f.appendEntryLocked(updated)
	f.metaMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: record page %d in metadata: %v", flushmanager.ErrIO, id, err)
	}

	f.mu.Lock()
	f.index[id] = updated
	f.mu.Unlock()
	return nil
}

// ReadPage reads a persisted page into buf and verifies its checksum.
func (f *File) ReadPage(id pagemanager.PageID, buf []byte) error {
	f.mu.RLock()
	e, ok := f.index[id]
	part, err := f.partitionLocked(e)
	f.mu.RUnlock()
	if !ok || !e.Persisted {
		return fmt.Errorf("%w: page %d not persisted in %s", flushmanager.ErrPageNotFound, id, f.dirs[0])
	}
	if err != nil {
		return err
	}
	if len(buf) < f.pageSize {
		return fmt.Errorf("%w: buffer of %d bytes for page size %d", flushmanager.ErrInvalidPageData, len(buf), f.pageSize)
	}
	buf = buf[:f.pageSize]
	offset := int64(e.Location.Sequence) * int64(f.pageSize)
	if _, err := part.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("%w: read page %d from partition %d: %v", flushmanager.ErrIO, id, e.Location.Partition, err)
	}
	if blake3.Sum256(buf) != e.Checksum {
		return fmt.Errorf("%w: page %d in %s", flushmanager.ErrChecksumMismatch, id, f.dirs[0])
	}
	return nil
}

func (f *File) partitionLocked(e *PageIndex) (fs.File, error) {
	if e == nil {
		return nil, nil
	}
	if f.partitions == nil || f.meta == nil {
		return nil, fmt.Errorf("%w: %s is closed", flushmanager.ErrIO, f.dirs[0])
	}
	return f.partitions[e.Location.Partition], nil
}

func (f *File) Location(id pagemanager.PageID) (pagemanager.Location, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.index[id]
	if !ok {
		return pagemanager.Location{}, false
	}
	return e.Location, true
}

func (f *File) PageSize() int      { return f.pageSize }
func (f *File) NumPartitions() int { return len(f.dirs) }
func (f *File) Dirs() []string     { return f.dirs }

func (f *File) NumPages() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.index)
}

// PageIDs returns every known page id in ascending order.
func (f *File) PageIDs() []pagemanager.PageID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sortedIDsLocked(-1)
}

// PartitionPageIDs returns the page ids stored in one partition, in
// sequence order.
func (f *File) PartitionPageIDs(partition int) []pagemanager.PageID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sortedIDsLocked(partition)
}

func (f *File) sortedIDsLocked(partition int) []pagemanager.PageID {
	ids := make([]pagemanager.PageID, 0, len(f.index))
	for id, e := range f.index {
		if partition < 0 || e.Location.Partition == partition {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Sync flushes every partition and the metadata file to stable storage.
func (f *File) Sync() error {
	for i, part := range f.partitions {
		if err := part.Sync(); err != nil {
			return fmt.Errorf("%w: sync partition %d: %v", flushmanager.ErrIO, i, err)
		}
	}
	f.metaMu.Lock()
	defer f.metaMu.Unlock()
	if f.meta == nil {
		return nil
	}
	if err := f.meta.Sync(); err != nil {
		return fmt.Errorf("%w: sync metadata: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaMu.Lock()
	defer f.metaMu.Unlock()
	var firstErr error
	for _, part := range f.partitions {
		if err := part.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.partitions = nil
	if f.meta != nil {
		if err := f.meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.meta = nil
	}
	return firstErr
}

// Remove closes the file and deletes every partition directory.
func (f *File) Remove() error {
	closeErr := f.Close()
	for _, dir := range f.dirs {
		if err := f.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("%w: remove %s: %v", flushmanager.ErrIO, dir, err)
		}
	}
	return closeErr
}
