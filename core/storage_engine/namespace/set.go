package namespace

import (
	"fmt"

	"go.uber.org/zap"

	partitionedfile "github.com/sushant-115/pagestore/core/storage_engine/partitioned_file"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// Set is an append-only collection of pages backed by a partitioned file.
type Set struct {
	key      pagemanager.SetKey
	name     string
	typeName string
	file     *partitionedfile.File
	cache    *pagecache.PageCache
	logger   *zap.Logger
}

func (s *Set) Key() pagemanager.SetKey       { return s.key }
func (s *Set) Name() string                  { return s.name }
func (s *Set) TypeName() string              { return s.typeName }
func (s *Set) File() *partitionedfile.File   { return s.file }
func (s *Set) NumPages() int                 { return s.file.NumPages() }
func (s *Set) PageIDs() []pagemanager.PageID { return s.file.PageIDs() }
func (s *Set) NumPartitions() int            { return s.file.NumPartitions() }

// AddPage allocates the next page id and admits an empty, pinned page for
// it. The caller owns the returned pin.
func (s *Set) AddPage() (*pagemanager.PinGuard, error) {
	id, loc := s.file.AllocatePage()
	g, err := s.cache.NewPage(s.key.Page(id), s.file, loc)
	if err != nil {
		s.file.Abandon(id)
		return nil, fmt.Errorf("add page to set %s: %w", s.name, err)
	}
	s.logger.Debug("Page added",
		zap.Uint64("page_id", uint64(id)),
		zap.Int("partition", loc.Partition),
		zap.Uint64("sequence", loc.Sequence))
	return g, nil
}

// PinPage pins an existing page of the set.
func (s *Set) PinPage(id pagemanager.PageID, mode pagemanager.AccessMode) (*pagemanager.PinGuard, error) {
	if _, ok := s.file.Location(id); !ok {
		return nil, fmt.Errorf("%w: page %d of set %s", flushmanager.ErrPageNotFound, id, s.name)
	}
	return s.cache.Pin(s.key.Page(id), s.file, s.cache.SetPolicy(s.key), mode)
}

// Iterators returns one iterator per partition.
func (s *Set) Iterators() []*PageIterator {
	its := make([]*PageIterator, s.file.NumPartitions())
	for i := range its {
		its[i] = &PageIterator{set: s, partition: i, ids: s.file.PartitionPageIDs(i)}
	}
	return its
}

// Iterator walks every page in page id order.
func (s *Set) Iterator() *PageIterator {
	return &PageIterator{set: s, partition: -1, ids: s.file.PageIDs()}
}

func (s *Set) close() error {
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// PageIterator pins the pages of a set one at a time. The page list is
// fixed when the iterator is created.
type PageIterator struct {
	set       *Set
	partition int
	ids       []pagemanager.PageID
	pos       int
}

// Partition is the partition the iterator walks, or -1 for all of them.
func (it *PageIterator) Partition() int { return it.partition }
func (it *PageIterator) HasNext() bool  { return it.pos < len(it.ids) }
func (it *PageIterator) Remaining() int { return len(it.ids) - it.pos }

// Next pins and returns the next page for reading.
func (it *PageIterator) Next() (*pagemanager.PinGuard, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("%w: iterator over set %s is exhausted", flushmanager.ErrPageNotFound, it.set.name)
	}
	id := it.ids[it.pos]
	it.pos++
	return it.set.PinPage(id, pagemanager.Read)
}
