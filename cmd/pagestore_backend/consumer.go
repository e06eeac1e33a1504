package main

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/scan"
	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

type scanStats struct {
	Pages   int
	Objects int
	Bytes   int
}

// consumer reads every pinned page out of shared memory and tallies it per
// scan. Without an arena it only counts pins.
type consumer struct {
	arena  *sharedmem.Arena
	logger *zap.Logger

	mu    sync.Mutex
	scans map[uuid.UUID]*scanStats
}

func newConsumer(arena *sharedmem.Arena, logger *zap.Logger) *consumer {
	return &consumer{arena: arena, logger: logger.Named("backend"), scans: make(map[uuid.UUID]*scanStats)}
}

func (c *consumer) handle(msg *scan.PagePinned) error {
	if msg.IsEndOfStream() {
		stats := c.finish(msg.ScanID)
		c.logger.Info("Scan complete",
			zap.Stringer("scan_id", msg.ScanID),
			zap.Int("pages", stats.Pages),
			zap.Int("objects", stats.Objects),
			zap.Int("bytes", stats.Bytes))
		return nil
	}

	objects, size := 0, 0
	if c.arena != nil {
		objs, err := c.read(msg)
		if err != nil {
			c.logger.Warn("Unreadable page pin", zap.Stringer("page", msg.Key()), zap.Error(err))
			return err
		}
		objects = len(objs)
		for _, o := range objs {
			size += len(o)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats, ok := c.scans[msg.ScanID]
	if !ok {
		stats = &scanStats{}
		c.scans[msg.ScanID] = stats
	}
	stats.Pages++
	stats.Objects += objects
	stats.Bytes += size
	c.logger.Debug("Page received",
		zap.Stringer("page", msg.Key()),
		zap.Uint64("sequence", msg.Sequence),
		zap.Int("objects", objects))
	return nil
}

func (c *consumer) read(msg *scan.PagePinned) ([][]byte, error) {
	slot, err := c.arena.Lookup(int64(msg.SharedMemOffset))
	if err != nil {
		return nil, err
	}
	if msg.PageSize > uint64(len(slot)) {
		return nil, fmt.Errorf("%w: page of %d bytes in a %d byte slot", flushmanager.ErrInvalidPageData, msg.PageSize, len(slot))
	}
	page := pagemanager.NewPage(msg.Key(), slot[:msg.PageSize], int64(msg.SharedMemOffset))
	if page.HeaderPageID() != msg.PageID || page.HeaderDatabaseID() != msg.DatabaseID {
		return nil, fmt.Errorf("%w: slot holds page %d of database %d", flushmanager.ErrInvalidPageData,
			page.HeaderPageID(), page.HeaderDatabaseID())
	}
	return page.Objects()
}

// finish removes and returns the tally of a scan.
func (c *consumer) finish(id uuid.UUID) scanStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.scans[id]
	delete(c.scans, id)
	if stats == nil {
		return scanStats{}
	}
	return *stats
}
