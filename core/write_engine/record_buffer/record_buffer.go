// Package recordbuffer coalesces small writes into page-sized batches.
//
// Writes are grouped per destination set and kept as records in arrival
// order. Once a destination holds a page worth of bytes, records are
// drained oldest first into new pages. A record that does not fit whole is
// split: the prefix goes into the full page and the rest stays at the head
// of the queue for the next page.
package recordbuffer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/namespace"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// Destination names a user set.
type Destination struct {
	Database string
	Set      string
}

func (d Destination) String() string { return d.Database + "/" + d.Set }

type record struct {
	objects [][]byte
	size    int
}

func newRecord(objects [][]byte) *record {
	r := &record{objects: objects}
	for _, o := range objects {
		r.size += pagemanager.EncodedSize(o)
	}
	return r
}

type queue struct {
	mu      sync.Mutex
	records []*record
	total   int
	// discarded queues are out of the map; writers must fetch a new one
	discarded bool
}

type Buffer struct {
	ns       *namespace.Namespace
	logger   *zap.Logger
	capacity int

	mu     sync.Mutex
	queues map[Destination]*queue
}

func New(ns *namespace.Namespace, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		ns:       ns,
		logger:   logger.Named("record_buffer"),
		capacity: ns.PageSize() - pagemanager.PageHeaderSize,
		queues:   make(map[Destination]*queue),
	}
}

// Capacity is the number of payload bytes one page holds.
func (b *Buffer) Capacity() int { return b.capacity }

func (b *Buffer) queue(dest Destination) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[dest]
	if !ok {
		q = &queue{}
		b.queues[dest] = q
	}
	return q
}

// lockQueue returns the live queue of dest with its lock held.
func (b *Buffer) lockQueue(dest Destination) *queue {
	for {
		q := b.queue(dest)
		q.mu.Lock()
		if !q.discarded {
			return q
		}
		q.mu.Unlock()
	}
}

// Buffered returns the number of encoded bytes waiting for dest.
func (b *Buffer) Buffered(dest Destination) int {
	q := b.queue(dest)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Add buffers objects as one record and writes back every full page. It
// returns the number of pages written.
func (b *Buffer) Add(dest Destination, objects [][]byte) (int, error) {
	set, err := b.ns.GetSet(dest.Database, dest.Set)
	if err != nil {
		b.logger.Error("Write to missing set", zap.Stringer("destination", dest), zap.Error(err))
		return 0, err
	}
	if len(objects) == 0 {
		return 0, nil
	}
	owned, err := b.copyObjects(objects)
	if err != nil {
		return 0, err
	}

	q := b.lockQueue(dest)
	defer q.mu.Unlock()
	rec := newRecord(owned)
	q.records = append(q.records, rec)
	q.total += rec.size
	if q.total < b.capacity {
		return 0, nil
	}
	return b.writeBackLocked(dest, set, q, false)
}

// copyObjects packs objects into one allocation the buffer owns.
func (b *Buffer) copyObjects(objects [][]byte) ([][]byte, error) {
	n := 0
	for i, o := range objects {
		if pagemanager.EncodedSize(o) > b.capacity {
			return nil, fmt.Errorf("%w: object %d is %d bytes, page payload is %d",
				flushmanager.ErrObjectTooLarge, i, len(o), b.capacity-pagemanager.ObjectLengthSize)
		}
		n += len(o)
	}
	arena := make([]byte, 0, n)
	owned := make([][]byte, len(objects))
	for i, o := range objects {
		start := len(arena)
		arena = append(arena, o...)
		owned[i] = arena[start:len(arena):len(arena)]
	}
	return owned, nil
}

// Flush writes back everything buffered for dest, including a final
// partly filled page.
func (b *Buffer) Flush(dest Destination) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[dest]
	b.mu.Unlock()
	if !ok {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.records) == 0 {
		return 0, nil
	}
	set, err := b.ns.GetSet(dest.Database, dest.Set)
	if err != nil {
		b.discardLocked(dest, q, err)
		return 0, err
	}
	return b.writeBackLocked(dest, set, q, true)
}

// FlushAll writes back every destination.
func (b *Buffer) FlushAll() (int, error) {
	b.mu.Lock()
	dests := make([]Destination, 0, len(b.queues))
	for d := range b.queues {
		dests = append(dests, d)
	}
	b.mu.Unlock()

	pages := 0
	var errs []error
	for _, d := range dests {
		n, err := b.Flush(d)
		pages += n
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", d, err))
		}
	}
	return pages, errors.Join(errs...)
}

// Discard drops everything buffered for dest and returns the number of
// records dropped.
func (b *Buffer) Discard(dest Destination) int {
	b.mu.Lock()
	q, ok := b.queues[dest]
	delete(b.queues, dest)
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.records)
	q.records = nil
	q.total = 0
	q.discarded = true
	return n
}

// DiscardDatabase drops the buffered records of every set of database.
func (b *Buffer) DiscardDatabase(database string) int {
	b.mu.Lock()
	var dests []Destination
	for d := range b.queues {
		if d.Database == database {
			dests = append(dests, d)
		}
	}
	b.mu.Unlock()
	n := 0
	for _, d := range dests {
		n += b.Discard(d)
	}
	return n
}

func (b *Buffer) discardLocked(dest Destination, q *queue, cause error) {
	b.logger.Error("Dropping buffered records of missing set",
		zap.Stringer("destination", dest),
		zap.Int("records", len(q.records)),
		zap.Int("bytes", q.total),
		zap.Error(cause))
	q.records = nil
	q.total = 0
}

// writeBackLocked drains records into new pages until less than a page is
// left, or until nothing is left when all is set.
func (b *Buffer) writeBackLocked(dest Destination, set *namespace.Set, q *queue, all bool) (int, error) {
	pages := 0
	for len(q.records) > 0 && (all || q.total >= b.capacity) {
		if head := q.records[0].objects[0]; pagemanager.EncodedSize(head) > b.capacity {
			return pages, fmt.Errorf("%w: %d byte object queued for %s", flushmanager.ErrObjectTooLarge, len(head), dest)
		}
		g, err := set.AddPage()
		if err != nil {
			return pages, fmt.Errorf("write back %s: %w", dest, err)
		}
		page := g.Page()
		page.Lock()
		objects := b.fillLocked(page, q)
		page.Unlock()

		if err := b.commit(g); err != nil {
			return pages, err
		}
		pages++
		b.logger.Debug("Page written back",
			zap.Stringer("destination", dest),
			zap.Uint64("page_id", uint64(g.Key().PageID)),
			zap.Int("objects", objects),
			zap.Int("remaining_bytes", q.total))
	}
	return pages, nil
}

// fillLocked moves whole records, then the prefix of one record, into
// page. It returns the number of objects written.
func (b *Buffer) fillLocked(page *pagemanager.Page, q *queue) int {
	written := 0
	for len(q.records) > 0 {
		rec := q.records[0]
		n, moved := 0, 0
		for n < len(rec.objects) && page.AppendObject(rec.objects[n]) {
			moved += pagemanager.EncodedSize(rec.objects[n])
			n++
		}
		written += n
		q.total -= moved
		if n == len(rec.objects) {
			q.records[0] = nil
			q.records = q.records[1:]
			continue
		}
		if n > 0 {
			rest := make([][]byte, len(rec.objects)-n)
			copy(rest, rec.objects[n:])
			q.records[0] = &record{objects: rest, size: rec.size - moved}
		}
		break
	}
	return written
}

// commit releases the writer's pin and queues the page for persistence
// while keeping it resident.
func (b *Buffer) commit(g *pagemanager.PinGuard) error {
	key := g.Key()
	if err := g.Release(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	err := b.ns.Cache().FlushPageWithoutEviction(key)
	if err != nil && !errors.Is(err, flushmanager.ErrPageNotFound) {
		return fmt.Errorf("flush %s: %w", key, err)
	}
	return nil
}

// WriteObject stores obj alone in a new page of dest, bypassing the queue.
func (b *Buffer) WriteObject(dest Destination, obj []byte) (pagemanager.PageID, error) {
	if pagemanager.EncodedSize(obj) > b.capacity {
		return 0, fmt.Errorf("%w: %d bytes, page payload is %d",
			flushmanager.ErrObjectTooLarge, len(obj), b.capacity-pagemanager.ObjectLengthSize)
	}
	set, err := b.ns.GetSet(dest.Database, dest.Set)
	if err != nil {
		return 0, err
	}
	g, err := set.AddPage()
	if err != nil {
		return 0, fmt.Errorf("write object to %s: %w", dest, err)
	}
	g.Page().Lock()
	g.Page().AppendObject(obj)
	g.Page().Unlock()
	id := g.Key().PageID
	return id, b.commit(g)
}
