// Package pagecache keeps the set of pages resident in shared memory. A
// page with a non-zero pin count is never evicted; unpinned pages are
// evicted on demand, dirty ones through the flush pipeline.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
)

// EvictionPolicy picks the victim among unpinned pages.
type EvictionPolicy int

const (
	// MRU evicts the page most recently handed back.
	MRU EvictionPolicy = iota
	// LRU evicts the page handed back longest ago.
	LRU
)

func (p EvictionPolicy) String() string {
	if p == LRU {
		return "lru"
	}
	return "mru"
}

// ParsePolicy maps a config string to a policy; anything but "lru" is MRU.
func ParsePolicy(s string) EvictionPolicy {
	if s == "lru" || s == "LRU" {
		return LRU
	}
	return MRU
}

// Backing is the persistent home of a set's pages.
type Backing interface {
	ReadPage(id pagemanager.PageID, buf []byte) error
	WritePage(id pagemanager.PageID, data []byte) error
	Location(id pagemanager.PageID) (pagemanager.Location, bool)
}

// Flusher accepts dirty pages for persistence.
type Flusher interface {
	Enqueue(ctx context.Context, e *flushmanager.Entry) error
}

// Config controls admission when the cache is full.
type Config struct {
	// BlockWhenFull makes callers wait for an unpin instead of failing with
	// ErrCacheFull when every resident page is pinned.
	BlockWhenFull bool `yaml:"block_when_full"`
}

type entry struct {
	page    *pagemanager.Page
	backing Backing
	// loading is set while the page bytes are read from disk.
	loading bool
	// inFlight counts flushes queued but not yet acknowledged.
	inFlight int
	// evicting reclaims the slot once the last flush is acknowledged.
	evicting bool
	// orphaned pages belong to a removed set and are discarded unflushed.
	orphaned bool
}

type setState struct {
	policy   EvictionPolicy
	mode     pagemanager.AccessMode
	resident *roaring64.Bitmap
}

// PageCache is the single source of truth for resident pages.
type PageCache struct {
	logger  *zap.Logger
	cfg     Config
	arena   *sharedmem.Arena
	flusher Flusher
	metrics *internaltelemetry.StorageMetrics

	mu       sync.Mutex
	cond     *sync.Cond
	pages    map[pagemanager.CacheKey]*entry
	sets     map[pagemanager.SetKey]*setState
	tick     uint64
	flushing int
	// degraded is the last flush error once the pipeline gave up; dirty
	// pages are no longer chosen as victims after that.
	degraded error
}

// New builds a cache whose slots come from arena.
func New(arena *sharedmem.Arena, flusher Flusher, cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *PageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics, _ = internaltelemetry.NewStorageMetrics(nil)
	}
	c := &PageCache{
		logger:  logger.Named("page_cache"),
		cfg:     cfg,
		arena:   arena,
		flusher: flusher,
		metrics: metrics,
		pages:   make(map[pagemanager.CacheKey]*entry),
		sets:    make(map[pagemanager.SetKey]*setState),
	}
	c.cond = sync.NewCond(&c.mu)
	c.logger.Info("PageCache initialized",
		zap.Int("slots", arena.Slots()),
		zap.Int("page_size", arena.SlotSize()),
		zap.Bool("block_when_full", cfg.BlockWhenFull))
	return c
}

func (c *PageCache) PageSize() int { return c.arena.SlotSize() }

// PinSet records the eviction policy and access mode declared for a set.
func (c *PageCache) PinSet(set pagemanager.SetKey, policy EvictionPolicy, mode pagemanager.AccessMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.setLocked(set)
	st.policy = policy
	st.mode = mode
	c.logger.Debug("Set pinned", zap.Any("set", set), zap.Stringer("policy", policy), zap.Stringer("mode", mode))
}

// SetPolicy returns the policy recorded by PinSet, MRU by default.
func (c *PageCache) SetPolicy(set pagemanager.SetKey) EvictionPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sets[set]; ok {
		return st.policy
	}
	return MRU
}

func (c *PageCache) setLocked(set pagemanager.SetKey) *setState {
	st, ok := c.sets[set]
	if !ok {
		st = &setState{policy: MRU, mode: pagemanager.Read, resident: roaring64.NewBitmap()}
		c.sets[set] = st
	}
	return st
}

// Pin returns a guard holding one pin on key, loading the page from its
// backing file when it is not resident. Concurrent pins of the same key
// share one Page.
func (c *PageCache) Pin(key pagemanager.CacheKey, backing Backing, policy EvictionPolicy, mode pagemanager.AccessMode) (*pagemanager.PinGuard, error) {
	c.mu.Lock()
	for {
		if e, ok := c.pages[key]; ok {
			if e.loading {
				c.cond.Wait()
				continue
			}
			if e.orphaned {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: %s belongs to a removed set", flushmanager.ErrPageNotFound, key)
			}
			e.page.Pin()
			e.evicting = false
			c.mu.Unlock()
			c.metrics.CacheHits.Add(context.Background(), 1)
			return pagemanager.NewPinGuard(e.page, c, mode), nil
		}

		off, buf, err := c.acquireSlotLocked(policy)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("pin %s: %w", key, err)
		}
		if _, raced := c.pages[key]; raced {
			c.arena.Free(off)
			continue
		}

		page := pagemanager.NewPage(key, buf, off)
		page.Pin()
		e := &entry{page: page, backing: backing, loading: true}
		c.pages[key] = e
		c.mu.Unlock()

		readErr := backing.ReadPage(key.PageID, buf)

		c.mu.Lock()
		e.loading = false
		if readErr != nil {
			delete(c.pages, key)
			c.arena.Free(off)
			c.cond.Broadcast()
			c.mu.Unlock()
			return nil, fmt.Errorf("load %s: %w", key, readErr)
		}
		if loc, ok := backing.Location(key.PageID); ok {
			page.SetLocation(loc)
		}
		c.admitLocked(e)
		c.mu.Unlock()
		c.metrics.CacheMisses.Add(context.Background(), 1)
		c.logger.Debug("Page loaded", zap.Stringer("key", key), zap.Stringer("mode", mode), zap.Int64("offset", off))
		return pagemanager.NewPinGuard(page, c, mode), nil
	}
}

// NewPage admits a fresh, zeroed, dirty page with one write pin.
func (c *PageCache) NewPage(key pagemanager.CacheKey, backing Backing, loc pagemanager.Location) (*pagemanager.PinGuard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pages[key]; ok {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrPageExists, key)
	}
	policy := MRU
	if st, ok := c.sets[key.SetKey()]; ok {
		policy = st.policy
	}
	off, buf, err := c.acquireSlotLocked(policy)
	if err != nil {
		return nil, fmt.Errorf("new page %s: %w", key, err)
	}
	if _, raced := c.pages[key]; raced {
		c.arena.Free(off)
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrPageExists, key)
	}
	page := pagemanager.NewPage(key, buf, off)
	page.Reset()
	page.SetLocation(loc)
	page.SetDirty(true)
	page.Pin()
	c.admitLocked(&entry{page: page, backing: backing})
	return pagemanager.NewPinGuard(page, c, pagemanager.Write), nil
}

func (c *PageCache) admitLocked(e *entry) {
	key := e.page.Key()
	c.pages[key] = e
	c.setLocked(key.SetKey()).resident.Add(uint64(key.PageID))
	c.metrics.ResidentPages.Add(context.Background(), 1)
	c.cond.Broadcast()
}

// acquireSlotLocked returns a free slot, evicting if necessary. It may
// release c.mu while waiting or while handing a dirty victim to the
// flusher, so callers must re-check their state afterwards.
func (c *PageCache) acquireSlotLocked(policy EvictionPolicy) (int64, []byte, error) {
	for {
		off, buf, err := c.arena.Alloc()
		if err == nil {
			return off, buf, nil
		}
		if !errors.Is(err, sharedmem.ErrNoFreeSlot) {
			return 0, nil, err
		}

		if victim := c.pickVictimLocked(policy, c.degraded != nil); victim != nil {
			c.metrics.CacheEvictions.Add(context.Background(), 1)
			if !victim.page.IsDirty() {
				c.logger.Debug("Dropping clean victim", zap.Stringer("key", victim.page.Key()))
				c.removeLocked(victim)
				continue
			}
			c.logger.Debug("Flushing dirty victim", zap.Stringer("key", victim.page.Key()))
			fe := c.startFlushLocked(victim, true, nil)
			c.mu.Unlock()
			c.enqueue(fe)
			c.mu.Lock()
			continue
		}

		if c.flushing > 0 {
			c.cond.Wait()
			continue
		}
		if c.degraded != nil {
			return 0, nil, c.degraded
		}
		if c.cfg.BlockWhenFull {
			c.cond.Wait()
			continue
		}
		c.logger.Warn("Page cache full, every resident page is pinned", zap.Int("resident", len(c.pages)))
		return 0, nil, flushmanager.ErrCacheFull
	}
}

// pickVictimLocked scans unpinned pages and applies the policy.
func (c *PageCache) pickVictimLocked(policy EvictionPolicy, cleanOnly bool) *entry {
	var victim *entry
	for _, e := range c.pages {
		if e.loading || e.evicting || e.inFlight > 0 || e.page.GetPinCount() > 0 {
			continue
		}
		if cleanOnly && e.page.IsDirty() {
			continue
		}
		if victim == nil {
			victim = e
			continue
		}
		last, best := e.page.LastUnpinned(), victim.page.LastUnpinned()
		if (policy == MRU && last > best) || (policy == LRU && last < best) {
			victim = e
		}
	}
	return victim
}

func (c *PageCache) removeLocked(e *entry) {
	key := e.page.Key()
	if cur, ok := c.pages[key]; !ok || cur != e {
		return
	}
	delete(c.pages, key)
	if st, ok := c.sets[key.SetKey()]; ok {
		st.resident.Remove(uint64(key.PageID))
	}
	c.arena.Free(e.page.Offset())
	c.metrics.ResidentPages.Add(context.Background(), -1)
	c.cond.Broadcast()
}

// DecPageRefCount drops one pin. It fails for an unknown key and never lets
// a pin count go negative.
func (c *PageCache) DecPageRefCount(key pagemanager.CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[key]
	if !ok {
		c.logger.Warn("Unpin of page not in cache", zap.Stringer("key", key))
		return fmt.Errorf("%w: %s", flushmanager.ErrPageNotFound, key)
	}
	remaining, ok := e.page.Unpin()
	if !ok {
		return fmt.Errorf("%w: %s", flushmanager.ErrNotPinned, key)
	}
	c.tick++
	e.page.MarkUnpinned(c.tick)
	if remaining == 0 {
		if e.orphaned && e.inFlight == 0 {
			c.removeLocked(e)
		}
		c.cond.Broadcast()
	}
	return nil
}

// EvictPage removes an unpinned page, flushing it first when dirty.
func (c *PageCache) EvictPage(key pagemanager.CacheKey) error {
	c.mu.Lock()
	e, ok := c.pages[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", flushmanager.ErrPageNotFound, key)
	}
	if e.loading || e.page.GetPinCount() > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", flushmanager.ErrPagePinned, key)
	}
	c.metrics.CacheEvictions.Add(context.Background(), 1)
	if e.inFlight > 0 {
		e.evicting = true
		c.mu.Unlock()
		return nil
	}
	if !e.page.IsDirty() || e.orphaned {
		c.removeLocked(e)
		c.mu.Unlock()
		return nil
	}
	fe := c.startFlushLocked(e, true, nil)
	c.mu.Unlock()
	return c.enqueue(fe)
}

// FlushPageWithoutEviction queues a dirty page for persistence and keeps
// it resident.
func (c *PageCache) FlushPageWithoutEviction(key pagemanager.CacheKey) error {
	c.mu.Lock()
	e, ok := c.pages[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", flushmanager.ErrPageNotFound, key)
	}
	if !e.page.IsDirty() || e.orphaned {
		c.mu.Unlock()
		return nil
	}
	fe := c.startFlushLocked(e, false, nil)
	c.mu.Unlock()
	return c.enqueue(fe)
}

// FlushAll persists every dirty resident page and waits for the acks.
func (c *PageCache) FlushAll(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errs   []error
		queued []*flushmanager.Entry
	)
	done := func(err error) {
		if err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
		wg.Done()
	}

	c.mu.Lock()
	for _, e := range c.pages {
		if e.loading || e.orphaned || !e.page.IsDirty() {
			continue
		}
		wg.Add(1)
		queued = append(queued, c.startFlushLocked(e, false, done))
	}
	c.mu.Unlock()

	for _, fe := range queued {
		if err := c.enqueueCtx(ctx, fe); err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
	}
	wg.Wait()

	// flushes started elsewhere may have cleared the dirty flag already
	c.mu.Lock()
	for c.flushing > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return errors.Join(errs...)
}

func (c *PageCache) startFlushLocked(e *entry, evict bool, extra func(error)) *flushmanager.Entry {
	e.inFlight++
	c.flushing++
	if evict {
		e.evicting = true
	}
	page := e.page
	key := page.Key()
	backing := e.backing
	return &flushmanager.Entry{
		Partition: page.Location().Partition,
		Label:     key.String(),
		Page:      page,
		Write: func(data []byte) error {
			c.mu.Lock()
			orphaned := e.orphaned
			c.mu.Unlock()
			if orphaned {
				// the set's files are gone or about to be
				return nil
			}
			return backing.WritePage(key.PageID, data)
		},
		Done: func(err error) {
			c.flushDone(e, err)
			if extra != nil {
				extra(err)
			}
		},
	}
}

func (c *PageCache) enqueue(fe *flushmanager.Entry) error {
	return c.enqueueCtx(context.Background(), fe)
}

func (c *PageCache) enqueueCtx(ctx context.Context, fe *flushmanager.Entry) error {
	if err := c.flusher.Enqueue(ctx, fe); err != nil {
		fe.Done(err)
		return fmt.Errorf("flush %s: %w", fe.Label, err)
	}
	return nil
}

func (c *PageCache) flushDone(e *entry, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.inFlight--
	c.flushing--
	if err != nil {
		// The page keeps its bytes and its dirty flag.
		e.evicting = false
		if errors.Is(err, flushmanager.ErrStorageDegraded) {
			c.degraded = err
		}
		c.logger.Error("Flush failed, page stays resident", zap.Stringer("key", e.page.Key()), zap.Error(err))
	}
	if e.inFlight == 0 && e.page.GetPinCount() == 0 {
		switch {
		case e.orphaned:
			c.removeLocked(e)
		case e.evicting && !e.page.IsDirty():
			c.removeLocked(e)
		}
	}
	if e.page.GetPinCount() > 0 {
		e.evicting = false
	}
	c.cond.Broadcast()
}

// DropSet discards the residency of a removed set. Unpinned pages are
// freed without flushing; pinned ones are freed on their last unpin.
func (c *PageCache) DropSet(set pagemanager.SetKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropSetLocked(set)
}

// DropDatabase drops every set of db.
func (c *PageCache) DropDatabase(db pagemanager.DatabaseID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for set := range c.sets {
		if set.DatabaseID == db && !set.IsTemp() {
			dropped += c.dropSetLocked(set)
		}
	}
	return dropped
}

func (c *PageCache) dropSetLocked(set pagemanager.SetKey) int {
	st, ok := c.sets[set]
	if !ok {
		return 0
	}
	dropped := 0
	for _, id := range st.resident.ToArray() {
		e, ok := c.pages[set.Page(pagemanager.PageID(id))]
		if !ok {
			continue
		}
		e.orphaned = true
		if e.page.GetPinCount() == 0 && e.inFlight == 0 && !e.loading {
			c.removeLocked(e)
			dropped++
		}
	}
	delete(c.sets, set)
	c.logger.Debug("Set dropped from cache", zap.Any("set", set), zap.Int("freed", dropped))
	return dropped
}

// Lookup returns a resident page without pinning it.
func (c *PageCache) Lookup(key pagemanager.CacheKey) (*pagemanager.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[key]
	if !ok || e.loading {
		return nil, false
	}
	return e.page, true
}

// ResidentPages lists the resident page ids of a set.
func (c *PageCache) ResidentPages(set pagemanager.SetKey) []pagemanager.PageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sets[set]
	if !ok {
		return nil
	}
	ids := st.resident.ToArray()
	out := make([]pagemanager.PageID, len(ids))
	for i, id := range ids {
		out[i] = pagemanager.PageID(id)
	}
	return out
}

// Len is the number of resident pages.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}
