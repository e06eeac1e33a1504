// Package storageserver is the request-facing storage node: it owns the
// shared-memory page cache, the flush pipeline, the namespace, the record
// buffer and the scan fan-out, and exposes them as Result-returning
// handlers.
package storageserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/pagestore/core/storage_engine/export"
	"github.com/sushant-115/pagestore/core/storage_engine/namespace"
	"github.com/sushant-115/pagestore/core/storage_engine/scan"
	sharedmem "github.com/sushant-115/pagestore/core/storage_engine/shared_memory"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagecache "github.com/sushant-115/pagestore/core/write_engine/page_cache"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	recordbuffer "github.com/sushant-115/pagestore/core/write_engine/record_buffer"
	"github.com/sushant-115/pagestore/internal/fs"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/internal/workerpool"
)

// Config is the storage part of the node configuration.
type Config struct {
	NodeID        uint32              `yaml:"node_id"`
	Volumes       []string            `yaml:"volumes"`
	PageSize      int                 `yaml:"page_size"`
	CachePages    int                 `yaml:"cache_pages"`
	SharedMemPath string              `yaml:"shared_mem_path"`
	Cache         pagecache.Config    `yaml:"cache"`
	Flush         flushmanager.Config `yaml:"flush"`
	ScanWorkers   int                 `yaml:"scan_workers"`
	Scan          scan.Config         `yaml:"scan"`
	// ExportRateLimitBytes caps export write throughput. 0 disables it.
	ExportRateLimitBytes int `yaml:"export_rate_limit_bytes"`
}

func (c *Config) setDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 64 * 1024
	}
	if c.CachePages <= 0 {
		c.CachePages = 1024
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = 4
	}
}

// Options carries the collaborators a server is built with. Zero values
// select the defaults.
type Options struct {
	FS       fs.FileSystem
	Registry namespace.TypeRegistry
	// Connector reaches the backend for GetSetPages. Nil disables scans.
	Connector scan.Connector
	// ObjectStore receives s3:// exports. Nil disables them.
	ObjectStore export.ObjectStore
	Metrics     *internaltelemetry.StorageMetrics
	Logger      *zap.Logger
}

// Result is the outcome every handler reports to its caller.
type Result struct {
	Success bool
	Message string
}

func succeeded(msg string) Result { return Result{Success: true, Message: msg} }
func failed(err error) Result     { return Result{Success: false, Message: err.Error()} }

// PageSink receives the pages of a GetData call.
type PageSink interface {
	// Begin is called once, before any page, with the page count and the
	// page size.
	Begin(pages, pageSize int) error
	// Page receives the raw bytes of one pinned page. raw is only valid
	// until Page returns.
	Page(raw []byte) error
}

// StorageServer owns all storage state of one node.
type StorageServer struct {
	cfg     Config
	node    pagemanager.NodeID
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	arena    *sharedmem.Arena
	pipeline *flushmanager.Pipeline
	cache    *pagecache.PageCache
	ns       *namespace.Namespace
	buffer   *recordbuffer.Buffer
	pool     *workerpool.Pool
	scanner  *scan.Scanner
	exporter *export.Exporter

	// remoteWrites counts write pins handed out by PinPage and not yet
	// returned through UnpinPage.
	remoteMu     sync.Mutex
	remoteWrites map[pagemanager.CacheKey]int

	// lifecycle is read-held by every handler and write-held by Shutdown.
	lifecycle sync.RWMutex
	closed    bool
}

// New builds the storage node and recovers its namespace from disk.
func New(ctx context.Context, cfg Config, opts Options) (*StorageServer, error) {
	cfg.setDefaults()
	if len(cfg.Volumes) == 0 {
		return nil, fmt.Errorf("%w: no storage volumes configured", flushmanager.ErrRootMissing)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage_server")
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Registry == nil {
		opts.Registry = namespace.NewAutoRegistry()
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = internaltelemetry.NewStorageMetrics(nil); err != nil {
			return nil, err
		}
	}

	arena, err := sharedmem.New(cfg.SharedMemPath, cfg.CachePages, cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	pipeline := flushmanager.NewPipeline(len(cfg.Volumes), cfg.Flush, logger, metrics)
	cache := pagecache.New(arena, pipeline, cfg.Cache, logger, metrics)
	ns, err := namespace.New(opts.FS, namespace.Config{Volumes: cfg.Volumes, PageSize: cfg.PageSize}, cache, opts.Registry, logger)
	if err == nil {
		err = ns.Recover(ctx)
	}
	if err != nil {
		pipeline.Close()
		arena.Close()
		return nil, err
	}

	s := &StorageServer{
		cfg:      cfg,
		node:     pagemanager.NodeID(cfg.NodeID),
		logger:   logger,
		metrics:  metrics,
		arena:    arena,
		pipeline: pipeline,
		cache:    cache,
		ns:       ns,
		buffer:   recordbuffer.New(ns, logger),
		pool:     workerpool.New(cfg.ScanWorkers, logger),
		exporter: export.NewExporter(opts.ObjectStore, cfg.ExportRateLimitBytes, logger),

		remoteWrites: make(map[pagemanager.CacheKey]int),
	}
	if opts.Connector != nil {
		s.scanner = scan.NewScanner(s.node, s.pool, opts.Connector, cfg.Scan, logger, metrics)
	}
	s.logger.Info("Storage server started",
		zap.Uint32("node_id", cfg.NodeID),
		zap.Strings("volumes", cfg.Volumes),
		zap.Int("page_size", cfg.PageSize),
		zap.Int("cache_pages", cfg.CachePages),
		zap.Int("databases", len(ns.Databases())))
	return s, nil
}

func (s *StorageServer) Namespace() *namespace.Namespace { return s.ns }
func (s *StorageServer) Cache() *pagecache.PageCache     { return s.cache }
func (s *StorageServer) Arena() *sharedmem.Arena         { return s.arena }
func (s *StorageServer) PageSize() int                   { return s.cfg.PageSize }
func (s *StorageServer) NodeID() pagemanager.NodeID      { return s.node }
func (s *StorageServer) Degraded() bool                  { return s.pipeline.Degraded() }

// enter guards a handler against a concurrent or finished Shutdown.
func (s *StorageServer) enter() (func(), error) {
	s.lifecycle.RLock()
	if s.closed {
		s.lifecycle.RUnlock()
		return nil, flushmanager.ErrServerShuttingDown
	}
	return s.lifecycle.RUnlock, nil
}

// run wraps a handler body that only reports success or failure.
func (s *StorageServer) run(op string, fn func() (string, error)) Result {
	leave, err := s.enter()
	if err != nil {
		return failed(err)
	}
	defer leave()
	msg, err := fn()
	if err != nil {
		s.logger.Warn("Request failed", zap.String("op", op), zap.Error(err))
		return failed(err)
	}
	return succeeded(msg)
}

func (s *StorageServer) AddDatabase(name string) Result {
	return s.run("add_database", func() (string, error) {
		id, err := s.ns.AddDatabase(name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("database %s created with id %d", name, id), nil
	})
}

func (s *StorageServer) RemoveDatabase(name string) Result {
	return s.run("remove_database", func() (string, error) {
		if dropped := s.buffer.DiscardDatabase(name); dropped > 0 {
			s.logger.Info("Discarded buffered records of removed database", zap.String("database", name), zap.Int("records", dropped))
		}
		return "", s.ns.RemoveDatabase(name)
	})
}

func (s *StorageServer) AddSet(db, typeName, set string) Result {
	return s.run("add_set", func() (string, error) {
		created, err := s.ns.AddSet(db, typeName, set)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("set %s created with id %d and type %s", set, created.Key().SetID, created.TypeName()), nil
	})
}

// ClearSet empties a set, dropping records still buffered for it.
func (s *StorageServer) ClearSet(db, typeName, set string) Result {
	return s.run("clear_set", func() (string, error) {
		s.buffer.Discard(recordbuffer.Destination{Database: db, Set: set})
		_, err := s.ns.ClearSet(db, typeName, set)
		return "", err
	})
}

// RemoveUserSet deletes a set. Set names are unique within a database, so
// the type name is only logged.
func (s *StorageServer) RemoveUserSet(db, typeName, set string) Result {
	return s.run("remove_user_set", func() (string, error) {
		s.logger.Debug("Removing set", zap.String("database", db), zap.String("type", typeName), zap.String("set", set))
		s.buffer.Discard(recordbuffer.Destination{Database: db, Set: set})
		return "", s.ns.RemoveSet(db, set)
	})
}

func (s *StorageServer) AddTempSet(name string) (pagemanager.SetID, Result) {
	var id pagemanager.SetID
	res := s.run("add_temp_set", func() (string, error) {
		set, err := s.ns.AddTempSet(name)
		if err != nil {
			return "", err
		}
		id = set.Key().SetID
		return fmt.Sprintf("temp set %s created with id %d", name, id), nil
	})
	return id, res
}

func (s *StorageServer) RemoveTempSet(id pagemanager.SetID) Result {
	return s.run("remove_temp_set", func() (string, error) {
		return "", s.ns.RemoveTempSet(id)
	})
}

// AddData buffers objects as one record for (db, set).
func (s *StorageServer) AddData(db, set string, objects [][]byte) Result {
	return s.run("add_data", func() (string, error) {
		pages, err := s.buffer.Add(recordbuffer.Destination{Database: db, Set: set}, objects)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d objects buffered, %d pages written", len(objects), pages), nil
	})
}

// AddObject stores obj alone in a new page.
func (s *StorageServer) AddObject(db, set string, obj []byte) (pagemanager.PageID, Result) {
	var id pagemanager.PageID
	res := s.run("add_object", func() (string, error) {
		var err error
		id, err = s.buffer.WriteObject(recordbuffer.Destination{Database: db, Set: set}, obj)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("object stored in page %d", id), nil
	})
	return id, res
}

// GetData hands the raw bytes of every page of a set to sink in page
// order. Each page is pinned only while sink.Page runs. Records still
// buffered for the set are written back first.
func (s *StorageServer) GetData(db, set string, sink PageSink) Result {
	return s.run("get_data", func() (string, error) {
		target, err := s.flushAndGet(db, set)
		if err != nil {
			return "", err
		}
		it := target.Iterator()
		if err := sink.Begin(it.Remaining(), s.cache.PageSize()); err != nil {
			return "", err
		}
		sent := 0
		for it.HasNext() {
			g, err := it.Next()
			if err != nil {
				return "", err
			}
			page := g.Page()
			page.RLock()
			err = sink.Page(page.GetData())
			page.RUnlock()
			if rerr := g.Release(); err == nil {
				err = rerr
			}
			if err != nil {
				return "", fmt.Errorf("page %s: %w", page.Key(), err)
			}
			sent++
		}
		return fmt.Sprintf("%d pages of %d bytes sent", sent, s.cache.PageSize()), nil
	})
}

func (s *StorageServer) flushAndGet(db, set string) (*namespace.Set, error) {
	target, err := s.ns.GetSet(db, set)
	if err != nil {
		return nil, err
	}
	if _, err := s.buffer.Flush(recordbuffer.Destination{Database: db, Set: set}); err != nil {
		return nil, err
	}
	return target, nil
}

// visitPages pins each page of it in turn, hands its decoded objects to fn
// under the page's read latch and releases the pin. With evict set the
// page is evicted once released.
func (s *StorageServer) visitPages(it *namespace.PageIterator, evict bool, fn func(*pagemanager.Page, [][]byte) error) error {
	for it.HasNext() {
		g, err := it.Next()
		if err != nil {
			return err
		}
		page := g.Page()
		page.RLock()
		objs, err := page.Objects()
		if err == nil {
			err = fn(page, objs)
		}
		page.RUnlock()
		if rerr := g.Release(); err == nil {
			err = rerr
		}
		if err != nil {
			return fmt.Errorf("page %s: %w", page.Key(), err)
		}
		if evict {
			s.evict(page.Key())
		}
	}
	return nil
}

// PinPage pins a page for a remote holder, allocating it first when isNew
// is set. The pin stays until UnpinPage.
func (s *StorageServer) PinPage(key pagemanager.SetKey, pageID pagemanager.PageID, isNew bool) (*scan.PagePinned, Result) {
	var msg *scan.PagePinned
	res := s.run("pin_page", func() (string, error) {
		set, err := s.ns.SetByKey(key)
		if err != nil {
			return "", err
		}
		var g *pagemanager.PinGuard
		if isNew {
			g, err = set.AddPage()
		} else {
			mode := pagemanager.Read
			if set.Key().IsTemp() {
				mode = pagemanager.Write
			}
			g, err = set.PinPage(pageID, mode)
		}
		if err != nil {
			return "", err
		}
		if g.Mode() == pagemanager.Write {
			s.remoteMu.Lock()
			s.remoteWrites[g.Key()]++
			s.remoteMu.Unlock()
		}
		msg = scan.Describe(s.node, g.Detach())
		return fmt.Sprintf("page %s pinned", msg.Key()), nil
	})
	return msg, res
}

// UnpinPage releases a pin taken by PinPage. Returning a write pin marks
// the page dirty, since the holder may have changed it in shared memory.
func (s *StorageServer) UnpinPage(key pagemanager.SetKey, pageID pagemanager.PageID) Result {
	return s.run("unpin_page", func() (string, error) {
		ck := key.Page(pageID)
		if s.takeRemoteWrite(ck) {
			if page, ok := s.cache.Lookup(ck); ok {
				page.SetDirty(true)
			}
		}
		if err := s.cache.DecPageRefCount(ck); err != nil {
			return "", err
		}
		if page, ok := s.cache.Lookup(ck); ok && page.IsDirty() && page.GetPinCount() == 0 {
			if err := s.cache.FlushPageWithoutEviction(ck); err != nil && !errors.Is(err, flushmanager.ErrPageNotFound) {
				return "", err
			}
		}
		return "", nil
	})
}

func (s *StorageServer) takeRemoteWrite(key pagemanager.CacheKey) bool {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	n := s.remoteWrites[key]
	switch {
	case n == 0:
		return false
	case n == 1:
		delete(s.remoteWrites, key)
	default:
		s.remoteWrites[key] = n - 1
	}
	return true
}

// GetSetPages streams every page of a set to the backend, one task per
// partition.
func (s *StorageServer) GetSetPages(ctx context.Context, db, typeName, set string) (int, Result) {
	var delivered int
	res := s.run("get_set_pages", func() (string, error) {
		if s.scanner == nil {
			return "", errors.New("no backend configured for page scans")
		}
		target, err := s.flushAndGet(db, set)
		if err != nil {
			return "", err
		}
		if typeName != "" && typeName != target.TypeName() {
			s.logger.Debug("Scan type differs from stored type",
				zap.String("requested", typeName), zap.String("stored", target.TypeName()))
		}
		iters := target.Iterators()
		sources := make([]scan.PageSource, len(iters))
		for i, it := range iters {
			sources[i] = it
		}
		delivered, err = s.scanner.Stream(ctx, sources)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d pages streamed", delivered), nil
	})
	return delivered, res
}

// ExportSet writes every object of a set to path in format, in page order.
// Each page is evicted after it has been exported.
func (s *StorageServer) ExportSet(ctx context.Context, db, set, path, format string) (export.Stats, Result) {
	var stats export.Stats
	res := s.run("export_set", func() (string, error) {
		f, err := export.ParseFormat(format)
		if err != nil {
			return "", err
		}
		target, err := s.flushAndGet(db, set)
		if err != nil {
			return "", err
		}
		w, err := s.exporter.Begin(ctx, path, f)
		if err != nil {
			return "", err
		}
		err = s.visitPages(target.Iterator(), true, func(_ *pagemanager.Page, objs [][]byte) error {
			for _, o := range objs {
				if err := w.WriteObject(o); err != nil {
					return err
				}
			}
			w.PageDone()
			return nil
		})
		if err != nil {
			w.Abort()
			return "", err
		}
		if stats, err = w.Commit(); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d objects exported to %s", stats.Objects, stats.Destination), nil
	})
	return stats, res
}

// evict drops an exported page from the cache. A page someone else still
// pins stays resident.
func (s *StorageServer) evict(key pagemanager.CacheKey) {
	err := s.cache.EvictPage(key)
	if err != nil && !errors.Is(err, flushmanager.ErrPageNotFound) && !errors.Is(err, flushmanager.ErrPagePinned) {
		s.logger.Warn("Failed to evict exported page", zap.Stringer("page", key), zap.Error(err))
	}
}

// CopySet appends every object of one set to another through the record
// buffer and writes the destination back.
func (s *StorageServer) CopySet(dbIn, setIn, dbOut, setOut string) (int, Result) {
	copied := 0
	res := s.run("copy_set", func() (string, error) {
		if dbIn == dbOut && setIn == setOut {
			return "", fmt.Errorf("%w: cannot copy set %s/%s onto itself", flushmanager.ErrAlreadyExists, dbIn, setIn)
		}
		src, err := s.flushAndGet(dbIn, setIn)
		if err != nil {
			return "", err
		}
		out := recordbuffer.Destination{Database: dbOut, Set: setOut}
		if _, err := s.ns.GetSet(dbOut, setOut); err != nil {
			return "", err
		}
		err = s.visitPages(src.Iterator(), false, func(_ *pagemanager.Page, objs [][]byte) error {
			if len(objs) == 0 {
				return nil
			}
			if _, err := s.buffer.Add(out, objs); err != nil {
				return err
			}
			copied += len(objs)
			return nil
		})
		if err != nil {
			return "", err
		}
		if _, err := s.buffer.Flush(out); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d objects copied", copied), nil
	})
	return copied, res
}

// Cleanup writes back every buffered record and waits until all dirty
// pages are persisted.
func (s *StorageServer) Cleanup(ctx context.Context) Result {
	return s.run("cleanup", func() (string, error) {
		pages, err := s.buffer.FlushAll()
		if err != nil {
			return "", err
		}
		if err := s.cache.FlushAll(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d pages written back", pages), nil
	})
}

// Shutdown cleans up, persists every dirty page and releases all
// resources. Later requests fail with ErrServerShuttingDown.
func (s *StorageServer) Shutdown(ctx context.Context) Result {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return failed(flushmanager.ErrServerShuttingDown)
	}
	s.closed = true
	s.logger.Info("Storage server shutting down")

	var errs []error
	if _, err := s.buffer.FlushAll(); err != nil {
		errs = append(errs, err)
	}
	if err := s.cache.FlushAll(ctx); err != nil {
		errs = append(errs, err)
	}
	s.pipeline.Close()
	s.pool.Close()
	if err := s.ns.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.arena.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Storage server shut down with errors", zap.Error(err))
		return failed(err)
	}
	s.logger.Info("Storage server stopped")
	return succeeded("storage server stopped")
}
