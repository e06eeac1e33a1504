package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagestore/core/storage_engine/common"
)

// Page is the part of a cached page the pipeline touches.
type Page interface {
	GetData() []byte
	SetDirty(dirty bool)
	RLock()
	RUnlock()
}

// Entry is one dirty page waiting to be written.
type Entry struct {
	// Partition selects the consumer. Entries for different partitions are
	// written independently and in no particular relative order.
	Partition int
	Label     string
	Page      Page
	// Write persists the bytes through the page's partitioned file.
	Write func(data []byte) error
	// Done is called exactly once with the final outcome.
	Done func(err error)
}

// Config controls the pipeline.
type Config struct {
	// BufferSize is the number of entries that may be queued or in flight.
	BufferSize int `yaml:"buffer_size"`
	// MaxRetries is the number of extra attempts after a failed write.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the wait before the first retry; it doubles per retry.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// RateLimitBytes caps write throughput in bytes per second. 0 disables it.
	RateLimitBytes int `yaml:"rate_limit_bytes"`
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
}

// Observer receives pipeline events. A nil Observer is allowed.
type Observer interface {
	FlushCompleted(bytes int)
	FlushFailed(degraded bool)
}

// Pipeline decouples eviction from disk writes. Producers block in Enqueue
// while BufferSize entries are outstanding; one consumer per partition
// drains its queue.
type Pipeline struct {
	cfg      Config
	logger   *zap.Logger
	observer Observer

	slots   *semaphore.Weighted
	queues  []chan *Entry
	limiter *rate.Limiter

	closeMu  sync.RWMutex
	closed   atomic.Bool
	degraded atomic.Bool
	wg       sync.WaitGroup
}

// NewPipeline starts one consumer goroutine per partition.
func NewPipeline(partitions int, cfg Config, logger *zap.Logger, observer Observer) *Pipeline {
	cfg.setDefaults()
	if partitions <= 0 {
		partitions = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:      cfg,
		logger:   logger.Named("flush_pipeline"),
		observer: observer,
		slots:    semaphore.NewWeighted(int64(cfg.BufferSize)),
		queues:   make([]chan *Entry, partitions),
	}
	p.limiter = common.NewLimiter(cfg.RateLimitBytes)
	for i := range p.queues {
		// Each queue can hold the whole buffer, so a producer that owns a
		// slot never blocks on the channel send.
		p.queues[i] = make(chan *Entry, cfg.BufferSize)
		p.wg.Add(1)
		go p.consume(i, p.queues[i])
	}
	p.logger.Info("Flush pipeline started",
		zap.Int("partitions", partitions),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Int("max_retries", cfg.MaxRetries))
	return p
}

func (p *Pipeline) Partitions() int { return len(p.queues) }
func (p *Pipeline) Degraded() bool  { return p.degraded.Load() }

// Enqueue hands a dirty page to its partition's consumer. It blocks while
// the buffer is full and fails once the pipeline is closed.
func (p *Pipeline) Enqueue(ctx context.Context, e *Entry) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	if e.Partition < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPartition, e.Partition)
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	p.queues[e.Partition%len(p.queues)] <- e
	return nil
}

// Close stops accepting entries, lets the consumers drain what is queued
// and waits for them to exit.
func (p *Pipeline) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
	p.logger.Info("Flush pipeline stopped")
}

func (p *Pipeline) consume(partition int, queue <-chan *Entry) {
	defer p.wg.Done()
	for e := range queue {
		err := p.flush(e)
		p.slots.Release(1)
		if e.Done != nil {
			e.Done(err)
		}
	}
	p.logger.Debug("Flush consumer drained", zap.Int("partition", partition))
}

// flush writes one entry, retrying with doubling backoff. On final failure
// the page stays dirty and the node is marked degraded.
func (p *Pipeline) flush(e *Entry) error {
	backoff := p.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		lastErr = p.writeOnce(e)
		if lastErr == nil {
			return nil
		}
		p.logger.Warn("Page flush failed",
			zap.String("page", e.Label),
			zap.Int("partition", e.Partition),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		if p.observer != nil {
			p.observer.FlushFailed(false)
		}
	}

	p.degraded.Store(true)
	if p.observer != nil {
		p.observer.FlushFailed(true)
	}
	p.logger.Error("Giving up on page flush, storage degraded",
		zap.String("page", e.Label),
		zap.Int("partition", e.Partition),
		zap.Error(lastErr))
	return fmt.Errorf("%w: page %s: %w", ErrStorageDegraded, e.Label, lastErr)
}

func (p *Pipeline) writeOnce(e *Entry) error {
	e.Page.RLock()
	defer e.Page.RUnlock()
	data := e.Page.GetData()
	if err := p.throttle(len(data)); err != nil {
		return err
	}
	// Cleared before the write so a concurrent writer re-dirties it.
	e.Page.SetDirty(false)
	if err := e.Write(data); err != nil {
		e.Page.SetDirty(true)
		return err
	}
	if p.observer != nil {
		p.observer.FlushCompleted(len(data))
	}
	return nil
}

// throttle waits for n bytes of write budget.
func (p *Pipeline) throttle(n int) error {
	if err := common.Wait(context.Background(), p.limiter, n); err != nil {
		return errors.Join(ErrIO, err)
	}
	return nil
}
