package scan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"github.com/sushant-115/pagestore/internal/workerpool"
)

type Config struct {
	// MaxRetries is the number of attempts per page pin message.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the pause before the first resend; it doubles.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// AckTimeout bounds the wait for an ack. 0 waits until the transport fails.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
}

// Scanner fans a scan out over a worker pool, one task per source.
type Scanner struct {
	node      pagemanager.NodeID
	pool      *workerpool.Pool
	connector Connector
	cfg       Config
	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics
}

func NewScanner(node pagemanager.NodeID, pool *workerpool.Pool, connector Connector, cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Scanner {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics, _ = internaltelemetry.NewStorageMetrics(nil)
	}
	return &Scanner{
		node:      node,
		pool:      pool,
		connector: connector,
		cfg:       cfg,
		logger:    logger.Named("scan"),
		metrics:   metrics,
	}
}

// Stream runs one task per source, waits for all of them and then sends
// NoMorePage over a fresh connection. The end of stream is sent even when
// a task failed so the backend stops waiting.
func (s *Scanner) Stream(ctx context.Context, sources []PageSource) (int, error) {
	scanID := uuid.New()
	seq := &atomic.Uint64{}
	var delivered atomic.Int64
	buzzer := NewBuzzer(len(sources))

	for i, src := range sources {
		task := &Task{
			scanID:    scanID,
			node:      s.node,
			source:    src,
			connector: s.connector,
			sequence:  seq,
			cfg:       s.cfg,
			logger:    s.logger.With(zap.Stringer("scan_id", scanID), zap.Int("task", i)),
			metrics:   s.metrics,
		}
		err := s.pool.Submit(ctx, func() {
			n, err := task.Run()
			delivered.Add(int64(n))
			buzzer.Buzz(err)
		})
		if err != nil {
			buzzer.Buzz(fmt.Errorf("dispatch scan task %d: %w", i, err))
		}
	}
	taskErr := buzzer.Wait()

	endErr := s.sendEnd(scanID, seq.Add(1))
	total := int(delivered.Load())
	if err := errors.Join(taskErr, endErr); err != nil {
		s.logger.Error("Scan failed", zap.Stringer("scan_id", scanID), zap.Int("delivered", total), zap.Error(err))
		return total, err
	}
	s.logger.Info("Scan completed",
		zap.Stringer("scan_id", scanID),
		zap.Int("tasks", len(sources)),
		zap.Int("delivered", total))
	return total, nil
}

func (s *Scanner) sendEnd(scanID uuid.UUID, seq uint64) error {
	msg := NoMorePage(scanID, seq)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(s.cfg.RetryBackoff)
		}
		conn, err := s.connector.ConnectFresh()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = func() error {
			defer conn.ForceClose()
			if err := writeMessage(conn, KindPagePinned, msg); err != nil {
				return err
			}
			setDeadline(conn, s.cfg.AckTimeout)
			var ack Ack
			if err := readMessage(conn, KindAck, &ack); err != nil {
				return err
			}
			if !ack.Success {
				return errors.New("backend rejected end of stream: " + ack.Message)
			}
			return nil
		}()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: end of stream: %w", flushmanager.ErrRetriesExhausted, lastErr)
}
