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
)

// MaxRetries is the default number of attempts per page pin message.
const MaxRetries = 5

// PageSource yields pinned pages. namespace.PageIterator implements it.
type PageSource interface {
	HasNext() bool
	Next() (*pagemanager.PinGuard, error)
}

type taskState int

const (
	stateConnecting taskState = iota
	stateSending
	stateAwaitingAck
	stateReconnect
	stateClosing
)

func (s taskState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateSending:
		return "sending"
	case stateAwaitingAck:
		return "awaiting_ack"
	case stateReconnect:
		return "reconnect"
	default:
		return "closing"
	}
}

// Task streams the pages of one source over one backend connection,
// reconnecting and resending the same message after a fault.
type Task struct {
	scanID    uuid.UUID
	node      pagemanager.NodeID
	source    PageSource
	connector Connector
	sequence  *atomic.Uint64
	cfg       Config
	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics

	conn  Conn
	state taskState
}

// Run streams every page and releases each local pin once the backend has
// acknowledged it. It returns the number of pages delivered.
func (t *Task) Run() (int, error) {
	delivered := 0
	defer t.closeConn()
	for t.source.HasNext() {
		g, err := t.source.Next()
		if err != nil {
			return delivered, fmt.Errorf("pin next page: %w", err)
		}
		msg := Describe(t.node, g.Page())
		msg.ScanID = t.scanID
		msg.Sequence = t.sequence.Add(1)
		if err := t.deliver(msg); err != nil {
			g.Release()
			return delivered, err
		}
		if err := g.Release(); err != nil {
			t.logger.Warn("Unpin after delivery failed", zap.Stringer("key", g.Key()), zap.Error(err))
		}
		delivered++
		t.metrics.ScanPagesStreamed.Add(context.Background(), 1)
	}
	t.state = stateClosing
	return delivered, nil
}

// deliver sends msg until it is acknowledged or the attempts run out.
func (t *Task) deliver(msg *PagePinned) error {
	backoff := t.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			t.metrics.ScanRetries.Add(context.Background(), 1)
			time.Sleep(backoff)
			backoff *= 2
		}
		lastErr = t.exchange(msg)
		if lastErr == nil {
			return nil
		}
		t.logger.Warn("Page pin delivery failed",
			zap.Stringer("key", msg.Key()),
			zap.Uint64("sequence", msg.Sequence),
			zap.Int("attempt", attempt),
			zap.Stringer("state", t.state),
			zap.Error(lastErr))
		t.state = stateReconnect
		if t.conn != nil {
			t.conn.ForceClose()
			t.conn = nil
		}
	}
	return fmt.Errorf("%w: page %s after %d attempts: %w", flushmanager.ErrRetriesExhausted, msg.Key(), t.cfg.MaxRetries, lastErr)
}

func (t *Task) exchange(msg *PagePinned) error {
	if t.conn == nil {
		t.state = stateConnecting
		conn, err := t.connector.Connect()
		if err != nil {
			return err
		}
		t.conn = conn
	}
	t.state = stateSending
	if err := writeMessage(t.conn, KindPagePinned, msg); err != nil {
		return err
	}
	t.state = stateAwaitingAck
	setDeadline(t.conn, t.cfg.AckTimeout)
	var ack Ack
	if err := readMessage(t.conn, KindAck, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return errors.New("backend rejected page: " + ack.Message)
	}
	return nil
}

func (t *Task) closeConn() {
	if t.conn == nil {
		return
	}
	if d, ok := t.conn.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(time.Time{})
	}
	t.conn.Close()
	t.conn = nil
}
