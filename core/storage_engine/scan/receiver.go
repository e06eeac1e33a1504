package scan

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes a page pin on the backend side. Returning an error
// makes the storage node resend the message.
type Handler func(msg *PagePinned) error

type deliveryState int

// finishedScanHistory is how many completed scans keep their end marker
// for deduplication.
const finishedScanHistory = 256

const (
	deliveryInProgress deliveryState = iota + 1
	deliveryDone
)

// Receiver is the backend end of the protocol. It acks every message and
// passes each (ScanID, Sequence) to the handler at most once successfully.
type Receiver struct {
	handler Handler
	logger  *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond
	seen map[uuid.UUID]map[uint64]deliveryState
	// finished is a ring of completed scans, oldest at next once full.
	finished    []uuid.UUID
	next        int
	historySize int

	connMu   sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewReceiver(handler Handler, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{
		handler: handler,
		logger:  logger.Named("scan_receiver"),
		seen:    make(map[uuid.UUID]map[uint64]deliveryState),
		conns:   make(map[net.Conn]struct{}),

		historySize: finishedScanHistory,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Serve accepts connections until Close is called.
func (r *Receiver) Serve(l net.Listener) error {
	r.connMu.Lock()
	if r.closed {
		r.connMu.Unlock()
		return net.ErrClosed
	}
	r.listener = l
	r.connMu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			r.connMu.Lock()
			closed := r.closed
			r.connMu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if !r.track(conn) {
			conn.Close()
			return nil
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.ServeConn(conn)
		}()
	}
}

func (r *Receiver) track(conn net.Conn) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

// ServeConn handles messages on one connection until it fails or closes.
func (r *Receiver) ServeConn(conn io.ReadWriteCloser) {
	defer func() {
		conn.Close()
		if nc, ok := conn.(net.Conn); ok {
			r.connMu.Lock()
			delete(r.conns, nc)
			r.connMu.Unlock()
		}
	}()
	for {
		var msg PagePinned
		if err := readMessage(conn, KindPagePinned, &msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("Scan connection ended", zap.Error(err))
			}
			return
		}
		ack := r.receive(&msg)
		if err := writeMessage(conn, KindAck, &ack); err != nil {
			r.logger.Debug("Ack write failed", zap.Uint64("sequence", msg.Sequence), zap.Error(err))
			return
		}
	}
}

func (r *Receiver) receive(msg *PagePinned) Ack {
	r.mu.Lock()
	scan, ok := r.seen[msg.ScanID]
	if !ok {
		scan = make(map[uint64]deliveryState)
		r.seen[msg.ScanID] = scan
	}
	for scan[msg.Sequence] == deliveryInProgress {
		r.cond.Wait()
		scan = r.seen[msg.ScanID]
	}
	if scan[msg.Sequence] == deliveryDone {
		r.mu.Unlock()
		r.logger.Debug("Duplicate page pin acknowledged", zap.Uint64("sequence", msg.Sequence))
		return Ack{Success: true}
	}
	scan[msg.Sequence] = deliveryInProgress
	r.mu.Unlock()

	err := r.handler(msg)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.cond.Broadcast()
	if err != nil {
		delete(scan, msg.Sequence)
		return Ack{Success: false, Message: err.Error()}
	}
	if msg.IsEndOfStream() {
		// later pages of this scan cannot arrive; keep only the end marker
		r.seen[msg.ScanID] = map[uint64]deliveryState{msg.Sequence: deliveryDone}
		r.retireLocked(msg.ScanID)
	} else {
		scan[msg.Sequence] = deliveryDone
	}
	return Ack{Success: true}
}

// retireLocked remembers a finished scan and forgets the oldest one once
// historySize scans are remembered.
func (r *Receiver) retireLocked(id uuid.UUID) {
	if len(r.finished) < r.historySize {
		r.finished = append(r.finished, id)
		return
	}
	delete(r.seen, r.finished[r.next])
	r.finished[r.next] = id
	r.next = (r.next + 1) % r.historySize
}

// Close stops accepting connections, closes open ones and waits for their
// handlers.
func (r *Receiver) Close() error {
	r.connMu.Lock()
	if r.closed {
		r.connMu.Unlock()
		return nil
	}
	r.closed = true
	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.connMu.Unlock()
	r.wg.Wait()
	return err
}
