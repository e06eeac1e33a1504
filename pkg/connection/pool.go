// Package connection pools stream connections to the backend processes a
// storage node streams page pins to. Connections are keyed by address and
// may be TCP or unix sockets.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// Dialer opens a connection. net.Dialer.DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// PooledConn is a wrapper around net.Conn that includes a reference to the pool
// it belongs to. This allows for easy connection releasing.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. It doesn't actually close the underlying
// connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying connection permanently and frees its
// place in the pool.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// hostPool manages a pool of connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	closed   bool
	// freed is signalled when a connection slot is given up.
	freed chan struct{}
}

// ConnectionPoolManager manages multiple hostPools, one for each remote address.
type ConnectionPoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	network string
	maxSize int
	timeout time.Duration
	dial    Dialer
}

// NewConnectionPoolManager creates a manager for connection pools.
// network is "tcp" or "unix"; maxSize is the maximum number of open
// connections per address; timeout bounds each dial.
func NewConnectionPoolManager(network string, maxSize int, timeout time.Duration) *ConnectionPoolManager {
	if network == "" {
		network = "tcp"
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	d := &net.Dialer{Timeout: timeout}
	return &ConnectionPoolManager{
		pools:   make(map[string]*hostPool),
		network: network,
		maxSize: maxSize,
		timeout: timeout,
		dial:    d.DialContext,
	}
}

// WithDialer replaces the dial function. It must be called before the
// first Get.
func (m *ConnectionPoolManager) WithDialer(d Dialer) *ConnectionPoolManager {
	m.dial = d
	return m
}

func (m *ConnectionPoolManager) Network() string { return m.network }

// Get retrieves a connection from the pool for the specified address,
// dialing when the pool has room and blocking when it does not.
func (m *ConnectionPoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: func() (net.Conn, error) { return m.Dial(address) },
				maxSize: m.maxSize,
				freed:   make(chan struct{}, 1),
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Dial opens a connection that does not belong to any pool.
func (m *ConnectionPoolManager) Dial(address string) (net.Conn, error) {
	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.dial(ctx, m.network, address)
}

func (p *hostPool) get() (net.Conn, error) {
	for {
		select {
		case conn, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			return conn, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.numConns < p.maxSize {
			p.numConns++
			p.mu.Unlock()
			conn, err := p.factory()
			if err != nil {
				p.discard()
				return nil, err
			}
			return conn, nil
		}
		p.mu.Unlock()

		// Pool is full: wait for a connection to come back or a slot to free up.
		select {
		case conn, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			return conn, nil
		case <-p.freed:
		}
	}
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		p.numConns--
		return
	}
	select {
	case p.conns <- conn:
	default:
		conn.Close()
		p.numConns--
	}
}

func (p *hostPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Close shuts down every pool, closing idle connections. Connections in
// use are closed when they are returned.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.numConns--
	}
}
