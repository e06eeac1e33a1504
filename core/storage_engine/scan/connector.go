package scan

import (
	"io"
	"net"
	"time"

	"github.com/sushant-115/pagestore/pkg/connection"
)

// Conn is one backend connection.
type Conn interface {
	io.ReadWriter
	// Close hands the connection back for reuse.
	Close() error
	// ForceClose drops a connection after a fault.
	ForceClose() error
}

// Connector opens backend connections.
type Connector interface {
	// Connect returns a pooled connection.
	Connect() (Conn, error)
	// ConnectFresh dials a connection that is not shared with any task.
	ConnectFresh() (Conn, error)
}

// PoolConnector connects to one backend address through a connection pool.
type PoolConnector struct {
	Pool    *connection.ConnectionPoolManager
	Address string
}

func (c *PoolConnector) Connect() (Conn, error) {
	return c.Pool.Get(c.Address)
}

func (c *PoolConnector) ConnectFresh() (Conn, error) {
	conn, err := c.Pool.Dial(c.Address)
	if err != nil {
		return nil, err
	}
	return freshConn{conn}, nil
}

type freshConn struct {
	net.Conn
}

func (c freshConn) ForceClose() error { return c.Conn.Close() }

// setDeadline bounds the ack wait when the connection supports deadlines.
func setDeadline(c Conn, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if d, ok := c.(interface{ SetDeadline(time.Time) error }); ok {
		d.SetDeadline(time.Now().Add(timeout))
	}
}
