// Package connection provides a robust and thread-safe TCP connection pool.
// It is designed to manage and reuse connections to multiple remote hosts,
// which is ideal for a coordinator driving the two-phase protocol against
// many remote resource managers.
package connection

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn is a wrapper around net.Conn that includes a reference to the pool
// it belongs to. This allows for easy connection releasing.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. It doesn't actually close the underlying
// TCP connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil // Mark as closed
	return nil
}

// ForceClose closes the underlying TCP connection permanently and does not return it to the pool.
func (c *PooledConn) ForceClose() error {
	pool := c.pool
	c.pool = nil
	if pool != nil {
		pool.drop()
	}
	return c.Conn.Close()
}

// hostPool manages a pool of connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int // Current number of connections created
	address  string
}

// PoolManager manages multiple hostPools, one for each remote resource manager.
type PoolManager struct {
	mu        sync.RWMutex
	pools     map[string]*hostPool
	maxSize   int // Default max size for new pools
	timeout   time.Duration
	tlsConfig *tls.Config // nil for plaintext connections
}

// NewPoolManager creates a new manager for connection pools.
// maxSize is the maximum number of open connections per remote host.
// timeout is the connection timeout for creating new connections.
// tlsConfig, when non-nil, makes every dialed connection a TLS connection.
func NewPoolManager(maxSize int, timeout time.Duration, tlsConfig *tls.Config) *PoolManager {
	return &PoolManager{
		pools:     make(map[string]*hostPool),
		maxSize:   maxSize,
		timeout:   timeout,
		tlsConfig: tlsConfig,
	}
}

// Get retrieves a connection from the pool for the specified address.
// If no pool exists for the address, it creates one.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			factory := func() (net.Conn, error) {
				dialer := &net.Dialer{Timeout: m.timeout}
				if m.tlsConfig != nil {
					return tls.DialWithDialer(dialer, "tcp", address, m.tlsConfig)
				}
				return dialer.Dial("tcp", address)
			}
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: factory,
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}

	return &PooledConn{Conn: conn, pool: pool}, nil
}

// get retrieves a connection from a specific host's pool.
func (p *hostPool) get() (net.Conn, error) {
	// Try to get an existing connection from the channel
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		// Channel is empty, try to create a new connection if not at max size
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		// Pool is full, block and wait for a connection to be returned
		return <-p.conns, nil
	}
}

// put returns a connection to the pool.
func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}

	select {
	case p.conns <- conn:
		// Connection returned to pool
	default:
		// Pool is full, close the connection
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

// drop accounts for a connection that was force-closed by its holder.
func (p *hostPool) drop() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down the entire connection pool manager, closing all connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

// close shuts down a specific host's pool.
func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
