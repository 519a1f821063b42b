package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = stderrors.New("client: pool closed")

// DefaultMaxIdle bounds the idle stack of a pool
const DefaultMaxIdle = 16

// Pool keeps idle connections to one server address. Connections are reused
// last-in first-out and are not health checked while idle.
type Pool struct {
	network string
	address string
	maxIdle int
	dialer  net.Dialer

	mu     sync.Mutex
	idle   []net.Conn
	closed bool
}

// NewPool creates a pool for network/address. maxIdle <= 0 uses DefaultMaxIdle.
func NewPool(network, address string, maxIdle int) *Pool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Pool{
		network: network,
		address: address,
		maxIdle: maxIdle,
		dialer:  net.Dialer{Timeout: 5 * time.Second},
	}
}

// Acquire returns an idle connection or dials a new one
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dialer.DialContext(ctx, p.network, p.address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s %s: %w", p.network, p.address, err)
	}
	return conn, nil
}

// Release returns a healthy connection to the pool
func (p *Pool) Release(conn net.Conn) {
	conn.SetDeadline(time.Time{})

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Discard closes a connection that must not be reused
func (p *Pool) Discard(conn net.Conn) {
	conn.Close()
}

// Idle returns the number of idle connections
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle connections. Connections in use are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
