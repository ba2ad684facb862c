// Package httppool maintains a small per-destination pool of HTTP/1.1
// client connections to local services, avoiding pipelining: each in-flight
// request holds a distinct pooled connection.
package httppool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// entry is one pooled connection.
type entry struct {
	conn   net.Conn
	reader *bufio.Reader
	broken bool
}

// isValid reports whether the pooled entry can still be lent out. It never
// writes to the socket to check liveness; a half-open TCP connection may
// escape detection until the first request fails, which is an accepted
// limitation (no cheap non-destructive liveness probe exists for idle
// HTTP/1.1 connections).
func (e *entry) isValid() bool { return !e.broken }

// Pool manages one address's lending pool.
type Pool struct {
	addr string

	mu        sync.Mutex
	idle      []*entry
	maxIdle   int
	dialer    net.Dialer
}

// Manager keys pools by "host:port".
type Manager struct {
	mu    sync.Mutex
	pools map[string]*Pool

	maxIdlePerHost int
	dialTimeout    time.Duration
}

// NewManager builds a Manager with sensible pool-builder defaults.
func NewManager() *Manager {
	return &Manager{
		pools:          make(map[string]*Pool),
		maxIdlePerHost: 8,
		dialTimeout:    10 * time.Second,
	}
}

func (m *Manager) poolFor(addr string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[addr]; ok {
		return p
	}
	p := &Pool{addr: addr, maxIdle: m.maxIdlePerHost, dialer: net.Dialer{Timeout: m.dialTimeout}}
	m.pools[addr] = p
	return p
}

// Lease obtains a connection to addr, from the idle pool if one is valid,
// otherwise by dialing a new TCP connection.
func (m *Manager) Lease(ctx context.Context, addr string) (*Lease, error) {
	p := m.poolFor(addr)

	p.mu.Lock()
	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if e.isValid() {
			p.mu.Unlock()
			return &Lease{pool: p, entry: e}, nil
		}
	}
	p.mu.Unlock()

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httppool: connect %s: %w", addr, err)
	}
	e := &entry{conn: conn, reader: bufio.NewReader(conn)}
	return &Lease{pool: p, entry: e}, nil
}

// Lease is one borrowed connection. Call Return or Discard when done (Return
// puts it back in the idle pool; Discard marks it broken and closes it).
type Lease struct {
	pool  *Pool
	entry *entry
}

// Conn returns the underlying connection for writing the request.
func (l *Lease) Conn() net.Conn { return l.entry.conn }

// Reader returns the buffered reader for reading the response, preserving
// any bytes read ahead across calls on the same lease.
func (l *Lease) Reader() *bufio.Reader { return l.entry.reader }

// ReadResponse reads one HTTP response off the lease using the standard
// library's response parser.
func (l *Lease) ReadResponse(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(l.entry.reader, req)
}

// Return puts the connection back in its pool's idle list for reuse,
// subject to the pool's max-idle limit (oldest idle entries are dropped
// first when the pool is full).
func (l *Lease) Return() {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.maxIdle {
		_ = p.idle[0].conn.Close()
		p.idle = p.idle[1:]
	}
	p.idle = append(p.idle, l.entry)
}

// Discard marks the connection broken (has_broken) and closes it instead
// of returning it to the pool.
func (l *Lease) Discard() {
	l.entry.broken = true
	_ = l.entry.conn.Close()
}
