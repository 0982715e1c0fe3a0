package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// upstreamKey identifies a pool of connections to one origin, per §4.H
// ("Reuse connections to (host, port, scheme) via a pool keyed on that
// triple").
type upstreamKey struct {
	scheme string
	host   string
	port   int
}

func (k upstreamKey) String() string {
	return fmt.Sprintf("%s://%s:%d", k.scheme, k.host, k.port)
}

// upstreamPool hands out net.Conns to origins, reusing idle ones and
// capping concurrency per key at maxPerKey, grounded in the teacher's
// http.Transport-backed client (internal/proxy/proxy.go) but made explicit
// since the codec layer here bypasses net/http entirely.
type upstreamPool struct {
	mu             sync.Mutex
	idle           map[upstreamKey][]net.Conn
	tickets        map[upstreamKey]chan struct{}
	maxPerKey      int
	connectTimeout time.Duration
}

func newUpstreamPool(maxPerKey int, connectTimeout time.Duration) *upstreamPool {
	if maxPerKey <= 0 {
		maxPerKey = 16
	}
	return &upstreamPool{
		idle:           map[upstreamKey][]net.Conn{},
		tickets:        map[upstreamKey]chan struct{}{},
		maxPerKey:      maxPerKey,
		connectTimeout: connectTimeout,
	}
}

func (p *upstreamPool) ticketChan(key upstreamKey) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.tickets[key]
	if !ok {
		ch = make(chan struct{}, p.maxPerKey)
		for i := 0; i < p.maxPerKey; i++ {
			ch <- struct{}{}
		}
		p.tickets[key] = ch
	}
	return ch
}

// acquire returns a usable connection to key, reusing an idle one if
// available, otherwise blocking for a concurrency ticket and dialing fresh.
func (p *upstreamPool) acquire(ctx context.Context, key upstreamKey) (net.Conn, error) {
	p.mu.Lock()
	if pool := p.idle[key]; len(pool) > 0 {
		conn := pool[len(pool)-1]
		p.idle[key] = pool[:len(pool)-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	tickets := p.ticketChan(key)
	select {
	case <-tickets:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := p.dial(ctx, key)
	if err != nil {
		tickets <- struct{}{}
		return nil, err
	}
	return &pooledConn{Conn: conn, pool: p, key: key, tickets: tickets}, nil
}

func (p *upstreamPool) dial(ctx context.Context, key upstreamKey) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.connectTimeout}
	addr := net.JoinHostPort(key.host, itoa(key.port))
	if key.scheme == "https" {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: key.host}}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// release returns conn to the pool if reusable, or discards it and frees
// its concurrency ticket otherwise.
func (p *upstreamPool) release(conn net.Conn, reusable bool) {
	pc, ok := conn.(*pooledConn)
	if !ok {
		conn.Close()
		return
	}
	if !reusable {
		pc.Conn.Close()
		pc.tickets <- struct{}{}
		return
	}
	p.mu.Lock()
	p.idle[pc.key] = append(p.idle[pc.key], pc)
	p.mu.Unlock()
}

// pooledConn tags a net.Conn with the key and ticket it was acquired under
// so release() can return it to the right bucket without a second map
// lookup keyed on the connection itself.
type pooledConn struct {
	net.Conn
	pool    *upstreamPool
	key     upstreamKey
	tickets chan struct{}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
