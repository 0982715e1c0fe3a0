package ca

import (
	"container/list"
	"crypto/tls"
	"sync"
	"time"
)

const (
	defaultCapacity = 1000
	defaultTTL      = 24 * time.Hour
	evictFraction   = 0.25
)

// Cache is an LRU cache of minted leaf certificates keyed by host (SNI or
// connection IP fallback), grounded in the teacher's certcache.go but
// rebuilt on container/list instead of a hand-rolled slice-as-order-list.
type Cache struct {
	ca       *CA
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element // host -> element wrapping *cacheEntry
	order   *list.List               // front = most recently used
}

type cacheEntry struct {
	host     string
	cert     *tls.Certificate
	mintedAt time.Time
}

// NewCache builds a cache backed by ca. capacity <= 0 and ttl <= 0 fall back
// to the documented defaults (1000 entries, 24h TTL).
func NewCache(ca *CA, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		ca:       ca,
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetCertificate implements tls.Config.GetCertificate: it resolves the
// requested SNI host to a cached or freshly minted leaf certificate.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = fallbackHost(hello)
	}
	return c.Get(host)
}

// GetWithSANs is Get with additional subject alternative names appended to
// any freshly minted certificate. sans only take effect the first time host
// is minted; a cache hit returns the certificate as originally issued.
func (c *Cache) GetWithSANs(host string, sans ...string) (*tls.Certificate, error) {
	return c.get(host, sans)
}

func fallbackHost(hello *tls.ClientHelloInfo) string {
	if hello.Conn == nil {
		return "localhost"
	}
	addr := hello.Conn.LocalAddr()
	if addr == nil {
		return "localhost"
	}
	return addr.String()
}

// Get returns a cached certificate for host, minting and inserting one if
// absent or expired.
func (c *Cache) Get(host string) (*tls.Certificate, error) {
	return c.get(host, nil)
}

func (c *Cache) get(host string, sans []string) (*tls.Certificate, error) {
	c.mu.Lock()
	if el, ok := c.entries[host]; ok {
		entry := el.Value.(*cacheEntry)
		if time.Since(entry.mintedAt) < c.ttl {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return entry.cert, nil
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	der, key, err := c.ca.MintLeaf(host, sans...)
	if err != nil {
		return nil, err
	}
	tlsCert := &tls.Certificate{
		Certificate: [][]byte{der, c.ca.RootDER()},
		PrivateKey:  key,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	entry := &cacheEntry{host: host, cert: tlsCert, mintedAt: time.Now()}
	el := c.order.PushFront(entry)
	c.entries[host] = el
	return tlsCert, nil
}

// evictOldest drops the oldest quarter of entries when the cache is full,
// per §4.B's "evict oldest 25% when full" rule — amortizes eviction cost
// across many insertions instead of evicting one entry per insertion.
func (c *Cache) evictOldest() {
	n := len(c.entries) / 4
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.host)
	c.order.Remove(el)
}

// Len reports the number of cached entries, for status/metrics reporting.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes all entries older than the cache's TTL. Intended to be
// called on a schedule (internal/sched) rather than relying solely on
// lazy expiry at Get time.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	var next *list.Element
	for el := c.order.Back(); el != nil; el = next {
		next = el.Prev()
		entry := el.Value.(*cacheEntry)
		if time.Since(entry.mintedAt) >= c.ttl {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}
