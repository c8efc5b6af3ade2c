package wire

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// Pool caches Conns by address, evicting and closing the least recently
// used Conn when more than its size are cached.
type Pool struct {
	dialer Dialer

	mu    sync.Mutex
	cache *lru.Cache
}

// NewPool returns a Pool dialing with |dialer| which caches up to |size| Conns.
func NewPool(dialer Dialer, size int) *Pool {
	var cache, err = lru.NewWithEvict(size, func(key, value interface{}) {
		log.WithField("addr", key).Debug("closing pooled connection")
		_ = value.(*Conn).Close()
	})
	if err != nil {
		panic(err) // Only errors on size <= 0.
	}
	return &Pool{dialer: dialer, cache: cache}
}

// Get a cached Conn to |addr|, or dial one. A cached Conn which is broken
// is closed and replaced.
func (p *Pool) Get(ctx context.Context, addr string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.cache.Get(addr); ok {
		if conn := v.(*Conn); !conn.Broken() {
			return conn, nil
		}
		p.cache.Remove(addr)
	}
	var conn, err = p.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.cache.Add(addr, conn)
	return conn, nil
}

// Evict and close the Conn of |addr|, if it's cached.
func (p *Pool) Evict(addr string) {
	p.mu.Lock()
	p.cache.Remove(addr)
	p.mu.Unlock()
}

// Close all cached Conns.
func (p *Pool) Close() {
	p.mu.Lock()
	p.cache.Purge()
	p.mu.Unlock()
}
