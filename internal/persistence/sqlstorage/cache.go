package sqlstorage

import (
	"database/sql"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const DefaultConnIdleTimeout = 5 * time.Minute

// ConnCache shares one *sql.DB per driver and data source between storages. A pool is
// closed once it has been unused for the idle timeout.
//
// The cache only drives expiry. pools owns the entries, so an expired pool that was not
// swept yet is reused instead of leaked.
type ConnCache struct {
	mu    sync.Mutex
	pools map[string]*cachedConn
	items *cache.Cache
	idle  time.Duration
	log   *log.Entry
}

type cachedConn struct {
	db     *sql.DB
	refs   int
	closed bool
}

type opener func() (*sql.DB, error)

func NewConnCache(idleTimeout time.Duration) *ConnCache {
	if idleTimeout <= 0 {
		idleTimeout = DefaultConnIdleTimeout
	}
	c := &ConnCache{
		pools: make(map[string]*cachedConn),
		items: cache.New(idleTimeout, idleTimeout),
		idle:  idleTimeout,
		log:   log.WithField("component", "sqlstorage"),
	}
	c.items.OnEvicted(c.evicted)
	return c
}

// Acquire returns the pool for driver and dsn, opening it if needed. The returned release
// function must be called exactly once.
func (c *ConnCache) Acquire(driver, dsn string, open opener) (*sql.DB, func(), error) {
	key := driver + "|" + dsn
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.pools[key]
	if !found {
		db, err := open()
		if err != nil {
			return nil, nil, err
		}
		entry = &cachedConn{db: db}
		c.pools[key] = entry
		c.log.WithField("driver", driver).Debug("connection pool opened")
	}
	entry.refs++
	c.items.Set(key, entry, cache.NoExpiration)

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(key, entry) })
	}
	return entry.db, release, nil
}

func (c *ConnCache) release(key string, entry *cachedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.refs--
	if entry.refs > 0 || entry.closed {
		return
	}
	if c.pools[key] == entry {
		c.items.Set(key, entry, c.idle)
	}
}

// evicted runs after the entry expired. An entry acquired again in the meantime is
// referenced and stays open.
func (c *ConnCache) evicted(key string, v interface{}) {
	entry := v.(*cachedConn)
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.refs > 0 || entry.closed || c.pools[key] != entry {
		return
	}
	entry.closed = true
	delete(c.pools, key)
	if err := entry.db.Close(); err != nil {
		c.log.WithError(err).Warn("failed to close idle connection pool")
		return
	}
	c.log.Debug("idle connection pool closed")
}

// Close closes every cached pool, referenced or not.
func (c *ConnCache) Close() error {
	c.mu.Lock()
	entries := c.pools
	c.pools = make(map[string]*cachedConn)
	c.items.Flush()
	var firstErr error
	for _, entry := range entries {
		if entry.closed {
			continue
		}
		entry.closed = true
		if err := entry.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Unlock()
	return firstErr
}

// Len reports the number of cached pools.
func (c *ConnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}
