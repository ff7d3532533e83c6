package threatintel

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// memoryCache is the first-level reputation cache. Entries expire by TTL;
// when the map outgrows maxEntries the sweep drops everything expired and,
// if still too large, the oldest entries.
type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
}

type memoryEntry struct {
	rep       Reputation
	fetchedAt time.Time
	expiresAt time.Time
}

func newMemoryCache(maxEntries int) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &memoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
	}
}

func (c *memoryCache) get(ip string, now time.Time) (Reputation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok {
		return Reputation{}, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, ip)
		return Reputation{}, false
	}
	return e.rep, true
}

func (c *memoryCache) put(ip string, rep Reputation, now, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = memoryEntry{rep: rep, fetchedAt: now, expiresAt: expires}
	if len(c.entries) > c.maxEntries {
		c.sweepLocked(now)
	}
}

func (c *memoryCache) sweepLocked(now time.Time) {
	for ip, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, ip)
		}
	}
	for len(c.entries) > c.maxEntries {
		oldestIP := ""
		var oldest time.Time
		for ip, e := range c.entries {
			if oldestIP == "" || e.fetchedAt.Before(oldest) {
				oldestIP, oldest = ip, e.fetchedAt
			}
		}
		delete(c.entries, oldestIP)
	}
}

func (c *memoryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// persistentCache stores reputations in a local sqlite database so cached
// intel survives restarts. Enabled by threat_intel.cache_path.
type persistentCache struct {
	db *sql.DB
}

func openPersistentCache(path string) (*persistentCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open reputation cache: %w", err)
	}
	// A single writer keeps modernc's file locking simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_cache (
			ip         TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			fetched_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init reputation cache: %w", err)
	}
	return &persistentCache{db: db}, nil
}

func (p *persistentCache) get(ip string, now time.Time) (Reputation, bool) {
	var payload []byte
	var expiresAt int64
	err := p.db.QueryRow(
		`SELECT payload, expires_at FROM reputation_cache WHERE ip = ?`, ip,
	).Scan(&payload, &expiresAt)
	if err != nil {
		return Reputation{}, false
	}
	if now.Unix() >= expiresAt {
		p.db.Exec(`DELETE FROM reputation_cache WHERE ip = ?`, ip)
		return Reputation{}, false
	}
	var rep Reputation
	if err := json.Unmarshal(payload, &rep); err != nil {
		return Reputation{}, false
	}
	return rep, true
}

func (p *persistentCache) put(ip string, rep Reputation, now, expires time.Time) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO reputation_cache (ip, payload, fetched_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		ip, payload, now.Unix(), expires.Unix())
	return err
}

func (p *persistentCache) prune(now time.Time) {
	p.db.Exec(`DELETE FROM reputation_cache WHERE expires_at <= ?`, now.Unix())
}

func (p *persistentCache) close() error {
	return p.db.Close()
}
