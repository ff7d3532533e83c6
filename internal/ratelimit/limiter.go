// Package ratelimit admits requests through two composed algorithms: a
// token bucket per api key and sliding windows per connection and globally.
// A request proceeds only when every applicable limit admits it.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config tunes the limiter.
type Config struct {
	// DefaultPerMinute is the token refill rate for keys without an explicit limit.
	DefaultPerMinute int
	// Burst is the token bucket capacity.
	Burst int
	// PerConnPerMinute caps requests per connection in any trailing 60s.
	PerConnPerMinute int
	// GlobalPerMinute caps requests across all connections in any trailing 60s.
	GlobalPerMinute int
	// CleanupInterval controls how often idle entries are evicted.
	CleanupInterval time.Duration
	// IdleTTL is how long an unused key bucket survives.
	IdleTTL time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		DefaultPerMinute: 60,
		Burst:            10,
		PerConnPerMinute: 120,
		GlobalPerMinute:  600,
		CleanupInterval:  5 * time.Minute,
		IdleTTL:          10 * time.Minute,
	}
}

type keyEntry struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// window is a trailing 60 second sliding window of admission timestamps.
type window struct {
	stamps []time.Time
	limit  int
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// admits reports whether one more request fits, and if not, how long until
// the oldest stamp leaves the window.
func (w *window) admits(now time.Time) (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}
	w.prune(now)
	if len(w.stamps) < w.limit {
		return true, 0
	}
	return false, w.stamps[0].Add(time.Minute).Sub(now)
}

func (w *window) record(now time.Time) {
	if w.limit <= 0 {
		return
	}
	w.stamps = append(w.stamps, now)
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	keys   map[string]*keyEntry
	conns  map[string]*window
	global *window

	admitted atomic.Int64
	rejected atomic.Int64

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLimiter creates a limiter and starts its idle-entry cleanup loop.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.DefaultPerMinute <= 0 {
		cfg.DefaultPerMinute = def.DefaultPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}

	l := &Limiter{
		cfg:    cfg,
		keys:   make(map[string]*keyEntry),
		conns:  make(map[string]*window),
		global: &window{limit: cfg.GlobalPerMinute},
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// SetKeyLimit pins a key's tokens-per-minute rate, replacing its bucket when
// the rate changed. Zero resets the key to the default.
func (l *Limiter) SetKeyLimit(keyID string, perMinute int) {
	if perMinute <= 0 {
		perMinute = l.cfg.DefaultPerMinute
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.keys[keyID]; ok {
		if entry.perMin == perMinute {
			return
		}
	}
	l.keys[keyID] = &keyEntry{
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), l.cfg.Burst),
		perMin:   perMinute,
		lastSeen: l.now(),
	}
}

// Allow decides whether a request on the given key and connection proceeds.
// An empty keyID (pre-auth traffic) is subject to the window limits only.
// All applicable limits must admit; the longest retry hint wins.
func (l *Limiter) Allow(keyID, connID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var retryAfter time.Duration
	allowed := true

	connWin := l.connWindowLocked(connID)
	if ok, wait := connWin.admits(now); !ok {
		allowed = false
		retryAfter = maxDuration(retryAfter, wait)
	}
	if ok, wait := l.global.admits(now); !ok {
		allowed = false
		retryAfter = maxDuration(retryAfter, wait)
	}

	var reservation *rate.Reservation
	if keyID != "" {
		entry := l.keyEntryLocked(keyID, now)
		reservation = entry.limiter.ReserveN(now, 1)
		if !reservation.OK() {
			allowed = false
		} else if wait := reservation.DelayFrom(now); wait > 0 {
			allowed = false
			retryAfter = maxDuration(retryAfter, wait)
		}
	}

	if !allowed {
		// Roll back the token so a rejected request costs nothing.
		if reservation != nil && reservation.OK() {
			reservation.CancelAt(now)
		}
		l.rejected.Add(1)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	connWin.record(now)
	l.global.record(now)
	l.admitted.Add(1)
	return true, 0
}

// ReleaseConn drops per-connection state when a transport closes it.
func (l *Limiter) ReleaseConn(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

// Stats is the limiter counters snapshot.
type Stats struct {
	Admitted    int64 `json:"admitted"`
	Rejected    int64 `json:"rejected"`
	TrackedKeys int   `json:"tracked_keys"`
	TrackedConn int   `json:"tracked_connections"`
}

// Snapshot returns current counters.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	keys := len(l.keys)
	conns := len(l.conns)
	l.mu.Unlock()

	return Stats{
		Admitted:    l.admitted.Load(),
		Rejected:    l.rejected.Load(),
		TrackedKeys: keys,
		TrackedConn: conns,
	}
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Limiter) keyEntryLocked(keyID string, now time.Time) *keyEntry {
	entry, ok := l.keys[keyID]
	if !ok {
		entry = &keyEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.DefaultPerMinute)/60.0), l.cfg.Burst),
			perMin:  l.cfg.DefaultPerMinute,
		}
		l.keys[keyID] = entry
	}
	entry.lastSeen = now
	return entry
}

func (l *Limiter) connWindowLocked(connID string) *window {
	win, ok := l.conns[connID]
	if !ok {
		win = &window{limit: l.cfg.PerConnPerMinute}
		l.conns[connID] = win
	}
	return win
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for keyID, entry := range l.keys {
		if now.Sub(entry.lastSeen) > l.cfg.IdleTTL {
			delete(l.keys, keyID)
			evicted++
		}
	}
	for connID, win := range l.conns {
		win.prune(now)
		if len(win.stamps) == 0 {
			delete(l.conns, connID)
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("rate limiter evicted idle key buckets")
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
