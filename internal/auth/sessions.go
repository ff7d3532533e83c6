// Package auth validates opaque bearer keys and binds them to sessions. The
// server stores only bcrypt hashes; a presented key is narrowed by its stored
// prefix hint and then compared in constant time.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftsec/dshield-mcp/internal/config"
)

// Session binds one authenticated connection to an api key.
type Session struct {
	ID           string
	KeyID        string
	KeyName      string
	ConnID       string
	CreatedAt    time.Time
	LastActivity time.Time
	Permissions  config.PermissionSet
	RateLimit    int
	ExpiresAt    *time.Time

	// cancel aborts every in-flight request bound to this session.
	cancel context.CancelFunc
	// ctx is the session lifetime; request contexts derive from it.
	ctx context.Context
}

// Context returns the session lifetime context. Requests derive their
// cancellable scopes from it so revocation propagates to in-flight work.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Usage tracks per-key call counters, mutated on every dispatch.
type Usage struct {
	Calls    int64     `json:"calls"`
	LastUsed time.Time `json:"last_used"`
}

// Store owns the session table. One session per connection; sessions die on
// connection close, key revocation, or server shutdown.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byConn   map[string]*Session
	usage    map[string]*Usage // key id → counters
	now      func() time.Time
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// NewStore creates an empty session store.
func NewStore() *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		byID:     make(map[string]*Session),
		byConn:   make(map[string]*Session),
		usage:    make(map[string]*Usage),
		now:      time.Now,
		baseCtx:  ctx,
		baseStop: cancel,
	}
}

// Create binds a validated key record to a connection, replacing any prior
// session on that connection.
func (st *Store) Create(record *config.APIKeyRecord, connID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if old, ok := st.byConn[connID]; ok {
		st.dropLocked(old)
	}

	ctx, cancel := context.WithCancel(st.baseCtx)
	now := st.now()
	s := &Session{
		ID:           uuid.NewString(),
		KeyID:        record.ID,
		KeyName:      record.Name,
		ConnID:       connID,
		CreatedAt:    now,
		LastActivity: now,
		Permissions:  record.EffectivePermissions(),
		RateLimit:    record.RateLimitPerMinute,
		ExpiresAt:    record.ExpiresAt,
		ctx:          ctx,
		cancel:       cancel,
	}
	st.byID[s.ID] = s
	st.byConn[connID] = s
	return s
}

// ByConn returns the session bound to a connection, or nil.
func (st *Store) ByConn(connID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byConn[connID]
}

// ByID returns a session by id, or nil.
func (st *Store) ByID(sessionID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byID[sessionID]
}

// Touch updates last-activity and the key usage counters.
func (st *Store) Touch(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[sessionID]
	if !ok {
		return
	}
	now := st.now()
	s.LastActivity = now

	u, ok := st.usage[s.KeyID]
	if !ok {
		u = &Usage{}
		st.usage[s.KeyID] = u
	}
	u.Calls++
	u.LastUsed = now
}

// DropConn destroys the session bound to a connection, if any. In-flight
// requests on it observe context cancellation.
func (st *Store) DropConn(connID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.byConn[connID]; ok {
		st.dropLocked(s)
	}
}

// RevokeKey destroys every session holding the key and returns how many died.
func (st *Store) RevokeKey(keyID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	revoked := 0
	for _, s := range st.byID {
		if s.KeyID == keyID {
			st.dropLocked(s)
			revoked++
		}
	}
	if revoked > 0 {
		log.Info().Str("key_id", keyID).Int("sessions", revoked).Msg("Revoked key sessions")
	}
	return revoked
}

// Shutdown cancels every session context.
func (st *Store) Shutdown() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.baseStop()
	st.byID = make(map[string]*Session)
	st.byConn = make(map[string]*Session)
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// UsageSnapshot copies the per-key counters.
func (st *Store) UsageSnapshot() map[string]Usage {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make(map[string]Usage, len(st.usage))
	for keyID, u := range st.usage {
		out[keyID] = *u
	}
	return out
}

func (st *Store) dropLocked(s *Session) {
	s.cancel()
	delete(st.byID, s.ID)
	delete(st.byConn, s.ConnID)
}
