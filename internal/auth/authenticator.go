package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/ratelimit"
)

// Authenticator validates presented api keys and manages the session table.
// The key set comes from config and may be swapped on a config reload.
type Authenticator struct {
	mu       sync.RWMutex
	keys     []config.APIKeyRecord
	defaults config.AuthDefaults

	sessions *Store
	limiter  *ratelimit.Limiter
	now      func() time.Time
}

// New builds an authenticator over the configured key set.
func New(cfg config.AuthConfig, limiter *ratelimit.Limiter) *Authenticator {
	a := &Authenticator{
		defaults: cfg.Defaults,
		sessions: NewStore(),
		limiter:  limiter,
		now:      time.Now,
	}
	a.ReplaceKeys(cfg.Keys)
	return a
}

// Sessions exposes the session store to the facade.
func (a *Authenticator) Sessions() *Store {
	return a.sessions
}

// ReplaceKeys swaps the key set (config reload path). Keys that disappeared
// are revoked; their sessions observe cancellation.
func (a *Authenticator) ReplaceKeys(keys []config.APIKeyRecord) {
	a.mu.Lock()
	oldIDs := make(map[string]bool, len(a.keys))
	for i := range a.keys {
		oldIDs[a.keys[i].ID] = true
	}
	a.keys = make([]config.APIKeyRecord, len(keys))
	for i, k := range keys {
		a.keys[i] = k.Clone()
		delete(oldIDs, k.ID)
		if a.limiter != nil && k.RateLimitPerMinute > 0 {
			a.limiter.SetKeyLimit(k.ID, k.RateLimitPerMinute)
		}
	}
	a.mu.Unlock()

	for vanished := range oldIDs {
		a.Revoke(vanished)
	}
}

// Authenticate validates a presented key and binds a session to the
// connection. Failures are uniform AUTH_REQUIRED errors except expiry, which
// is disambiguated via data.kind so operators know to rotate.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey, connID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !config.ValidKeyFormat(apiKey) {
		return nil, errs.AuthRequired("invalid api key")
	}

	record := a.lookup(apiKey)
	if record == nil {
		// Deliberately the same error as a format failure: no oracle for
		// which keys exist.
		return nil, errs.AuthRequired("invalid api key")
	}
	if record.IsExpired(a.now()) {
		log.Warn().Str("key_id", record.ID).Msg("Rejected expired api key")
		return nil, errs.AuthExpired()
	}

	session := a.sessions.Create(record, connID)
	log.Info().
		Str("session_id", session.ID).
		Str("key_id", record.ID).
		Str("conn_id", connID).
		Msg("Session established")
	return session, nil
}

// CheckPermission reports whether the session grants the permission.
func (a *Authenticator) CheckPermission(sessionID, permission string) bool {
	s := a.sessions.ByID(sessionID)
	if s == nil {
		return false
	}
	return s.Permissions.Has(permission)
}

// Revoke destroys all sessions holding the key. In-flight requests observe
// cancellation and surface AUTH_REVOKED.
func (a *Authenticator) Revoke(keyID string) int {
	return a.sessions.RevokeKey(keyID)
}

// lookup narrows candidates by prefix hint, then verifies the bcrypt hash.
func (a *Authenticator) lookup(apiKey string) *config.APIKeyRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.keys {
		record := &a.keys[i]
		if !record.MatchesHint(apiKey) {
			continue
		}
		if record.Verify(apiKey) {
			clone := record.Clone()
			return &clone
		}
	}
	return nil
}
