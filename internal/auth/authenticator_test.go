package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/config"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// issueKey mints a real key + record pair the way keygen does.
func issueKey(t *testing.T, name string, perms config.PermissionSet, expiresAt *time.Time) (string, config.APIKeyRecord) {
	t.Helper()
	raw, err := config.GenerateKey()
	require.NoError(t, err)
	record, err := config.NewAPIKeyRecord(raw, name, perms, 60, expiresAt)
	require.NoError(t, err)
	return raw, *record
}

func newTestAuthenticator(t *testing.T, keys ...config.APIKeyRecord) *Authenticator {
	t.Helper()
	cfg := config.Default().Auth
	cfg.Keys = keys
	return New(cfg, nil)
}

func TestAuthenticate_Success(t *testing.T) {
	raw, record := issueKey(t, "analyst", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, record)

	session, err := a.Authenticate(context.Background(), raw, "conn-1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, record.ID, session.KeyID)
	assert.Equal(t, "conn-1", session.ConnID)
	assert.True(t, session.Permissions.ReadTools)
	assert.False(t, session.Permissions.Admin)
}

func TestAuthenticate_UnknownKeyUniformError(t *testing.T) {
	_, record := issueKey(t, "analyst", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, record)

	other, err := config.GenerateKey()
	require.NoError(t, err)

	_, errUnknown := a.Authenticate(context.Background(), other, "c")
	_, errMalformed := a.Authenticate(context.Background(), "nonsense", "c")

	require.Error(t, errUnknown)
	require.Error(t, errMalformed)
	assert.Equal(t, errUnknown.Error(), errMalformed.Error(),
		"unknown and malformed keys must be indistinguishable")
}

func TestAuthenticate_ExpiredKeyKind(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	raw, record := issueKey(t, "old", config.PermissionSet{ReadTools: true}, &past)
	a := newTestAuthenticator(t, record)

	_, err := a.Authenticate(context.Background(), raw, "c")
	require.Error(t, err)

	var typed *errs.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, errs.CodeAuthRequired, typed.Code)
	assert.Equal(t, errs.KindAuthExpired, typed.Kind)
	assert.Equal(t, "expired", typed.WireData()["kind"])
}

func TestAuthenticate_ReplacesConnSession(t *testing.T) {
	raw, record := issueKey(t, "a", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, record)

	first, err := a.Authenticate(context.Background(), raw, "conn-1")
	require.NoError(t, err)
	second, err := a.Authenticate(context.Background(), raw, "conn-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, a.Sessions().Count(), "one session per connection")
	assert.Error(t, first.Context().Err(), "replaced session context must be canceled")
	assert.NoError(t, second.Context().Err())
}

func TestCheckPermission(t *testing.T) {
	raw, record := issueKey(t, "a", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, record)

	session, err := a.Authenticate(context.Background(), raw, "c")
	require.NoError(t, err)

	assert.True(t, a.CheckPermission(session.ID, "read_tools"))
	assert.False(t, a.CheckPermission(session.ID, "admin"))
	assert.False(t, a.CheckPermission("no-such-session", "read_tools"))
}

func TestRevoke_CancelsSessions(t *testing.T) {
	raw, record := issueKey(t, "a", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, record)

	s1, err := a.Authenticate(context.Background(), raw, "conn-1")
	require.NoError(t, err)
	s2, err := a.Authenticate(context.Background(), raw, "conn-2")
	require.NoError(t, err)

	revoked := a.Revoke(record.ID)
	assert.Equal(t, 2, revoked)
	assert.Error(t, s1.Context().Err())
	assert.Error(t, s2.Context().Err())
	assert.Equal(t, 0, a.Sessions().Count())
}

func TestReplaceKeys_RevokesVanishedKeys(t *testing.T) {
	rawA, recordA := issueKey(t, "keep", config.PermissionSet{ReadTools: true}, nil)
	_, recordB := issueKey(t, "drop", config.PermissionSet{ReadTools: true}, nil)
	a := newTestAuthenticator(t, recordA, recordB)

	sessionA, err := a.Authenticate(context.Background(), rawA, "conn-a")
	require.NoError(t, err)

	a.ReplaceKeys([]config.APIKeyRecord{recordA})
	assert.NoError(t, sessionA.Context().Err(), "surviving key keeps its sessions")

	// The dropped key can no longer authenticate.
	rawB2, _ := issueKey(t, "x", config.PermissionSet{}, nil)
	_, err = a.Authenticate(context.Background(), rawB2, "conn-b")
	assert.Error(t, err)
}

func TestStore_DropConn(t *testing.T) {
	st := NewStore()
	record := config.APIKeyRecord{ID: "k1", RateLimitPerMinute: 60}
	s := st.Create(&record, "conn-9")

	st.DropConn("conn-9")
	assert.Error(t, s.Context().Err())
	assert.Nil(t, st.ByConn("conn-9"))
	assert.Equal(t, 0, st.Count())
}

func TestStore_UsageCounters(t *testing.T) {
	st := NewStore()
	record := config.APIKeyRecord{ID: "k1"}
	s := st.Create(&record, "c")

	st.Touch(s.ID)
	st.Touch(s.ID)

	usage := st.UsageSnapshot()
	require.Contains(t, usage, "k1")
	assert.Equal(t, int64(2), usage["k1"].Calls)
	assert.False(t, usage["k1"].LastUsed.IsZero())
}

func TestOneWayProperty(t *testing.T) {
	raw, record := issueKey(t, "a", config.PermissionSet{}, nil)

	// The stored hash never contains the plaintext and verifies only the
	// original key.
	assert.NotContains(t, record.Hash, raw[len(config.KeyPrefix):])
	assert.True(t, record.Verify(raw))
	assert.False(t, record.Verify(raw+"x"))
	assert.False(t, record.Verify(""))
}
