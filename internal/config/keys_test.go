package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey_Format(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.Len(t, key, len(KeyPrefix)+KeySecretLength)
	assert.True(t, ValidKeyFormat(key))

	// Two keys never collide.
	other, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "valid", key: "dsk_0123456789abcdefABCDEF0123456789", want: true},
		{name: "missing prefix", key: "0123456789abcdefABCDEF0123456789", want: false},
		{name: "wrong prefix", key: "tok_0123456789abcdefABCDEF0123456789", want: false},
		{name: "too short", key: "dsk_abc", want: false},
		{name: "illegal characters", key: "dsk_0123456789abcdef!!!!!!!!!!!!!!!!", want: false},
		{name: "empty", key: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKeyFormat(tt.key))
		})
	}
}

func TestNewAPIKeyRecord_VerifyRoundTrip(t *testing.T) {
	raw, err := GenerateKey()
	require.NoError(t, err)

	record, err := NewAPIKeyRecord(raw, "analyst", PermissionSet{ReadTools: true}, 60, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "analyst", record.Name)
	assert.True(t, strings.HasPrefix(record.Hash, "$2"))
	assert.NotContains(t, record.Hash, raw[len(KeyPrefix):])
	assert.Equal(t, raw[:10], record.Prefix)

	assert.True(t, record.Verify(raw))
	assert.False(t, record.Verify("dsk_wrongwrongwrongwrongwrongwrong00"))
	assert.False(t, record.Verify(""))
}

func TestNewAPIKeyRecord_RejectsMalformed(t *testing.T) {
	_, err := NewAPIKeyRecord("not-a-key", "x", PermissionSet{}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAPIKeyRecord_IsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no expiry", func(t *testing.T) {
		r := APIKeyRecord{}
		assert.False(t, r.IsExpired(now))
	})

	t.Run("future expiry", func(t *testing.T) {
		expiry := now.Add(time.Hour)
		r := APIKeyRecord{ExpiresAt: &expiry}
		assert.False(t, r.IsExpired(now))
	})

	t.Run("past expiry", func(t *testing.T) {
		expiry := now.Add(-time.Hour)
		r := APIKeyRecord{ExpiresAt: &expiry}
		assert.True(t, r.IsExpired(now))
	})
}

func TestAPIKeyRecord_MatchesHint(t *testing.T) {
	r := APIKeyRecord{Prefix: "dsk_abc123"}
	assert.True(t, r.MatchesHint("dsk_abc123restofthekeymaterial000000"))
	assert.False(t, r.MatchesHint("dsk_zzz999restofthekeymaterial000000"))

	// No stored hint means every candidate gets the bcrypt comparison.
	legacy := APIKeyRecord{}
	assert.True(t, legacy.MatchesHint("dsk_anything"))
}

func TestPermissionSet_Has(t *testing.T) {
	tests := []struct {
		name       string
		perms      PermissionSet
		permission string
		want       bool
	}{
		{name: "read granted", perms: PermissionSet{ReadTools: true}, permission: "read_tools", want: true},
		{name: "read denied", perms: PermissionSet{}, permission: "read_tools", want: false},
		{name: "write granted", perms: PermissionSet{WriteBack: true}, permission: "write_back", want: true},
		{name: "write denied", perms: PermissionSet{ReadTools: true}, permission: "write_back", want: false},
		{name: "admin implies read", perms: PermissionSet{Admin: true}, permission: "read_tools", want: true},
		{name: "admin implies write", perms: PermissionSet{Admin: true}, permission: "write_back", want: true},
		{name: "admin itself", perms: PermissionSet{Admin: true}, permission: "admin", want: true},
		{name: "admin denied", perms: PermissionSet{ReadTools: true, WriteBack: true}, permission: "admin", want: false},
		{name: "empty permission always passes", perms: PermissionSet{}, permission: "", want: true},
		{name: "unknown permission", perms: PermissionSet{ReadTools: true}, permission: "launch_missiles", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.perms.Has(tt.permission))
		})
	}
}

func TestAPIKeyRecord_Clone(t *testing.T) {
	expiry := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	perms := PermissionSet{ReadTools: true}
	original := APIKeyRecord{
		ID:          "k1",
		Hash:        "$2a$12$x",
		ExpiresAt:   &expiry,
		Permissions: &perms,
	}

	clone := original.Clone()
	clone.Permissions.Admin = true
	*clone.ExpiresAt = clone.ExpiresAt.Add(time.Hour)

	assert.False(t, original.Permissions.Admin)
	assert.Equal(t, expiry, *original.ExpiresAt)
}

func TestConfig_LookupKey(t *testing.T) {
	rawA, err := GenerateKey()
	require.NoError(t, err)
	rawB, err := GenerateKey()
	require.NoError(t, err)

	recA, err := NewAPIKeyRecord(rawA, "alpha", PermissionSet{ReadTools: true}, 60, nil)
	require.NoError(t, err)
	recB, err := NewAPIKeyRecord(rawB, "bravo", PermissionSet{Admin: true}, 120, nil)
	require.NoError(t, err)

	cfg := Default()
	cfg.Auth.Keys = []APIKeyRecord{*recA, *recB}

	found := cfg.LookupKey(rawB)
	require.NotNil(t, found)
	assert.Equal(t, "bravo", found.Name)

	assert.Nil(t, cfg.LookupKey("dsk_nosuchkeynosuchkeynosuchkey00000"))
	assert.Nil(t, cfg.LookupKey("garbage"))
}

func TestConfig_KeyByID(t *testing.T) {
	cfg := Default()
	cfg.Auth.Keys = []APIKeyRecord{{ID: "k1", Hash: "$2a$12$x"}, {ID: "k2", Hash: "$2a$12$y"}}

	found := cfg.KeyByID("k2")
	require.NotNil(t, found)
	assert.Equal(t, "$2a$12$y", found.Hash)
	assert.Nil(t, cfg.KeyByID("k3"))
}
