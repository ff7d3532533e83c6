package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks every issued api key.
	KeyPrefix = "dsk_"
	// KeySecretLength is the number of random base62 characters after the prefix.
	KeySecretLength = 32
	// BcryptCost trades verification latency for brute-force resistance.
	BcryptCost = 12

	keyHintLength = 10
	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// ErrInvalidKey is returned for empty or malformed key material.
var ErrInvalidKey = errors.New("invalid api key")

// PermissionSet is the capability grant carried by a key.
type PermissionSet struct {
	ReadTools bool `yaml:"read_tools" json:"read_tools"`
	WriteBack bool `yaml:"write_back" json:"write_back"`
	Admin     bool `yaml:"admin" json:"admin"`
}

// Has reports whether the named permission is granted. Admin implies all.
func (p PermissionSet) Has(permission string) bool {
	if p.Admin {
		return true
	}
	switch permission {
	case "read_tools":
		return p.ReadTools
	case "write_back":
		return p.WriteBack
	case "admin":
		return p.Admin
	case "":
		return true
	default:
		return false
	}
}

// APIKeyRecord stores hashed key material and its grants. The plaintext key
// exists only in the issuer's terminal; the hash is never logged.
type APIKeyRecord struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Hash      string     `yaml:"hash" json:"hash"`
	Prefix    string     `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`

	Permissions        *PermissionSet `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	RateLimitPerMinute int            `yaml:"rate_limit_per_minute,omitempty" json:"rate_limit_per_minute,omitempty"`
}

// normalize applies issuer defaults to omitted fields and sanity-checks the
// record. Called during Validate.
func (r *APIKeyRecord) normalize(defaults AuthDefaults) error {
	if r.Hash == "" {
		return fmt.Errorf("%w: missing hash", ErrInvalidKey)
	}
	if !strings.HasPrefix(r.Hash, "$2") {
		return fmt.Errorf("%w: hash is not a bcrypt digest", ErrInvalidKey)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Permissions == nil {
		perms := defaults.Permissions
		r.Permissions = &perms
	}
	if r.RateLimitPerMinute <= 0 {
		r.RateLimitPerMinute = defaults.RateLimitPerMinute
	}
	if r.ExpiresAt == nil && defaults.ExpirationDays > 0 {
		expiry := r.CreatedAt.Add(time.Duration(defaults.ExpirationDays) * 24 * time.Hour)
		r.ExpiresAt = &expiry
	}
	return nil
}

// IsExpired reports whether the key has passed its expiry.
func (r *APIKeyRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// EffectivePermissions returns the grant set, empty when unset.
func (r *APIKeyRecord) EffectivePermissions() PermissionSet {
	if r.Permissions == nil {
		return PermissionSet{}
	}
	return *r.Permissions
}

// Verify compares a presented plaintext key against the stored hash in
// constant time (bcrypt's comparison is not length-leaking).
func (r *APIKeyRecord) Verify(rawKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(r.Hash), []byte(rawKey)) == nil
}

// MatchesHint reports whether a presented key could be this record, used to
// narrow candidates before the expensive bcrypt comparison.
func (r *APIKeyRecord) MatchesHint(rawKey string) bool {
	if r.Prefix == "" {
		return true
	}
	return strings.HasPrefix(rawKey, r.Prefix)
}

// Clone returns a copy with duplicated pointer fields.
func (r *APIKeyRecord) Clone() APIKeyRecord {
	clone := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		clone.ExpiresAt = &t
	}
	if r.Permissions != nil {
		p := *r.Permissions
		clone.Permissions = &p
	}
	return clone
}

// GenerateKey produces a fresh plaintext api key.
func GenerateKey() (string, error) {
	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := 0; i < KeySecretLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key material: %w", err)
		}
		sb.WriteByte(base62Alphabet[n.Int64()])
	}
	return sb.String(), nil
}

// ValidKeyFormat checks the shape of a presented key before any lookup.
func ValidKeyFormat(rawKey string) bool {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return false
	}
	secret := rawKey[len(KeyPrefix):]
	if len(secret) < 16 {
		return false
	}
	for i := 0; i < len(secret); i++ {
		if !strings.ContainsRune(base62Alphabet, rune(secret[i])) {
			return false
		}
	}
	return true
}

// NewAPIKeyRecord hashes a plaintext key into a storable record.
func NewAPIKeyRecord(rawKey, name string, perms PermissionSet, rpm int, expiresAt *time.Time) (*APIKeyRecord, error) {
	if !ValidKeyFormat(rawKey) {
		return nil, ErrInvalidKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	record := &APIKeyRecord{
		ID:                 uuid.NewString(),
		Name:               name,
		Hash:               string(hash),
		Prefix:             keyHint(rawKey),
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          expiresAt,
		Permissions:        &perms,
		RateLimitPerMinute: rpm,
	}
	return record, nil
}

// keyHint returns the leading characters stored for candidate narrowing.
// Short enough to be useless for recovery, long enough to be selective.
func keyHint(rawKey string) string {
	if len(rawKey) >= keyHintLength {
		return rawKey[:keyHintLength]
	}
	return rawKey
}

// LookupKey finds the record matching a presented plaintext key, or nil.
func (c *Config) LookupKey(rawKey string) *APIKeyRecord {
	if !ValidKeyFormat(rawKey) {
		return nil
	}
	for i := range c.Auth.Keys {
		record := &c.Auth.Keys[i]
		if !record.MatchesHint(rawKey) {
			continue
		}
		if record.Verify(rawKey) {
			return record
		}
	}
	return nil
}

// KeyByID finds a record by id, or nil.
func (c *Config) KeyByID(keyID string) *APIKeyRecord {
	for i := range c.Auth.Keys {
		if c.Auth.Keys[i].ID == keyID {
			return &c.Auth.Keys[i]
		}
	}
	return nil
}
