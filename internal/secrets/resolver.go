// Package secrets resolves vault:// references in the configuration tree by
// invoking an external vault CLI. Plaintext values live only in process
// memory; they are never written to disk or logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftsec/dshield-mcp/internal/config"
)

// Scheme marks a config value as a secret reference.
const Scheme = "vault://"

// maxSecretBytes caps CLI output so a misbehaving vault binary cannot balloon
// process memory.
const maxSecretBytes = 64 * 1024

// ErrResolveFailed wraps any vault CLI failure.
var ErrResolveFailed = errors.New("secret resolution failed")

// runCommand is swapped in tests to avoid spawning a real vault binary.
var runCommand = runCommandCapped

// Resolver fetches secrets through the configured external CLI and caches
// them for the process lifetime.
type Resolver struct {
	mu      sync.Mutex
	cfg     config.SecretsConfig
	cache   map[string]string
	timeout time.Duration
}

// NewResolver builds a resolver around the configured vault CLI.
func NewResolver(cfg config.SecretsConfig) *Resolver {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		cfg:     cfg,
		cache:   make(map[string]string),
		timeout: timeout,
	}
}

// IsReference reports whether a config value names a vault secret.
func IsReference(value string) bool {
	return strings.HasPrefix(value, Scheme)
}

// ResolveTree replaces every vault:// reference among the config's registered
// secret fields. A failed non-optional secret aborts startup; a failed
// optional one keeps the reference so the dependent feature reports unhealthy.
func (r *Resolver) ResolveTree(ctx context.Context, cfg *config.Config) error {
	for _, field := range cfg.SecretFields() {
		if field.Value == nil || !IsReference(*field.Value) {
			continue
		}
		path := strings.TrimPrefix(*field.Value, Scheme)

		plaintext, err := r.Resolve(ctx, path)
		if err != nil {
			if field.Optional {
				log.Warn().
					Str("config_path", field.Path).
					Str("vault_path", path).
					Err(err).
					Msg("Optional secret resolution failed; leaving reference in place")
				continue
			}
			return fmt.Errorf("resolve %s (%s%s): %w", field.Path, Scheme, path, err)
		}

		*field.Value = plaintext
		log.Info().
			Str("config_path", field.Path).
			Str("vault_path", path).
			Msg("Resolved secret reference")
	}
	return nil
}

// Resolve fetches one secret by vault path, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty vault path", ErrResolveFailed)
	}

	r.mu.Lock()
	if cached, ok := r.cache[path]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string(nil), r.cfg.Args...), path)
	output, err := runCommand(lookupCtx, r.cfg.Command, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}

	plaintext := strings.TrimRight(string(output), "\r\n")
	if plaintext == "" {
		return "", fmt.Errorf("%w: vault returned an empty value for %s", ErrResolveFailed, path)
	}

	r.mu.Lock()
	r.cache[path] = plaintext
	r.mu.Unlock()
	return plaintext, nil
}

// CachedCount reports how many secrets are held in memory.
func (r *Resolver) CachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// runCommandCapped runs the CLI and captures stdout up to maxSecretBytes.
// Oversized output kills the process and fails the lookup.
func runCommandCapped(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	output := make([]byte, 0, 256)
	buf := make([]byte, 4096)
	exceeded := false

	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			remaining := maxSecretBytes - len(output)
			if n <= remaining {
				output = append(output, buf[:n]...)
			} else {
				output = append(output, buf[:remaining]...)
				exceeded = true
			}
			if exceeded && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = cmd.Wait()
			return nil, readErr
		}
	}

	waitErr := cmd.Wait()
	if exceeded {
		return nil, fmt.Errorf("vault output exceeds %d bytes", maxSecretBytes)
	}
	if waitErr != nil {
		return nil, waitErr
	}
	return output, nil
}
