// Package secret owns the shared signing secret.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// secretBytes is the entropy of a generated secret (256 bits).
const secretBytes = 32

// Manager holds the secret for the lifetime of the process. The value is
// read or created once; it only rotates when the file is removed and the
// process restarts.
type Manager struct {
	value []byte
	path  string
	ttl   time.Duration
}

// Load reads the secret at path, or generates and persists a new one with
// owner-only permissions when the file is missing or empty.
func Load(path string, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	logger = logger.With("component", "secret")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if v := strings.TrimSpace(string(data)); v != "" {
			warnPermissions(path, logger)
			return &Manager{value: []byte(v), path: path, ttl: ttl}, nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("secret: read %s: %w", path, err)
	}

	v, err := generate()
	if err != nil {
		return nil, err
	}
	if err := persist(path, v); err != nil {
		return nil, err
	}
	logger.Info("generated new shared secret", "path", path)
	return &Manager{value: []byte(v), path: path, ttl: ttl}, nil
}

// Secret returns the cached secret.
func (m *Manager) Secret() []byte {
	return m.value
}

// TTL is how long callers may cache the secret before refetching.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Path returns the file the secret is persisted in.
func (m *Manager) Path() string {
	return m.path
}

func generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secret: generate: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func persist(path, v string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("secret: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(v+"\n"), 0o600); err != nil {
		return fmt.Errorf("secret: write %s: %w", path, err)
	}
	// WriteFile leaves the mode of an existing file untouched.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("secret: chmod %s: %w", path, err)
	}
	return nil
}

func warnPermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("secret file is readable by group/others; consider chmod 600",
			"path", path,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
