// Package auth guards the control API with a bearer token whose bcrypt hash is
// kept in the state directory.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenFileName is the hash file inside the state directory.
const TokenFileName = "api-token.hash"

// bcryptCost is lowered in tests.
var bcryptCost = bcrypt.DefaultCost

// ErrNoToken is returned when no token has been provisioned yet.
var ErrNoToken = errors.New("api token not initialised")

// Manager validates bearer tokens against the stored hash.
type Manager struct {
	path string

	mu       sync.Mutex
	hash     []byte
	verified string
}

// NewManager returns a manager for the hash file under stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{path: filepath.Join(stateDir, TokenFileName)}
}

// Path returns the hash file location.
func (m *Manager) Path() string {
	return m.path
}

// EnsureToken creates a token on first use. The plain token is returned only
// when it was just created; it is never stored.
func (m *Manager) EnsureToken() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.loadLocked(); err == nil {
		return "", false, nil
	} else if !errors.Is(err, ErrNoToken) {
		return "", false, err
	}
	token, err := m.rotateLocked()
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// RegenerateToken replaces the stored hash and returns the new token.
func (m *Manager) RegenerateToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

// ValidateToken reports whether token matches the stored hash.
func (m *Manager) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verified != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.verified)) == 1 {
		return true
	}
	hash, err := m.loadLocked()
	if err != nil {
		return false
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
		return false
	}
	m.verified = token
	return true
}

func (m *Manager) loadLocked() ([]byte, error) {
	if m.hash != nil {
		return m.hash, nil
	}
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	hash := []byte(strings.TrimSpace(string(raw)))
	if len(hash) == 0 {
		return nil, ErrNoToken
	}
	m.hash = hash
	return hash, nil
}

func (m *Manager) rotateLocked() (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return "", err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, append(hash, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write token hash: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write token hash: %w", err)
	}
	m.hash = hash
	m.verified = ""
	return token, nil
}

// generateToken returns a random 32-byte hex string.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
