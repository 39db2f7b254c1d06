// Package secrets stores host connection passwords encrypted at rest using
// AES-256-GCM with a key derived from the machine ID using Argon2id. The
// inventory resolves passwords through this store at connect time so they
// never sit in the fleet file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (RFC 9106 recommendations)
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen  = 32
	nonceLen = 12 // GCM standard nonce size

	secretsFile = "secrets.enc"
	saltFile    = "salt"

	// Default data directory
	DefaultDataDir = "/var/lib/opsgate"
)

// ErrNotFound is returned when a host has no stored password.
var ErrNotFound = errors.New("no stored secret for host")

// Store manages the encrypted host-password map.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// NewStore creates a new secret store rooted at dataDir.
func NewStore(dataDir string) *Store {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	return &Store{dataDir: dataDir}
}

// Exists checks whether any secrets have been stored.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, secretsFile))
	return err == nil
}

// Set stores or replaces the password for one host.
func (s *Store) Set(hostID, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	m[hostID] = password
	return s.save(m)
}

// Get returns the stored password for a host.
func (s *Store) Get(hostID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return "", err
	}
	pw, ok := m[hostID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, hostID)
	}
	return pw, nil
}

// Delete removes one host's password. Deleting an absent entry is a no-op.
func (s *Store) Delete(hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[hostID]; !ok {
		return nil
	}
	delete(m, hostID)
	return s.save(m)
}

// load decrypts the full map, returning an empty map when nothing is stored.
func (s *Store) load() (map[string]string, error) {
	path := filepath.Join(s.dataDir, secretsFile)
	ciphertext, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}

	salt, err := os.ReadFile(filepath.Join(s.dataDir, saltFile))
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	key, err := deriveKey(salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	var m map[string]string
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return m, nil
}

func (s *Store) save(m map[string]string) error {
	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return fmt.Errorf("load/create salt: %w", err)
	}
	key, err := deriveKey(salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	path := filepath.Join(s.dataDir, secretsFile)
	if err := os.WriteFile(path, ciphertext, 0600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}

// loadOrCreateSalt loads existing salt or creates a new one.
func (s *Store) loadOrCreateSalt() ([]byte, error) {
	saltPath := filepath.Join(s.dataDir, saltFile)

	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// deriveKey derives the encryption key from the machine ID and salt.
func deriveKey(salt []byte) ([]byte, error) {
	machineID, err := getMachineID()
	if err != nil {
		return nil, fmt.Errorf("get machine ID: %w", err)
	}
	return argon2.IDKey(machineID, salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// getMachineID reads the machine ID from the system, falling back to the
// hostname on machines without one.
func getMachineID() ([]byte, error) {
	id, err := os.ReadFile("/etc/machine-id")
	if err == nil && len(id) > 0 {
		return id, nil
	}

	id, err = os.ReadFile("/var/lib/dbus/machine-id")
	if err == nil && len(id) > 0 {
		return id, nil
	}

	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		return []byte(hostname), nil
	}

	return nil, errors.New("machine ID not found")
}

// encrypt encrypts plaintext using AES-256-GCM, prepending the nonce.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts ciphertext produced by encrypt.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:nonceLen]
	return gcm.Open(nil, nonce, ciphertext[nonceLen:], nil)
}
