// Package keystore implements a password protected file of private
// key entries keyed by device identity.
//
// The file is a JSON header carrying Argon2id parameters and an
// XChaCha20-Poly1305 sealed entry table. Private keys are stored as
// PKCS#8 documents.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"firestige.xyz/custody/internal/core"
)

const (
	formatVersion = 1
	kdfAlgorithm  = "argon2id"
	keyLen        = chacha20poly1305.KeySize
	saltLen       = 32
)

var aad = []byte("custody-keystore-v1")

// KDFParams are the Argon2id cost parameters.
type KDFParams struct {
	Memory      uint32 `json:"m"` // KiB
	Iterations  uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
}

// DefaultKDF suits a gateway class machine.
var DefaultKDF = KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}

type fileHeader struct {
	Version int       `json:"version"`
	KDF     kdfHeader `json:"kdf"`
	Sealed  []byte    `json:"sealed"` // nonce || AEAD(entries)
}

type kdfHeader struct {
	Algo string `json:"algo"`
	KDFParams
	Salt []byte `json:"salt"`
}

// Entry is one private key record.
type Entry struct {
	Alias   string    `json:"alias"`
	PKCS8   []byte    `json:"pkcs8"`
	Created time.Time `json:"created"`
}

// Option configures a Store created from scratch.
type Option func(*Store)

// WithKDF overrides the Argon2id parameters used for new stores.
func WithKDF(p KDFParams) Option {
	return func(s *Store) { s.kdf = p }
}

// Store is an unlocked key store.
type Store struct {
	path     string
	password []byte
	kdf      KDFParams
	salt     []byte

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the store at path with password. A missing file yields a
// new empty store that is written on the first Save.
func Open(path, password string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		password: []byte(password),
		kdf:      DefaultKDF,
		entries:  make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("creating new key store", "path", path)
		s.salt = make([]byte, saltLen)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key store %s: %w", path, err)
	}

	if err := s.unlock(data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) unlock(data []byte) error {
	var h fileHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("failed to parse key store %s: %w", s.path, err)
	}
	if h.Version != formatVersion {
		return fmt.Errorf("unsupported key store version %d", h.Version)
	}
	if h.KDF.Algo != kdfAlgorithm {
		return fmt.Errorf("unsupported key store kdf %q", h.KDF.Algo)
	}

	s.kdf = h.KDF.KDFParams
	s.salt = h.KDF.Salt

	plain, err := open(s.deriveKey(), h.Sealed)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrKeyStoreLocked, s.path, err)
	}
	if err := json.Unmarshal(plain, &s.entries); err != nil {
		return fmt.Errorf("failed to parse key store entries: %w", err)
	}
	return nil
}

func (s *Store) deriveKey() []byte {
	return argon2.IDKey(s.password, s.salt, s.kdf.Iterations, s.kdf.Memory, s.kdf.Parallelism, keyLen)
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Aliases lists stored identities in sorted order.
func (s *Store) Aliases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for alias := range s.entries {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// PrivateKey returns the ed25519 key stored under alias. The boolean
// reports whether an entry exists.
func (s *Store) PrivateKey(alias string) (ed25519.PrivateKey, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[alias]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(e.PKCS8)
	if err != nil {
		return nil, true, fmt.Errorf("failed to parse private key %s: %w", alias, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, true, fmt.Errorf("private key %s is %T, not ed25519", alias, key)
	}
	return priv, true, nil
}

// SetPrivateKey stores priv under alias as a PKCS#8 document carrying
// the Ed25519 algorithm identifier (1.3.101.112). Call Save to persist.
func (s *Store) SetPrivateKey(alias string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to encode private key %s: %w", alias, err)
	}
	s.mu.Lock()
	s.entries[alias] = Entry{Alias: alias, PKCS8: der, Created: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

// Save seals the entry table and atomically replaces the store file.
func (s *Store) Save() error {
	s.mu.RLock()
	plain, err := json.Marshal(s.entries)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode key store entries: %w", err)
	}

	sealed, err := seal(s.deriveKey(), plain)
	if err != nil {
		return fmt.Errorf("failed to seal key store: %w", err)
	}

	data, err := json.MarshalIndent(fileHeader{
		Version: formatVersion,
		KDF:     kdfHeader{Algo: kdfAlgorithm, KDFParams: s.kdf, Salt: s.salt},
		Sealed:  sealed,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace key store: %w", err)
	}
	return nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("ciphertext too short")
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], aad)
}
