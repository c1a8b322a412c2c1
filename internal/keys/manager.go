// Package keys manages the lifecycle of the per-device ed25519 signing
// key: load from the key store, create and persist on first run, sign,
// and pack a self-signed key registration.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/custody/internal/core"
	"firestige.xyz/custody/internal/keystore"
	"firestige.xyz/custody/internal/packet"
)

// TimeFormat is the millisecond precision UTC layout used in
// registration payloads.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Manager owns the signing key of one device identity.
type Manager struct {
	store    *keystore.Store
	identity string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// Open loads the signing key for identity from store, creating and
// persisting a new one when the store has no entry for it.
func Open(store *keystore.Store, identity string) (*Manager, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: cannot load key from key store", core.ErrMissingIdentity)
	}
	m := &Manager{store: store, identity: identity}
	if _, err := m.EnsureKeyPair(identity); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureKeyPair loads or creates the key pair stored under identity and
// returns its public key. When identity is the manager's own identity
// the key becomes the active signing key.
func (m *Manager) EnsureKeyPair(identity string) (ed25519.PublicKey, error) {
	if identity == "" {
		return nil, core.ErrMissingIdentity
	}

	priv, ok, err := m.store.PrivateKey(identity)
	if err != nil {
		return nil, err
	}
	if ok {
		slog.Info("loaded signing key", "identity", identity)
	} else {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		if err := m.store.SetPrivateKey(identity, priv); err != nil {
			return nil, err
		}
		if err := m.store.Save(); err != nil {
			return nil, err
		}
		slog.Info("created new signing key", "identity", identity)
	}

	pub := priv.Public().(ed25519.PublicKey)
	if identity == m.identity {
		m.priv = priv
		m.pub = pub
	}
	return pub, nil
}

// Identity returns the device identity the manager signs for.
func (m *Manager) Identity() string { return m.identity }

// PublicKey returns the active verifying key.
func (m *Manager) PublicKey() ed25519.PublicKey { return m.pub }

// Sign signs msg with the active key.
func (m *Manager) Sign(msg []byte) []byte { return ed25519.Sign(m.priv, msg) }

var _ packet.Signer = (*Manager)(nil)

// PubKeyInfo describes a public key for the key service. Field order
// is alphabetical so the struct encodes canonically.
type PubKeyInfo struct {
	Algorithm      string `json:"algorithm"`
	Created        string `json:"created"`
	HwDeviceID     string `json:"hwDeviceId"`
	PubKey         string `json:"pubKey"`
	PubKeyID       string `json:"pubKeyId"`
	ValidNotAfter  string `json:"validNotAfter"`
	ValidNotBefore string `json:"validNotBefore"`
}

// KeyRegistration is a self-signed public key announcement.
type KeyRegistration struct {
	PubKeyInfo PubKeyInfo `json:"pubKeyInfo"`
	Signature  string     `json:"signature"`
}

// PackKeyRegistration builds the key registration for the active key,
// valid from now for one year, signed over the canonical JSON encoding
// of PubKeyInfo.
func (m *Manager) PackKeyRegistration(now time.Time) (*KeyRegistration, error) {
	now = now.UTC()
	pubKey := base64.StdEncoding.EncodeToString(m.pub)

	info := PubKeyInfo{
		Algorithm:      packet.AlgorithmEd25519,
		Created:        now.Format(TimeFormat),
		HwDeviceID:     m.identity,
		PubKey:         pubKey,
		PubKeyID:       pubKey,
		ValidNotAfter:  now.Add(packet.RegistrationValidity).Format(TimeFormat),
		ValidNotBefore: now.Format(TimeFormat),
	}

	enc, err := Canonical(info)
	if err != nil {
		return nil, err
	}
	return &KeyRegistration{
		PubKeyInfo: info,
		Signature:  base64.StdEncoding.EncodeToString(m.Sign(enc)),
	}, nil
}

// Canonical encodes v as JSON with sorted keys, no insignificant
// whitespace and no HTML escaping.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	// Round trip through a generic value so map keys come out sorted
	// regardless of struct field order.
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
