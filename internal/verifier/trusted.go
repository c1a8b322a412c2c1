package verifier

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"firestige.xyz/custody/internal/core"
	"firestige.xyz/custody/internal/packet"
)

// TrustedKey holds the public key data packets are checked against.
// The key is replaced by every registration packet whose self-signature
// verifies (trust on first use, and on every later use).
type TrustedKey struct {
	mu  sync.Mutex
	key ed25519.PublicKey
}

// NewTrustedKey creates a TrustedKey, optionally pre-seeded with key.
func NewTrustedKey(key ed25519.PublicKey) *TrustedKey {
	t := &TrustedKey{}
	if key != nil {
		t.key = append(ed25519.PublicKey(nil), key...)
	}
	return t
}

// Current returns a copy of the trusted key, or nil.
func (t *TrustedKey) Current() ed25519.PublicKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), t.key...)
}

// Check verifies p and, for a registration packet, adopts its key. The
// read, verify and update steps happen under one lock, so concurrent
// connections observe key updates in a total order.
func (t *TrustedKey) Check(p packet.Packet) (replaced bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p := p.(type) {
	case *packet.Registration:
		embedded, err := p.Payload.PublicKey()
		if err != nil {
			return false, err
		}
		if err := packet.Verify(embedded, p); err != nil {
			return false, err
		}
		t.key = append(ed25519.PublicKey(nil), embedded...)
		return true, nil
	case *packet.Data:
		if t.key == nil {
			return false, core.ErrNoTrustedKey
		}
		return false, packet.Verify(t.key, p)
	default:
		return false, fmt.Errorf("%w: %s", core.ErrUnknownPacket, p.Kind())
	}
}
