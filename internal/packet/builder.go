package packet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Signer produces an ed25519 signature over msg.
type Signer interface {
	Sign(msg []byte) []byte
}

// Builder encodes and signs packets for one device, chaining each data
// packet to the signature of the packet before it.
type Builder struct {
	device uuid.UUID
	signer Signer

	mu   sync.Mutex
	last []byte
}

// NewBuilder creates a Builder. The chain starts from an all-zero
// previous signature.
func NewBuilder(device uuid.UUID, signer Signer) *Builder {
	return &Builder{
		device: device,
		signer: signer,
		last:   make([]byte, ed25519.SignatureSize),
	}
}

// LastSignature returns a copy of the most recent signature.
func (b *Builder) LastSignature() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.last...)
}

// SetLastSignature resumes a chain, e.g. after a restart.
func (b *Builder) SetLastSignature(sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("last signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	b.mu.Lock()
	b.last = append([]byte(nil), sig...)
	b.mu.Unlock()
	return nil
}

// RegistrationValidity is how long a freshly announced key stays valid.
const RegistrationValidity = 365 * 24 * time.Hour

// NewKeyRegistration describes pub as the key of device, valid from now.
func NewKeyRegistration(device uuid.UUID, pub ed25519.PublicKey, now time.Time) KeyRegistration {
	return KeyRegistration{
		Algorithm:      AlgorithmEd25519,
		Created:        now.Unix(),
		HwDeviceID:     append([]byte(nil), device[:]...),
		PubKey:         append([]byte(nil), pub...),
		PubKeyID:       append([]byte(nil), pub...),
		ValidNotBefore: now.Unix(),
		ValidNotAfter:  now.Add(RegistrationValidity).Unix(),
	}
}

// Registration encodes a signed five element key registration packet.
func (b *Builder) Registration(reg KeyRegistration) ([]byte, error) {
	return b.seal(registrationArity, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeInt(VersionSigned); err != nil {
			return err
		}
		if err := enc.EncodeBytes(b.device[:]); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(TypeRegistration)); err != nil {
			return err
		}
		return enc.Encode(&reg)
	})
}

// Data encodes a signed six element data packet carrying payload.
func (b *Builder) Data(typ byte, payload interface{}) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, sig, err := b.sealLocked(dataArity, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeInt(VersionChained); err != nil {
			return err
		}
		if err := enc.EncodeBytes(b.device[:]); err != nil {
			return err
		}
		if err := enc.EncodeBytes(b.last); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(typ)); err != nil {
			return err
		}
		return enc.Encode(payload)
	})
	if err != nil {
		return nil, err
	}
	b.last = sig
	return raw, nil
}

func (b *Builder) seal(n int, body func(*msgpack.Encoder) error) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, _, err := b.sealLocked(n, body)
	return raw, err
}

func (b *Builder) sealLocked(n int, body func(*msgpack.Encoder) error) ([]byte, []byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)

	if err := enc.EncodeArrayLen(n); err != nil {
		return nil, nil, fmt.Errorf("encode header: %w", err)
	}
	if err := body(enc); err != nil {
		return nil, nil, fmt.Errorf("encode body: %w", err)
	}

	digest := sha512.Sum512(buf.Bytes())
	sig := b.signer.Sign(digest[:])
	if err := enc.EncodeBytes(sig); err != nil {
		return nil, nil, fmt.Errorf("encode signature: %w", err)
	}
	return buf.Bytes(), sig, nil
}
