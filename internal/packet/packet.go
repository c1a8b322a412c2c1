// Package packet implements the chained, signed msgpack packet format
// emitted by the sensor.
//
// A packet is a msgpack array. Registration packets carry five elements
// (version, deviceId, type, payload, signature), data packets carry six
// (version, deviceId, prevSignature, type, payload, signature). The
// signature is an ed25519 signature over the SHA-512 digest of every
// encoded byte preceding the signature element.
package packet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"firestige.xyz/custody/internal/core"
)

const (
	// TypeRegistration marks a key registration packet.
	TypeRegistration byte = 0x01
	// TypeData is the type byte the simulator uses for sensor readings.
	TypeData byte = 0x00

	// VersionSigned is the protocol version of plain signed packets.
	VersionSigned = 0x12
	// VersionChained is the protocol version of chained packets.
	VersionChained = 0x13

	// AlgorithmEd25519 names the key algorithm in registration payloads.
	AlgorithmEd25519 = "ECC_ED25519"

	registrationArity = 5
	dataArity         = 6
)

// Kind tags the decoded variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindRegistration
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Packet is either a *Registration or a *Data.
type Packet interface {
	Kind() Kind
	Common() *Header
}

// Header holds the fields shared by both variants plus the encoded form.
type Header struct {
	Version   int
	DeviceID  uuid.UUID
	Type      byte
	Signature []byte

	raw       []byte
	signedLen int
}

// Common returns the shared header.
func (h *Header) Common() *Header { return h }

// Raw returns the complete encoded packet.
func (h *Header) Raw() []byte { return h.raw }

// SignedBytes returns the encoded bytes covered by the signature: all
// bytes preceding the signature element.
func (h *Header) SignedBytes() []byte { return h.raw[:h.signedLen] }

// Digest returns the SHA-512 content hash of SignedBytes.
func (h *Header) Digest() []byte {
	sum := sha512.Sum512(h.SignedBytes())
	return sum[:]
}

// KeyRegistration is the payload of a registration packet.
type KeyRegistration struct {
	Algorithm      string `msgpack:"algorithm"`
	Created        int64  `msgpack:"created"`
	HwDeviceID     []byte `msgpack:"hwDeviceId"`
	PubKey         []byte `msgpack:"pubKey"`
	PubKeyID       []byte `msgpack:"pubKeyId"`
	ValidNotAfter  int64  `msgpack:"validNotAfter"`
	ValidNotBefore int64  `msgpack:"validNotBefore"`
}

// PublicKey returns the embedded ed25519 public key.
func (k *KeyRegistration) PublicKey() (ed25519.PublicKey, error) {
	if len(k.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has %d bytes", core.ErrMalformedPacket, len(k.PubKey))
	}
	return ed25519.PublicKey(k.PubKey), nil
}

// Registration announces a device's public key.
type Registration struct {
	Header
	Payload KeyRegistration
}

// Kind implements Packet.
func (*Registration) Kind() Kind { return KindRegistration }

// Data carries an opaque payload chained to the previous signature.
type Data struct {
	Header
	PrevSignature []byte
	// Payload is the msgpack encoding of the payload element.
	Payload msgpack.RawMessage
}

// Kind implements Packet.
func (*Data) Kind() Kind { return KindData }

// Peek classifies an encoded packet by its array header alone. Anything
// that is not a five or six element array wraps core.ErrUnknownPacket.
func Peek(raw []byte) (Kind, error) {
	n, err := msgpack.NewDecoder(bytes.NewReader(raw)).DecodeArrayLen()
	if err != nil {
		return KindUnknown, fmt.Errorf("%w: %v", core.ErrUnknownPacket, err)
	}
	switch n {
	case registrationArity:
		return KindRegistration, nil
	case dataArity:
		return KindData, nil
	default:
		return KindUnknown, fmt.Errorf("%w: array of %d elements", core.ErrUnknownPacket, n)
	}
}

// Decode classifies and decodes an encoded packet. A five element array
// with type 0x01 yields a *Registration, a six element array a *Data;
// any other shape returns an error wrapping core.ErrUnknownPacket.
func Decode(raw []byte) (Packet, error) {
	r := bytes.NewReader(raw)
	d := &decoder{raw: raw, r: r, dec: msgpack.NewDecoder(r)}

	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedPacket, err)
	}

	switch n {
	case registrationArity:
		return d.registration()
	case dataArity:
		return d.data()
	default:
		return nil, fmt.Errorf("%w: array of %d elements", core.ErrUnknownPacket, n)
	}
}

// Verify checks the packet signature against pub.
func Verify(pub ed25519.PublicKey, p Packet) error {
	h := p.Common()
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size %d", core.ErrBadSignature, len(pub))
	}
	if !ed25519.Verify(pub, h.Digest(), h.Signature) {
		return core.ErrBadSignature
	}
	return nil
}

// decoder tracks the read offset so the signed span is derived from
// the encoding itself rather than a fixed trailer length.
type decoder struct {
	raw []byte
	r   *bytes.Reader
	dec *msgpack.Decoder
}

func (d *decoder) offset() int { return len(d.raw) - d.r.Len() }

func (d *decoder) malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrMalformedPacket, field, err)
}

func (d *decoder) common(h *Header) error {
	version, err := d.dec.DecodeInt()
	if err != nil {
		return d.malformed("version", err)
	}
	id, err := d.dec.DecodeBytes()
	if err != nil {
		return d.malformed("deviceId", err)
	}
	deviceID, err := uuid.FromBytes(id)
	if err != nil {
		return d.malformed("deviceId", err)
	}
	h.Version = version
	h.DeviceID = deviceID
	h.raw = d.raw
	return nil
}

func (d *decoder) typ() (byte, error) {
	t, err := d.dec.DecodeUint8()
	if err != nil {
		return 0, d.malformed("type", err)
	}
	return t, nil
}

// signature reads the trailing signature element and records where it
// starts.
func (d *decoder) signature(h *Header) error {
	h.signedLen = d.offset()
	sig, err := d.dec.DecodeBytes()
	if err != nil {
		return d.malformed("signature", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return d.malformed("signature", fmt.Errorf("got %d bytes", len(sig)))
	}
	if d.r.Len() != 0 {
		return d.malformed("signature", fmt.Errorf("%d trailing bytes", d.r.Len()))
	}
	h.Signature = sig
	return nil
}

func (d *decoder) registration() (Packet, error) {
	p := &Registration{}
	if err := d.common(&p.Header); err != nil {
		return nil, err
	}
	t, err := d.typ()
	if err != nil {
		return nil, err
	}
	if t != TypeRegistration {
		return nil, fmt.Errorf("%w: five element packet with type 0x%02x", core.ErrUnknownPacket, t)
	}
	p.Type = t
	if err := d.dec.Decode(&p.Payload); err != nil {
		return nil, d.malformed("payload", err)
	}
	if err := d.signature(&p.Header); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *decoder) data() (Packet, error) {
	p := &Data{}
	if err := d.common(&p.Header); err != nil {
		return nil, err
	}
	prev, err := d.dec.DecodeBytes()
	if err != nil {
		return nil, d.malformed("prevSignature", err)
	}
	if len(prev) != ed25519.SignatureSize {
		return nil, d.malformed("prevSignature", fmt.Errorf("got %d bytes", len(prev)))
	}
	p.PrevSignature = prev
	if p.Type, err = d.typ(); err != nil {
		return nil, err
	}
	if p.Payload, err = d.dec.DecodeRaw(); err != nil {
		return nil, d.malformed("payload", err)
	}
	if err := d.signature(&p.Header); err != nil {
		return nil, err
	}
	return p, nil
}
