package relay

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"firestige.xyz/custody/internal/core"
)

// Separator splits the anchor reference from the hex packet.
const Separator = '|'

// legacyNoAnchor is what older gateways wrote for a missing anchor.
const legacyNoAnchor = "None"

// Encode frames raw as "<anchor>|<lowercase hex>". An empty anchor
// means the packet was not anchored.
func Encode(anchor string, raw []byte) []byte {
	out := make([]byte, 0, len(anchor)+1+hex.EncodedLen(len(raw)))
	out = append(out, anchor...)
	out = append(out, Separator)
	n := len(out)
	out = out[:n+hex.EncodedLen(len(raw))]
	hex.Encode(out[n:], raw)
	return out
}

// Decode splits msg on the first separator and hex decodes the packet.
// Surrounding whitespace of the packet part is ignored.
func Decode(msg []byte) (string, []byte, error) {
	i := bytes.IndexByte(msg, Separator)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: missing %q separator", core.ErrMalformedPacket, Separator)
	}
	anchor := string(msg[:i])
	if anchor == legacyNoAnchor {
		anchor = ""
	}
	payload := bytes.TrimSpace(msg[i+1:])
	raw := make([]byte, hex.DecodedLen(len(payload)))
	if _, err := hex.Decode(raw, payload); err != nil {
		return anchor, nil, fmt.Errorf("%w: %v", core.ErrMalformedPacket, err)
	}
	return anchor, raw, nil
}
