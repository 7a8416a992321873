package framing

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// HandshakeVersion is the handshake revision this package speaks
const HandshakeVersion = 1

// Handshake is the identity and capability exchange that precedes data on a transport
type Handshake struct {
	Version    uint8    `cbor:"1,keyasint"`
	Identity   string   `cbor:"2,keyasint"`
	Protocols  []string `cbor:"3,keyasint,omitempty"`
	Compress   bool     `cbor:"4,keyasint"`
	Encrypt    bool     `cbor:"5,keyasint"`
	MaxPayload int      `cbor:"6,keyasint,omitempty"`
}

// EncodeHandshake returns the framed handshake message; handshakes are never compressed or encrypted
func EncodeHandshake(h Handshake) ([]byte, error) {
	body, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("framing: encode handshake: %w", err)
	}
	return AddHeader(append([]byte{FlagHandshake}, body...)), nil
}

// DecodeHandshake decodes a reassembled handshake payload
func DecodeHandshake(msg []byte) (Handshake, error) {
	var h Handshake
	if len(msg) == 0 || msg[0]&FlagHandshake == 0 {
		return h, fmt.Errorf("%w: not a handshake", ErrMalformed)
	}
	if err := cbor.Unmarshal(msg[1:], &h); err != nil {
		return h, fmt.Errorf("%w: handshake: %v", ErrMalformed, err)
	}
	return h, nil
}

// Negotiate returns the settings both sides support: the lower version, the protocols
// common to both in local order, and compression or encryption only when both ask for it.
func Negotiate(local, remote Handshake) (Handshake, error) {
	agreed := Handshake{
		Version:  min(local.Version, remote.Version),
		Identity: local.Identity,
		Compress: local.Compress && remote.Compress,
		Encrypt:  local.Encrypt && remote.Encrypt,
	}
	if agreed.Version == 0 {
		return agreed, fmt.Errorf("%w: version 0", ErrNegotiation)
	}

	for _, p := range local.Protocols {
		if slices.Contains(remote.Protocols, p) {
			agreed.Protocols = append(agreed.Protocols, p)
		}
	}
	if len(local.Protocols) > 0 && len(remote.Protocols) > 0 && len(agreed.Protocols) == 0 {
		return agreed, fmt.Errorf("%w: no common protocol", ErrNegotiation)
	}

	switch {
	case local.MaxPayload == 0:
		agreed.MaxPayload = remote.MaxPayload
	case remote.MaxPayload == 0:
		agreed.MaxPayload = local.MaxPayload
	default:
		agreed.MaxPayload = min(local.MaxPayload, remote.MaxPayload)
	}
	return agreed, nil
}
