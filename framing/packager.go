package framing

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/klauspost/compress/s2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Payload flags, the first byte of every sealed payload
const (
	FlagCompressed = 0x01
	FlagEncrypted  = 0x02
	FlagHandshake  = 0x80
)

// KeySize is the length of the payload encryption key
const KeySize = chacha20poly1305.KeySize

// Options selects the transformations applied by a Packager
type Options struct {
	Compress bool
	Key      []byte
}

// Packager seals payloads into framed messages and opens them again.
// Compression (S2) is applied before encryption (ChaCha20-Poly1305, random nonce ahead of the ciphertext).
type Packager struct {
	compress bool
	aead     cipher.AEAD
}

func NewPackager(opts Options) (*Packager, error) {
	p := &Packager{compress: opts.Compress}
	if len(opts.Key) > 0 {
		aead, err := chacha20poly1305.New(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("framing: invalid key: %w", err)
		}
		p.aead = aead
	}
	return p, nil
}

// Encrypted reports whether sealed payloads are encrypted
func (p *Packager) Encrypted() bool {
	return p.aead != nil
}

func (p *Packager) Compressed() bool {
	return p.compress
}

// Seal transforms payload and returns it framed, ready to be written
func (p *Packager) Seal(payload []byte) ([]byte, error) {
	var flags byte
	body := payload
	if p.compress {
		body = s2.Encode(nil, body)
		flags |= FlagCompressed
	}
	if p.aead != nil {
		nonce := make([]byte, p.aead.NonceSize(), p.aead.NonceSize()+len(body)+p.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("framing: nonce: %w", err)
		}
		flags |= FlagEncrypted
		body = p.aead.Seal(nonce, nonce, body, []byte{flags})
	}
	return AddHeader(append([]byte{flags}, body...)), nil
}

// Open reverses Seal on a reassembled payload and returns the original bytes with the flags they carried
func (p *Packager) Open(msg []byte) ([]byte, byte, error) {
	if len(msg) == 0 {
		return nil, 0, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	flags, body := msg[0], msg[1:]

	if flags&FlagEncrypted != 0 {
		if p.aead == nil {
			return nil, flags, fmt.Errorf("%w: encrypted payload without key", ErrUnsupported)
		}
		ns := p.aead.NonceSize()
		if len(body) < ns+p.aead.Overhead() {
			return nil, flags, fmt.Errorf("%w: encrypted payload of %d bytes", ErrMalformed, len(body))
		}
		plain, err := p.aead.Open(nil, body[:ns], body[ns:], []byte{flags})
		if err != nil {
			return nil, flags, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		body = plain
	}
	if flags&FlagCompressed != 0 {
		plain, err := s2.Decode(nil, body)
		if err != nil {
			return nil, flags, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		body = plain
	}
	return body, flags, nil
}
