// Package symmetric provides the gateway session cipher: a stream cipher
// keyed by a handshake-derived encryption key, combined with an
// encrypt-then-MAC binary frame format. Unlike an AEAD construction, the
// cipher and the authentication tag are independent primitives — this
// matches the wire layout of protocol.WrapBinaryFrame/UnwrapBinaryFrame,
// which this package builds on.
package symmetric

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/veilmesh/veilmesh/pkg/protocol"
)

const (
	// KeySize is the size of both the encryption key and the MAC key.
	KeySize = chacha20.KeySize
	// IVSize is the stream cipher nonce size.
	IVSize = chacha20.NonceSize
)

var (
	ErrInvalidKeySize = errors.New("symmetric: key must be 32 bytes")
	ErrInvalidIVSize  = errors.New("symmetric: iv must be 12 bytes")
)

// IV is a stream cipher nonce. ZeroIV is reserved for sphinx packet frames,
// which are only ever sent once under a given key and already carry their
// own layered randomness; every other frame must use a freshly generated IV.
type IV [IVSize]byte

// ZeroIV returns the all-zero IV used for binary sphinx-packet frames.
func ZeroIV() IV {
	return IV{}
}

// NewIV draws a fresh random IV from crypto/rand.
func NewIV() (IV, error) {
	var iv IV
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, fmt.Errorf("symmetric: failed to generate iv: %w", err)
	}
	return iv, nil
}

// SharedKeys holds the two keys derived at the end of the handshake: one
// for the stream cipher, one for the HMAC that authenticates the
// ciphertext it produces.
type SharedKeys struct {
	EncryptionKey [KeySize]byte
	MacKey        [KeySize]byte
}

// NewSharedKeys splits a handshake-derived secret into encryption and MAC
// keys. The caller is expected to have produced exactly 2*KeySize bytes,
// typically via an HKDF or HPKE exporter.
func NewSharedKeys(material []byte) (SharedKeys, error) {
	var k SharedKeys
	if len(material) != 2*KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(material), 2*KeySize)
	}
	copy(k.EncryptionKey[:], material[:KeySize])
	copy(k.MacKey[:], material[KeySize:])
	return k, nil
}

// streamXOR runs the ChaCha20 keystream over src, in either direction
// (the cipher is its own inverse).
func streamXOR(key [KeySize]byte, iv IV, src []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], iv[:])
	if err != nil {
		return nil, fmt.Errorf("symmetric: failed to construct stream cipher: %w", err)
	}
	dst := make([]byte, len(src))
	c.XORKeyStream(dst, src)
	return dst, nil
}

// Encrypt produces the raw ciphertext for plaintext under iv. It does not
// attach a MAC; use EncryptAndTag for the full wire frame.
func (k SharedKeys) Encrypt(iv IV, plaintext []byte) ([]byte, error) {
	return streamXOR(k.EncryptionKey, iv, plaintext)
}

// Decrypt inverts Encrypt. Since the cipher is a stream cipher this is the
// same operation, but the distinct name documents intent at call sites.
func (k SharedKeys) Decrypt(iv IV, ciphertext []byte) ([]byte, error) {
	return streamXOR(k.EncryptionKey, iv, ciphertext)
}

// EncryptAndTag encrypts plaintext under iv and wraps it with a MAC,
// producing the MAC ‖ ciphertext wire layout.
func (k SharedKeys) EncryptAndTag(iv IV, plaintext []byte) ([]byte, error) {
	ciphertext, err := k.Encrypt(iv, plaintext)
	if err != nil {
		return nil, err
	}
	return protocol.WrapBinaryFrame(k.MacKey[:], ciphertext), nil
}

// DecryptTagged verifies the MAC over a MAC ‖ ciphertext wire frame and
// decrypts the ciphertext under iv.
func (k SharedKeys) DecryptTagged(iv IV, wire []byte) ([]byte, error) {
	ciphertext, err := protocol.UnwrapBinaryFrame(k.MacKey[:], wire)
	if err != nil {
		return nil, err
	}
	return k.Decrypt(iv, ciphertext)
}
