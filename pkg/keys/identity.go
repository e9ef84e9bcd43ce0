// Package keys manages the client's long-term identity keypair: the
// HPKE KEM keypair a gateway uses to establish a handshake with this
// client, and the short, base58 address derived from its public half.
package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/mr-tron/base58"
)

// KEM is the HPKE key-encapsulation scheme backing every identity keypair
// and gateway descriptor in this module.
const KEM = hpke.KEM_X25519_HKDF_SHA256

// AddressSize is the length, in bytes, of an IdentityAddress.
const AddressSize = 32

var (
	ErrKeyGenerationFailed = errors.New("keys: identity keypair generation failed")
	ErrInvalidPublicKey    = errors.New("keys: malformed public key bytes")
	ErrInvalidPrivateKey   = errors.New("keys: malformed private key bytes")
)

// Scheme returns the circl KEM scheme implementation for KEM.
func Scheme() kem.Scheme {
	return KEM.Scheme()
}

// IdentityAddress is the short, stable identifier a client presents to a
// gateway: SHA-256 of the public key, base58-encoded on the wire.
type IdentityAddress [AddressSize]byte

// String renders the address in its wire (base58) form.
func (a IdentityAddress) String() string {
	return base58.Encode(a[:])
}

// ParseIdentityAddress decodes a base58-encoded address.
func ParseIdentityAddress(s string) (IdentityAddress, error) {
	var addr IdentityAddress
	b, err := base58.Decode(s)
	if err != nil {
		return addr, fmt.Errorf("keys: malformed address: %w", err)
	}
	if len(b) != AddressSize {
		return addr, fmt.Errorf("keys: address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// AddressFromPublicKey derives the IdentityAddress for a public key.
func AddressFromPublicKey(pub kem.PublicKey) (IdentityAddress, error) {
	var addr IdentityAddress
	raw, err := pub.MarshalBinary()
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	digest := sha256.Sum256(raw)
	copy(addr[:], digest[:])
	return addr, nil
}

// IdentityKeyPair is the client's long-term HPKE keypair, the root of
// every gateway handshake this client performs.
type IdentityKeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// GenerateIdentityKeyPair creates a fresh identity keypair using system
// entropy.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pk, sk, err := Scheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &IdentityKeyPair{Public: pk, Private: sk}, nil
}

// Address returns the IdentityAddress derived from this keypair's public
// half.
func (kp *IdentityKeyPair) Address() (IdentityAddress, error) {
	return AddressFromPublicKey(kp.Public)
}

// MarshalPublic returns the raw, scheme-encoded public key bytes.
func (kp *IdentityKeyPair) MarshalPublic() ([]byte, error) {
	b, err := kp.Public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return b, nil
}

// MarshalPrivate returns the raw, scheme-encoded private key bytes. Callers
// are responsible for keeping these bytes at rest only via pkg/keystore.
func (kp *IdentityKeyPair) MarshalPrivate() ([]byte, error) {
	b, err := kp.Private.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return b, nil
}

// UnmarshalIdentityKeyPair reconstructs a keypair from its raw scheme-encoded
// bytes, as previously produced by MarshalPublic/MarshalPrivate.
func UnmarshalIdentityKeyPair(pubBytes, privBytes []byte) (*IdentityKeyPair, error) {
	pub, err := Scheme().UnmarshalBinaryPublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	priv, err := Scheme().UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// UnmarshalPublicKey decodes a raw scheme-encoded public key, as published
// by a gateway in its descriptor.
func UnmarshalPublicKey(raw []byte) (kem.PublicKey, error) {
	pub, err := Scheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}
