// Package keystore defines the pluggable storage interface for a client's
// long-term identity keypair and the per-gateway shared keys negotiated by
// the handshake engine, plus a passphrase-encrypted on-disk implementation
// and a process-local in-memory one.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
)

const (
	// FileVersion is the current on-disk keystore format version.
	FileVersion = "1.0"
	// DefaultKDF names the key-derivation function used for passphrase files.
	DefaultKDF = "pbkdf2-hmac-sha256"
	// DefaultCipher names the symmetric cipher used for passphrase files.
	DefaultCipher = "aes-256-gcm"
	// DefaultIterations is the PBKDF2 iteration count for new files.
	DefaultIterations = 100000
	// SaltSize is the PBKDF2 salt size in bytes.
	SaltSize = 32
	// IVSize is the AES-GCM nonce size in bytes.
	IVSize = 12
)

var (
	ErrInvalidFileVersion = errors.New("keystore: unsupported file version")
	ErrInvalidKDF         = errors.New("keystore: unsupported key derivation function")
	ErrInvalidCipher      = errors.New("keystore: unsupported cipher")
	ErrMalformedFile      = errors.New("keystore: malformed keystore file")
	ErrWrongPassphrase    = errors.New("keystore: wrong passphrase or corrupted file")
	ErrNotFound           = errors.New("keystore: no entry for the requested key")
)

// identityFile is the JSON structure persisted to disk for an identity
// keypair, with the keypair bytes encrypted under a passphrase-derived key.
type identityFile struct {
	Version    string    `json:"version"`
	KDF        string    `json:"kdf"`
	KDFParams  kdfParams `json:"kdfParams"`
	Cipher     string    `json:"cipher"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	CreatedAt  string    `json:"createdAt"`
}

type kdfParams struct {
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

func (f *identityFile) validate() error {
	if f.Version != FileVersion {
		return fmt.Errorf("%w: got %q, want %q", ErrInvalidFileVersion, f.Version, FileVersion)
	}
	if f.KDF != DefaultKDF {
		return fmt.Errorf("%w: got %q", ErrInvalidKDF, f.KDF)
	}
	if f.Cipher != DefaultCipher {
		return fmt.Errorf("%w: got %q", ErrInvalidCipher, f.Cipher)
	}
	if f.KDFParams.Iterations <= 0 || f.KDFParams.Salt == "" || f.Ciphertext == "" || f.IV == "" {
		return fmt.Errorf("%w: missing required field", ErrMalformedFile)
	}
	return nil
}

// identityPlaintext is the structure encrypted inside identityFile.Ciphertext.
type identityPlaintext struct {
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// GatewayRecord is what the store keeps per gateway: the shared keys
// negotiated by the handshake engine and enough metadata to know when they
// were last refreshed.
type GatewayRecord struct {
	Address     keys.IdentityAddress
	SharedKeys  symmetric.SharedKeys
	EstablishedAt time.Time
}

// Store is the pluggable persistence boundary for identity material. A
// client never talks to a backing store directly except through this
// interface, so swapping MemoryStore for DiskStore, CachedStore, or
// PostgresStore is transparent to the rest of the client.
type Store interface {
	// SaveIdentity persists kp, encrypted under passphrase.
	SaveIdentity(ctx context.Context, passphrase string, kp *keys.IdentityKeyPair) error
	// LoadIdentity recovers a previously saved identity keypair.
	LoadIdentity(ctx context.Context, passphrase string) (*keys.IdentityKeyPair, error)
	// HasIdentity reports whether an identity keypair has been saved.
	HasIdentity(ctx context.Context) (bool, error)

	// SaveGatewayKeys records the shared keys negotiated with a gateway.
	SaveGatewayKeys(ctx context.Context, rec GatewayRecord) error
	// LoadGatewayKeys retrieves previously recorded shared keys, if any.
	LoadGatewayKeys(ctx context.Context, gateway keys.IdentityAddress) (GatewayRecord, bool, error)
	// DeleteGatewayKeys discards any record for gateway.
	DeleteGatewayKeys(ctx context.Context, gateway keys.IdentityAddress) error
}
