package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
)

// DiskStore persists an identity keypair and per-gateway shared keys as
// passphrase-encrypted JSON files under a directory. The identity file
// lives at <dir>/identity.json; each gateway's record lives at
// <dir>/gateways/<address>.json.
type DiskStore struct {
	dir        string
	passphrase string
}

// NewDiskStore returns a DiskStore rooted at dir, encrypting every file it
// writes under passphrase. The directory is created on first write if it
// does not already exist.
func NewDiskStore(dir, passphrase string) (*DiskStore, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir, passphrase: passphrase}, nil
}

func (s *DiskStore) identityPath() string {
	return filepath.Join(s.dir, "identity.json")
}

func (s *DiskStore) gatewayPath(addr keys.IdentityAddress) string {
	return filepath.Join(s.dir, "gateways", addr.String()+".json")
}

func (s *DiskStore) encryptToFile(path string, plaintext []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keystore: failed to create directory: %w", err)
	}

	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("keystore: failed to generate salt: %w", err)
	}
	key, err := DeriveKey(s.passphrase, salt[:], DefaultIterations)
	if err != nil {
		return err
	}
	enc, err := encryptAESGCM(plaintext, key)
	if err != nil {
		return err
	}
	for i := range key {
		key[i] = 0
	}

	file := identityFile{
		Version: FileVersion,
		KDF:     DefaultKDF,
		KDFParams: kdfParams{
			Iterations: DefaultIterations,
			Salt:       base64.StdEncoding.EncodeToString(salt[:]),
		},
		Cipher:     DefaultCipher,
		Ciphertext: base64.StdEncoding.EncodeToString(enc.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(enc.IV[:]),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal file: %w", err)
	}
	return os.WriteFile(path, raw, 0600)
}

func (s *DiskStore) decryptFromFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keystore: failed to read file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(file.KDFParams.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: invalid salt", ErrMalformedFile)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(file.IV)
	if err != nil || len(ivBytes) != IVSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrMalformedFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext", ErrMalformedFile)
	}

	key, err := DeriveKey(s.passphrase, salt, file.KDFParams.Iterations)
	if err != nil {
		return nil, err
	}
	var iv [IVSize]byte
	copy(iv[:], ivBytes)

	plaintext, err := decryptAESGCM(&encryptedData{Ciphertext: ciphertext, IV: iv}, key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *DiskStore) SaveIdentity(_ context.Context, _ string, kp *keys.IdentityKeyPair) error {
	pubBytes, err := kp.MarshalPublic()
	if err != nil {
		return err
	}
	privBytes, err := kp.MarshalPrivate()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(identityPlaintext{PublicKey: pubBytes, PrivateKey: privBytes})
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal identity: %w", err)
	}
	return s.encryptToFile(s.identityPath(), plaintext)
}

func (s *DiskStore) LoadIdentity(_ context.Context, _ string) (*keys.IdentityKeyPair, error) {
	plaintext, err := s.decryptFromFile(s.identityPath())
	if err != nil {
		return nil, err
	}
	var data identityPlaintext
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	return keys.UnmarshalIdentityKeyPair(data.PublicKey, data.PrivateKey)
}

func (s *DiskStore) HasIdentity(_ context.Context) (bool, error) {
	_, err := os.Stat(s.identityPath())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type gatewayPlaintext struct {
	Address       string `json:"address"`
	EncryptionKey []byte `json:"encryptionKey"`
	MacKey        []byte `json:"macKey"`
	EstablishedAt string `json:"establishedAt"`
}

func (s *DiskStore) SaveGatewayKeys(_ context.Context, rec GatewayRecord) error {
	plaintext, err := json.Marshal(gatewayPlaintext{
		Address:       rec.Address.String(),
		EncryptionKey: rec.SharedKeys.EncryptionKey[:],
		MacKey:        rec.SharedKeys.MacKey[:],
		EstablishedAt: rec.EstablishedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal gateway record: %w", err)
	}
	return s.encryptToFile(s.gatewayPath(rec.Address), plaintext)
}

func (s *DiskStore) LoadGatewayKeys(_ context.Context, gateway keys.IdentityAddress) (GatewayRecord, bool, error) {
	plaintext, err := s.decryptFromFile(s.gatewayPath(gateway))
	if err == ErrNotFound {
		return GatewayRecord{}, false, nil
	}
	if err != nil {
		return GatewayRecord{}, false, err
	}

	var data gatewayPlaintext
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return GatewayRecord{}, false, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}

	sharedKeys, err := symmetric.NewSharedKeys(append(append([]byte{}, data.EncryptionKey...), data.MacKey...))
	if err != nil {
		return GatewayRecord{}, false, err
	}
	establishedAt, err := time.Parse(time.RFC3339, data.EstablishedAt)
	if err != nil {
		return GatewayRecord{}, false, fmt.Errorf("%w: invalid establishedAt: %v", ErrMalformedFile, err)
	}

	return GatewayRecord{Address: gateway, SharedKeys: sharedKeys, EstablishedAt: establishedAt}, true, nil
}

func (s *DiskStore) DeleteGatewayKeys(_ context.Context, gateway keys.IdentityAddress) error {
	err := os.Remove(s.gatewayPath(gateway))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: failed to remove gateway record: %w", err)
	}
	return nil
}
