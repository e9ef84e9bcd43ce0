package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrEncryptionFailed = errors.New("keystore: encryption failed")
	ErrDecryptionFailed = errors.New("keystore: decryption failed")
	ErrEmptyPlaintext   = errors.New("keystore: plaintext cannot be empty")
	ErrEmptyCiphertext  = errors.New("keystore: ciphertext cannot be empty")
)

// encryptedData holds an AES-256-GCM ciphertext (tag included) and its IV.
type encryptedData struct {
	Ciphertext []byte
	IV         [IVSize]byte
}

func encryptAESGCM(plaintext []byte, key [KeySize]byte) (*encryptedData, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	var iv [IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, fmt.Errorf("%w: failed to generate iv: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nil, iv[:], plaintext, nil)
	return &encryptedData{Ciphertext: ciphertext, IV: iv}, nil
}

func decryptAESGCM(data *encryptedData, key [KeySize]byte) ([]byte, error) {
	if data == nil || len(data.Ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, data.IV[:], data.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
