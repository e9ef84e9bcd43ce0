package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPassphraseLength is the minimum accepted passphrase length.
	MinPassphraseLength = 12
	// MaxPassphraseLength is the maximum accepted passphrase length.
	MaxPassphraseLength = 1024
	// KeySize is the derived key size, suitable for AES-256-GCM.
	KeySize = 32
)

var (
	ErrPassphraseTooShort = errors.New("keystore: passphrase must be at least 12 characters")
	ErrPassphraseTooLong  = errors.New("keystore: passphrase must not exceed 1024 characters")
	ErrEmptyPassphrase    = errors.New("keystore: passphrase cannot be empty")
	ErrInvalidSaltSize    = errors.New("keystore: salt must be 32 bytes")
	ErrInvalidIterations  = errors.New("keystore: iterations must be at least 10000")
)

// ValidatePassphrase enforces the minimum bar for a passphrase used to
// encrypt an on-disk identity file.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}

	n := utf8.RuneCountInString(passphrase)
	if n < MinPassphraseLength {
		return fmt.Errorf("%w (got %d characters, need %d)", ErrPassphraseTooShort, n, MinPassphraseLength)
	}
	if n > MaxPassphraseLength {
		return fmt.Errorf("%w (got %d characters, max %d)", ErrPassphraseTooLong, n, MaxPassphraseLength)
	}

	allWhitespace := true
	for _, r := range passphrase {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			allWhitespace = false
			break
		}
	}
	if allWhitespace {
		return errors.New("keystore: passphrase cannot be only whitespace")
	}

	return nil
}

// DeriveKey derives a KeySize-byte encryption key from a passphrase using
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) ([KeySize]byte, error) {
	var key [KeySize]byte

	if err := ValidatePassphrase(passphrase); err != nil {
		return key, err
	}
	if len(salt) != SaltSize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidSaltSize, len(salt))
	}
	if iterations < 10000 {
		return key, fmt.Errorf("%w: got %d", ErrInvalidIterations, iterations)
	}

	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
	copy(key[:], derived)
	for i := range derived {
		derived[i] = 0
	}
	return key, nil
}
