package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MacSize is the fixed tag size M prefixed onto every binary frame. The
// gateway's integrity algorithm is HMAC-SHA256; the tag is never truncated.
const MacSize = sha256.Size

// ComputeMac returns the keyed HMAC-SHA256 tag over ciphertext.
func ComputeMac(macKey, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// WrapBinaryFrame produces the wire layout MAC(mac_key, ciphertext) ‖
// ciphertext for an already-encrypted payload.
func WrapBinaryFrame(macKey, ciphertext []byte) []byte {
	tag := ComputeMac(macKey, ciphertext)
	out := make([]byte, 0, len(tag)+len(ciphertext))
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out
}

// UnwrapBinaryFrame splits a wire-format binary frame into its ciphertext
// after verifying the MAC in constant time. It does not decrypt.
func UnwrapBinaryFrame(macKey, raw []byte) (ciphertext []byte, err error) {
	if len(raw) < MacSize {
		return nil, ErrTooShortRequest
	}
	tag := raw[:MacSize]
	ciphertext = raw[MacSize:]
	expected := ComputeMac(macKey, ciphertext)
	if !hmac.Equal(tag, expected) {
		return nil, ErrInvalidMac
	}
	return ciphertext, nil
}
