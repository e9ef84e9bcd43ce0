// Package credential constructs, encrypts, and submits bandwidth
// credentials to a gateway: the v1 and v2 wire variants, and the testnet
// shortcut that bypasses real credential material entirely.
package credential

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// maxEmbeddedParams bounds the parameter count read back off the wire; a
// value outside [1, maxEmbeddedParams] is treated as a structural error
// rather than an attempt to allocate an attacker-chosen amount of memory.
const maxEmbeddedParams = 64

// ControlChannel is the subset of the transport's control-frame channel the
// credential module needs.
type ControlChannel interface {
	Send(frame protocol.ControlFrame) error
	Frames() <-chan protocol.ControlFrame
	Errors() <-chan error
}

// V1Credential is a v1 bandwidth-spending proof: an ordered list of opaque
// embedded parameters (serial number, value commitment, and so on — the
// sphinx/crypto construction of each parameter is out of scope here, the
// module only needs to move the bytes intact).
type V1Credential struct {
	EmbeddedParams [][]byte
}

// EncodeV1 serializes a V1Credential as a parameter count followed by
// length-prefixed parameters.
func EncodeV1(c V1Credential) ([]byte, error) {
	if len(c.EmbeddedParams) == 0 || len(c.EmbeddedParams) > maxEmbeddedParams {
		return nil, &protocol.InvalidNumberOfEmbeddedParameters{N: uint32(len(c.EmbeddedParams))}
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(c.EmbeddedParams))); err != nil {
		return nil, fmt.Errorf("credential: failed to encode parameter count: %w", err)
	}
	for _, p := range c.EmbeddedParams {
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(p))); err != nil {
			return nil, fmt.Errorf("credential: failed to encode parameter length: %w", err)
		}
		buf.Write(p)
	}
	return buf.Bytes(), nil
}

// DecodeV1 parses a serialized V1Credential, yielding the same distinct
// error members the wire protocol's credential decode path does.
func DecodeV1(data []byte) (V1Credential, error) {
	r := bytes.NewReader(data)

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return V1Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
	}
	if n == 0 || n > maxEmbeddedParams {
		return V1Credential{}, &protocol.InvalidNumberOfEmbeddedParameters{N: n}
	}

	params := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return V1Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
		}
		p := make([]byte, length)
		if _, err := io.ReadFull(r, p); err != nil {
			return V1Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
		}
		params = append(params, p)
	}
	return V1Credential{EmbeddedParams: params}, nil
}

// V2Credential wraps a V1Credential in a CredentialSpendingRequest envelope,
// the v2 wire variant's additional layer.
type V2Credential struct {
	Credential V1Credential
	RequestID  string
}

// EncodeV2 serializes a V2Credential: the request ID (length-prefixed UTF-8)
// followed by the embedded V1Credential encoding.
func EncodeV2(c V2Credential) ([]byte, error) {
	if !utf8.ValidString(c.RequestID) {
		return nil, protocol.ErrCredentialMalformedUTF8
	}
	inner, err := EncodeV1(c.Credential)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(c.RequestID))); err != nil {
		return nil, fmt.Errorf("credential: failed to encode request id length: %w", err)
	}
	buf.WriteString(c.RequestID)
	buf.Write(inner)
	return buf.Bytes(), nil
}

// DecodeV2 parses a serialized V2Credential.
func DecodeV2(data []byte) (V2Credential, error) {
	r := bytes.NewReader(data)

	var idLen uint32
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return V2Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return V2Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
	}
	if !utf8.Valid(idBytes) {
		return V2Credential{}, protocol.ErrCredentialMalformedUTF8
	}

	remaining := make([]byte, r.Len())
	if _, err := io.ReadFull(r, remaining); err != nil {
		return V2Credential{}, fmt.Errorf("%w: %v", protocol.ErrCredentialEOF, err)
	}
	inner, err := DecodeV1(remaining)
	if err != nil {
		return V2Credential{}, err
	}
	return V2Credential{Credential: inner, RequestID: string(idBytes)}, nil
}

// Result reports the gateway's post-submission bandwidth balance.
type Result struct {
	AvailableTotal int64
}

// SubmitV1 encrypts cred under sharedKeys with a fresh IV and submits it as
// a BandwidthCredential frame.
func SubmitV1(ctx context.Context, ch ControlChannel, sharedKeys symmetric.SharedKeys, cred V1Credential) (*Result, error) {
	plaintext, err := EncodeV1(cred)
	if err != nil {
		return nil, err
	}
	return submit(ctx, ch, sharedKeys, plaintext, func(enc, iv []byte) protocol.ControlFrame {
		return &protocol.BandwidthCredential{EncCredential: enc, IV: iv}
	})
}

// SubmitV2 encrypts cred under sharedKeys with a fresh IV and submits it as
// a BandwidthCredentialV2 frame.
func SubmitV2(ctx context.Context, ch ControlChannel, sharedKeys symmetric.SharedKeys, cred V2Credential) (*Result, error) {
	plaintext, err := EncodeV2(cred)
	if err != nil {
		return nil, err
	}
	return submit(ctx, ch, sharedKeys, plaintext, func(enc, iv []byte) protocol.ControlFrame {
		return &protocol.BandwidthCredentialV2{EncCredential: enc, IV: iv}
	})
}

// ClaimTestnetBandwidth requests the testnet bandwidth shortcut, bypassing
// real credential material.
func ClaimTestnetBandwidth(ctx context.Context, ch ControlChannel) (*Result, error) {
	if err := ch.Send(&protocol.ClaimFreeTestnetBandwidth{}); err != nil {
		return nil, fmt.Errorf("credential: failed to send testnet claim: %w", err)
	}
	return waitForBandwidth(ctx, ch, protocol.CredentialSubmitTimeout)
}

func submit(ctx context.Context, ch ControlChannel, sharedKeys symmetric.SharedKeys, plaintext []byte, build func(enc, iv []byte) protocol.ControlFrame) (*Result, error) {
	iv, err := symmetric.NewIV()
	if err != nil {
		return nil, fmt.Errorf("credential: failed to generate iv: %w", err)
	}
	enc, err := sharedKeys.EncryptAndTag(iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("credential: failed to encrypt credential: %w", err)
	}
	if err := ch.Send(build(enc, iv[:])); err != nil {
		return nil, fmt.Errorf("credential: failed to send credential: %w", err)
	}
	return waitForBandwidth(ctx, ch, protocol.CredentialSubmitTimeout)
}

func waitForBandwidth(ctx context.Context, ch ControlChannel, timeout time.Duration) (*Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("credential: %w", protocol.ErrSessionClosed)
		case err, ok := <-ch.Errors():
			if !ok {
				return nil, fmt.Errorf("credential: %w", protocol.ErrSessionClosed)
			}
			return nil, err
		case frame, ok := <-ch.Frames():
			if !ok {
				return nil, fmt.Errorf("credential: %w", protocol.ErrSessionClosed)
			}
			switch f := frame.(type) {
			case *protocol.Bandwidth:
				return &Result{AvailableTotal: f.AvailableTotal}, nil
			case *protocol.Error:
				return nil, fmt.Errorf("credential: gateway rejected submission: %s", f.Message)
			}
			// Ignore unrelated frames and keep waiting.
		}
	}
}
