package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// ControlFrame is the common interface implemented by every textual
// control-frame variant. FrameType returns the wire discriminator.
type ControlFrame interface {
	FrameType() string
}

// Discriminator values, camelCase on the wire.
const (
	TypeAuthenticate                 = "authenticate"
	TypeRegisterHandshakeInitRequest = "registerHandshakeInitRequest"
	TypeHandshakePayload             = "handshakePayload"
	TypeHandshakeError               = "handshakeError"
	TypeBandwidthCredential          = "bandwidthCredential"
	TypeBandwidthCredentialV2        = "bandwidthCredentialV2"
	TypeClaimFreeTestnetBandwidth    = "claimFreeTestnetBandwidth"
	TypeRegister                     = "register"
	TypeBandwidth                    = "bandwidth"
	TypeSend                         = "send"
	TypeError                        = "error"
)

// AuthenticateRequest is sent client->server to prove possession of an
// already-known shared key via an encrypted-address challenge.
type AuthenticateRequest struct {
	ProtocolVersion *uint8
	Address         [32]byte
	EncAddress      []byte
	IV              []byte
}

func (AuthenticateRequest) FrameType() string { return TypeAuthenticate }

// AuthenticateResponse is the server's reply to AuthenticateRequest.
type AuthenticateResponse struct {
	ProtocolVersion *uint8
	Status          bool
	BandwidthRemaining int64
}

func (AuthenticateResponse) FrameType() string { return TypeAuthenticate }

// RegisterHandshakeInitRequest is the client's S0 handshake message.
type RegisterHandshakeInitRequest struct {
	ProtocolVersion *uint8
	Data            []byte
}

func (RegisterHandshakeInitRequest) FrameType() string { return TypeRegisterHandshakeInitRequest }

// HandshakePayload is the server's S1 handshake response. It decodes from
// either the "handshakePayload" or "registerHandshakeInitRequest" wire type,
// matching the original protocol's decode-time alias.
type HandshakePayload struct {
	ProtocolVersion *uint8
	Data            []byte
}

func (HandshakePayload) FrameType() string { return TypeHandshakePayload }

// HandshakeError terminates a handshake attempt with a server-supplied cause.
type HandshakeError struct {
	Message string
}

func (HandshakeError) FrameType() string { return TypeHandshakeError }

// BandwidthCredential submits a v1 bandwidth-spending credential.
type BandwidthCredential struct {
	EncCredential []byte
	IV            []byte
}

func (BandwidthCredential) FrameType() string { return TypeBandwidthCredential }

// BandwidthCredentialV2 submits a v2 (CredentialSpendingRequest-wrapped) credential.
type BandwidthCredentialV2 struct {
	EncCredential []byte
	IV            []byte
}

func (BandwidthCredentialV2) FrameType() string { return TypeBandwidthCredentialV2 }

// ClaimFreeTestnetBandwidth requests the testnet bandwidth shortcut.
type ClaimFreeTestnetBandwidth struct{}

func (ClaimFreeTestnetBandwidth) FrameType() string { return TypeClaimFreeTestnetBandwidth }

// Register is the server's S2 handshake confirmation.
type Register struct {
	ProtocolVersion *uint8
	Status          bool
}

func (Register) FrameType() string { return TypeRegister }

// Bandwidth reports the gateway's current view of the client's balance.
type Bandwidth struct {
	AvailableTotal int64
}

func (Bandwidth) FrameType() string { return TypeBandwidth }

// Send reports bandwidth remaining after a server-initiated deduction.
type Send struct {
	RemainingBandwidth int64
}

func (Send) FrameType() string { return TypeSend }

// Error surfaces a server-side error message; it does not by itself
// terminate the session.
type Error struct {
	Message string
}

func (Error) FrameType() string { return TypeError }

// wireFrame is the superset of every field any control frame variant may
// carry. Decoding into one struct and branching on Type tolerates unknown
// future fields for free (encoding/json ignores fields it cannot map), and
// missing optional fields (protocolVersion) decode as nil.
type wireFrame struct {
	Type               string  `json:"type"`
	ProtocolVersion    *uint8  `json:"protocolVersion,omitempty"`
	Address            *string `json:"address,omitempty"`
	EncAddress         *string `json:"encAddress,omitempty"`
	IV                 *string `json:"iv,omitempty"`
	Data               *string `json:"data,omitempty"`
	Message            *string `json:"message,omitempty"`
	EncCredential       *string `json:"encCredential,omitempty"`
	Status             *bool   `json:"status,omitempty"`
	BandwidthRemaining *int64  `json:"bandwidthRemaining,omitempty"`
	AvailableTotal     *int64  `json:"availableTotal,omitempty"`
	RemainingBandwidth *int64  `json:"remainingBandwidth,omitempty"`
}

// EncodeControlFrame serializes a ControlFrame to its JSON wire form, with
// byte fields base58-encoded per spec.md §6.
func EncodeControlFrame(frame ControlFrame) ([]byte, error) {
	w := wireFrame{Type: frame.FrameType()}

	switch f := frame.(type) {
	case *AuthenticateRequest:
		w.ProtocolVersion = f.ProtocolVersion
		addr := base58.Encode(f.Address[:])
		enc := base58.Encode(f.EncAddress)
		iv := base58.Encode(f.IV)
		w.Address, w.EncAddress, w.IV = &addr, &enc, &iv
	case *AuthenticateResponse:
		w.ProtocolVersion = f.ProtocolVersion
		w.Status = &f.Status
		w.BandwidthRemaining = &f.BandwidthRemaining
	case *RegisterHandshakeInitRequest:
		w.ProtocolVersion = f.ProtocolVersion
		data := base58.Encode(f.Data)
		w.Data = &data
	case *HandshakePayload:
		w.ProtocolVersion = f.ProtocolVersion
		data := base58.Encode(f.Data)
		w.Data = &data
	case *HandshakeError:
		w.Message = &f.Message
	case *BandwidthCredential:
		enc := base58.Encode(f.EncCredential)
		iv := base58.Encode(f.IV)
		w.EncCredential, w.IV = &enc, &iv
	case *BandwidthCredentialV2:
		enc := base58.Encode(f.EncCredential)
		iv := base58.Encode(f.IV)
		w.EncCredential, w.IV = &enc, &iv
	case *ClaimFreeTestnetBandwidth:
		// no payload
	case *Register:
		w.ProtocolVersion = f.ProtocolVersion
		w.Status = &f.Status
	case *Bandwidth:
		w.AvailableTotal = &f.AvailableTotal
	case *Send:
		w.RemainingBandwidth = &f.RemainingBandwidth
	case *Error:
		w.Message = &f.Message
	default:
		return nil, fmt.Errorf("protocol: unsupported control frame type %T", frame)
	}

	return json.Marshal(w)
}

// DecodeControlFrame parses a JSON control frame, dispatching on its "type"
// discriminator. Unknown top-level fields are tolerated silently.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("protocol: malformed control frame: %w", err)
	}

	switch w.Type {
	case TypeAuthenticate:
		if w.Status != nil {
			return &AuthenticateResponse{
				ProtocolVersion:    w.ProtocolVersion,
				Status:             *w.Status,
				BandwidthRemaining: derefInt64(w.BandwidthRemaining),
			}, nil
		}
		if w.Address == nil || w.EncAddress == nil || w.IV == nil {
			return nil, fmt.Errorf("protocol: authenticate frame missing required fields")
		}
		addr, err := decodeBase58Fixed32(*w.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncorrectlyEncodedAddress, err)
		}
		encAddr, err := base58.Decode(*w.EncAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncorrectlyEncodedAddress, err)
		}
		iv, err := base58.Decode(*w.IV)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncorrectlyEncodedAddress, err)
		}
		return &AuthenticateRequest{
			ProtocolVersion: w.ProtocolVersion,
			Address:         addr,
			EncAddress:      encAddr,
			IV:              iv,
		}, nil

	case TypeRegisterHandshakeInitRequest:
		data, err := decodeBase58OrEmpty(w.Data)
		if err != nil {
			return nil, err
		}
		return &RegisterHandshakeInitRequest{ProtocolVersion: w.ProtocolVersion, Data: data}, nil

	case TypeHandshakePayload:
		data, err := decodeBase58OrEmpty(w.Data)
		if err != nil {
			return nil, err
		}
		return &HandshakePayload{ProtocolVersion: w.ProtocolVersion, Data: data}, nil

	case TypeHandshakeError:
		return &HandshakeError{Message: derefString(w.Message)}, nil

	case TypeBandwidthCredential:
		enc, iv, err := decodeCredentialFields(w)
		if err != nil {
			return nil, err
		}
		return &BandwidthCredential{EncCredential: enc, IV: iv}, nil

	case TypeBandwidthCredentialV2:
		enc, iv, err := decodeCredentialFields(w)
		if err != nil {
			return nil, err
		}
		return &BandwidthCredentialV2{EncCredential: enc, IV: iv}, nil

	case TypeClaimFreeTestnetBandwidth:
		return &ClaimFreeTestnetBandwidth{}, nil

	case TypeRegister:
		return &Register{ProtocolVersion: w.ProtocolVersion, Status: derefBool(w.Status)}, nil

	case TypeBandwidth:
		return &Bandwidth{AvailableTotal: derefInt64(w.AvailableTotal)}, nil

	case TypeSend:
		return &Send{RemainingBandwidth: derefInt64(w.RemainingBandwidth)}, nil

	case TypeError:
		return &Error{Message: derefString(w.Message)}, nil

	default:
		return nil, fmt.Errorf("protocol: unknown control frame type %q", w.Type)
	}
}

func decodeCredentialFields(w wireFrame) (enc, iv []byte, err error) {
	if w.EncCredential == nil || w.IV == nil {
		return nil, nil, fmt.Errorf("protocol: credential frame missing required fields")
	}
	enc, err = base58.Decode(*w.EncCredential)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed encCredential: %w", err)
	}
	iv, err = base58.Decode(*w.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed iv: %w", err)
	}
	return enc, iv, nil
}

func decodeBase58OrEmpty(s *string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := base58.Decode(*s)
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed base58 data field: %w", err)
	}
	return b, nil
}

func decodeBase58Fixed32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base58.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

func derefInt64(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
