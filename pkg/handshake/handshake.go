// Package handshake drives the client side of the gateway registration
// handshake (S0-S3): an HPKE encapsulation to the gateway's published
// identity key, a confirmation round trip, and the final registration
// acknowledgement, ending with a pair of session keys shared with the
// gateway.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// confirmationContext is the HPKE exporter context string used to derive
// the gateway's handshake confirmation tag. sessionKeyContext derives the
// actual session keys; the two must never collide.
var (
	confirmationContext = []byte("veilmesh-gateway-handshake-confirmation-v1")
	sessionKeyContext   = []byte("veilmesh-gateway-handshake-session-keys-v1")
)

// sessionKeyMaterialLen is 2*symmetric.KeySize: encryption key || MAC key.
const sessionKeyMaterialLen = 2 * symmetric.KeySize

// suite is the HPKE ciphersuite used for the handshake. The AEAD is unused
// (AEAD_Export_only): only the exporter secret is needed, since framing
// after the handshake uses the protocol package's own encrypt-then-MAC
// scheme rather than HPKE's bundled AEAD.
var suite = hpke.NewSuite(keys.KEM, hpke.KDF_HKDF_SHA256, hpke.AEAD_Export_only)

// ControlChannel is the minimal duplex interface the handshake engine needs
// from the transport layer: send one control frame, and a channel pair
// delivering the next inbound frame or a terminal transport error.
type ControlChannel interface {
	Send(frame protocol.ControlFrame) error
	Frames() <-chan protocol.ControlFrame
	Errors() <-chan error
}

// Result is what a successful handshake produces.
type Result struct {
	SharedKeys symmetric.SharedKeys
	Registered bool
}

// Run executes the client side of the handshake against an already-dialed
// ControlChannel, deriving SharedKeys from gatewayPublic. It honors ctx
// cancellation at every suspension point.
func Run(ctx context.Context, ch ControlChannel, gatewayPublic kem.PublicKey, credentialsEnabled bool) (*Result, error) {
	version := protocol.AdvertisedProtocolVersion(credentialsEnabled)

	// S0: encapsulate to the gateway's published identity key and send the
	// encapsulation as the handshake init request.
	sender, err := suite.Sender(gatewayPublic, nil)
	if err != nil {
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("constructing hpke sender: %w", err)}
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("hpke setup: %w", err)}
	}

	if err := ch.Send(&protocol.RegisterHandshakeInitRequest{
		ProtocolVersion: &version,
		Data:            enc,
	}); err != nil {
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("sending handshake init: %w", err)}
	}

	// S1: await the gateway's confirmation payload.
	payload, err := waitForHandshakePayload(ctx, ch, protocol.HandshakeRoundTripTimeout)
	if err != nil {
		return nil, err
	}

	// S2: derive keys from the same exporter secret and verify the
	// gateway's confirmation tag was computed under the matching context.
	confirmationTag := sealer.Export(confirmationContext, uint(protocol.MacSize))
	if len(confirmationTag) != len(payload.Data) || subtle.ConstantTimeCompare(confirmationTag, payload.Data) != 1 {
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("handshake confirmation mismatch")}
	}

	material := sealer.Export(sessionKeyContext, uint(sessionKeyMaterialLen))
	sharedKeys, err := symmetric.NewSharedKeys(material)
	if err != nil {
		return nil, &protocol.HandshakeFailed{Cause: err}
	}

	// S3: await the gateway's final registration acknowledgement.
	reg, err := waitForRegister(ctx, ch, protocol.HandshakeRoundTripTimeout)
	if err != nil {
		return nil, err
	}
	if !reg.Status {
		return nil, &protocol.HandshakeFailed{Cause: protocol.ErrRejected}
	}

	return &Result{SharedKeys: sharedKeys, Registered: true}, nil
}

func waitForHandshakePayload(ctx context.Context, ch ControlChannel, timeout time.Duration) (*protocol.HandshakePayload, error) {
	frame, err := waitForFrame(ctx, ch, timeout)
	if err != nil {
		return nil, err
	}
	switch f := frame.(type) {
	case *protocol.HandshakePayload:
		return f, nil
	case *protocol.HandshakeError:
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("gateway rejected handshake: %s", f.Message)}
	default:
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("unexpected frame %q while awaiting handshake payload", frame.FrameType())}
	}
}

func waitForRegister(ctx context.Context, ch ControlChannel, timeout time.Duration) (*protocol.Register, error) {
	frame, err := waitForFrame(ctx, ch, timeout)
	if err != nil {
		return nil, err
	}
	switch f := frame.(type) {
	case *protocol.Register:
		return f, nil
	case *protocol.Error:
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("gateway error during registration: %s", f.Message)}
	default:
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("unexpected frame %q while awaiting registration ack", frame.FrameType())}
	}
}

func waitForFrame(ctx context.Context, ch ControlChannel, timeout time.Duration) (protocol.ControlFrame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, &protocol.HandshakeFailed{Cause: ctx.Err()}
	case <-timer.C:
		return nil, &protocol.HandshakeFailed{Cause: fmt.Errorf("timed out after %v", timeout)}
	case frame := <-ch.Frames():
		return frame, nil
	case err := <-ch.Errors():
		return nil, &protocol.HandshakeFailed{Cause: err}
	}
}

