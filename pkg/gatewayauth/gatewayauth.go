// Package gatewayauth proves possession of an already-established shared
// key to a gateway without repeating the full handshake: the client
// encrypts its own identity address under the shared key and lets the
// gateway confirm it decrypts to the address it has on file.
package gatewayauth

import (
	"context"
	"fmt"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// ControlChannel is the subset of the transport's control-frame channel
// the authenticator needs. Satisfied by the same connection the handshake
// engine uses.
type ControlChannel interface {
	Send(frame protocol.ControlFrame) error
	Frames() <-chan protocol.ControlFrame
	Errors() <-chan error
}

// Result is the outcome of a successful authentication round trip.
type Result struct {
	BandwidthRemaining int64
}

// Run sends an AuthenticateRequest proving control of identity's shared
// key and waits for the gateway's response. It returns protocol.ErrAuthFailed
// if the gateway rejects the proof.
func Run(ctx context.Context, ch ControlChannel, identity keys.IdentityAddress, sharedKeys symmetric.SharedKeys, credentialsEnabled bool) (*Result, error) {
	iv, err := symmetric.NewIV()
	if err != nil {
		return nil, fmt.Errorf("gatewayauth: failed to generate iv: %w", err)
	}

	encAddress, err := sharedKeys.Encrypt(iv, identity[:])
	if err != nil {
		return nil, fmt.Errorf("gatewayauth: failed to encrypt address: %w", err)
	}

	version := protocol.AdvertisedProtocolVersion(credentialsEnabled)
	req := &protocol.AuthenticateRequest{
		ProtocolVersion: &version,
		Address:         identity,
		EncAddress:      encAddress,
		IV:              iv[:],
	}
	if err := ch.Send(req); err != nil {
		return nil, fmt.Errorf("gatewayauth: failed to send authenticate request: %w", err)
	}

	resp, err := waitForResponse(ctx, ch, protocol.AuthenticateRoundTripTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, protocol.ErrAuthFailed
	}

	return &Result{BandwidthRemaining: resp.BandwidthRemaining}, nil
}

func waitForResponse(ctx context.Context, ch ControlChannel, timeout time.Duration) (*protocol.AuthenticateResponse, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("gatewayauth: %w", protocol.ErrSessionClosed)
		case err, ok := <-ch.Errors():
			if !ok {
				return nil, fmt.Errorf("gatewayauth: %w", protocol.ErrSessionClosed)
			}
			return nil, err
		case frame, ok := <-ch.Frames():
			if !ok {
				return nil, fmt.Errorf("gatewayauth: %w", protocol.ErrSessionClosed)
			}
			if resp, ok := frame.(*protocol.AuthenticateResponse); ok {
				return resp, nil
			}
			if herr, ok := frame.(*protocol.Error); ok {
				return nil, fmt.Errorf("gatewayauth: %s", herr.Message)
			}
			// Ignore unrelated frames (e.g. a late Bandwidth push) and keep waiting.
		}
	}
}
