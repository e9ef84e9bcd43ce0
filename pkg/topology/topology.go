// Package topology supplies the candidate gateways a client may connect to.
// The core never discovers gateways itself; it asks an injected Provider,
// keeping the discovery mechanism (a static list, a directory fetch, or
// anything else) swappable without touching the connection manager.
package topology

import (
	"context"
	"fmt"

	"github.com/cloudflare/circl/kem"

	"github.com/veilmesh/veilmesh/pkg/keys"
)

// GatewayCandidate is one entry in a topology listing: enough information
// for the connection manager to dial, identify, and handshake with a
// gateway.
type GatewayCandidate struct {
	Address     keys.IdentityAddress
	PublicKey   kem.PublicKey
	ListenerURL string // ws:// or wss://
	SupportsTLS bool
}

// Provider returns the set of candidate gateways currently known.
type Provider interface {
	Gateways(ctx context.Context) ([]GatewayCandidate, error)
}

// StaticProvider wraps a fixed candidate list, for tests or a single
// user-pinned gateway (--gateway-id).
type StaticProvider struct {
	candidates []GatewayCandidate
}

// NewStaticProvider constructs a StaticProvider over candidates.
func NewStaticProvider(candidates []GatewayCandidate) *StaticProvider {
	cp := make([]GatewayCandidate, len(candidates))
	copy(cp, candidates)
	return &StaticProvider{candidates: cp}
}

// Gateways returns the fixed candidate list, ignoring ctx.
func (p *StaticProvider) Gateways(_ context.Context) ([]GatewayCandidate, error) {
	if len(p.candidates) == 0 {
		return nil, fmt.Errorf("topology: static provider has no candidates")
	}
	out := make([]GatewayCandidate, len(p.candidates))
	copy(out, p.candidates)
	return out, nil
}
