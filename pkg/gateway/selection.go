package gateway

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/topology"
)

// selectGateway queries provider for the current candidate set, filters to
// TLS-capable listeners when forceTLS is set, and picks uniformly at
// random. If pinned is non-zero, the candidate matching that address is
// returned directly (still subject to the TLS filter) instead of a random
// pick.
func selectGateway(ctx context.Context, provider topology.Provider, pinned *keys.IdentityAddress, forceTLS bool) (topology.GatewayCandidate, error) {
	candidates, err := provider.Gateways(ctx)
	if err != nil {
		return topology.GatewayCandidate{}, fmt.Errorf("gateway: topology lookup failed: %w", err)
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if forceTLS && !c.SupportsTLS {
			continue
		}
		filtered = append(filtered, c)
	}

	if pinned != nil {
		for _, c := range filtered {
			if c.Address == *pinned {
				return c, nil
			}
		}
		return topology.GatewayCandidate{}, fmt.Errorf("gateway: pinned gateway %s not found among candidates", pinned)
	}

	if len(filtered) == 0 {
		return topology.GatewayCandidate{}, ErrNoCandidates
	}
	return filtered[rand.Intn(len(filtered))], nil
}
