package gateway

import (
	"math/rand"
	"time"
)

// Backoff parameters for wait_for_gateway retries (spec.md §4.7).
const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2 // +/- 20%
)

// nextBackoff returns the delay before retry attempt n (0-indexed),
// exponential with base backoffBase, capped at backoffCap, with +/-20%
// jitter to avoid synchronized retries across clients.
func nextBackoff(attempt int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
			break
		}
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	scaled := time.Duration(float64(delay) * jitter)
	if scaled < 0 {
		scaled = 0
	}
	return scaled
}
