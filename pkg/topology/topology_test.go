package topology

import (
	"context"
	"testing"

	"github.com/veilmesh/veilmesh/pkg/keys"
)

func TestStaticProviderReturnsCandidates(t *testing.T) {
	want := []GatewayCandidate{
		{Address: keys.IdentityAddress{1}, ListenerURL: "wss://gw1.example/ws", SupportsTLS: true},
		{Address: keys.IdentityAddress{2}, ListenerURL: "ws://gw2.example/ws"},
	}
	p := NewStaticProvider(want)

	got, err := p.Gateways(context.Background())
	if err != nil {
		t.Fatalf("Gateways() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStaticProviderMutationIsolation(t *testing.T) {
	original := []GatewayCandidate{{Address: keys.IdentityAddress{9}, ListenerURL: "ws://gw.example/ws"}}
	p := NewStaticProvider(original)
	original[0].ListenerURL = "mutated"

	got, err := p.Gateways(context.Background())
	if err != nil {
		t.Fatalf("Gateways() error = %v", err)
	}
	if got[0].ListenerURL != "ws://gw.example/ws" {
		t.Errorf("provider leaked caller mutation: got %q", got[0].ListenerURL)
	}

	got[0].ListenerURL = "also-mutated"
	got2, _ := p.Gateways(context.Background())
	if got2[0].ListenerURL != "ws://gw.example/ws" {
		t.Errorf("provider leaked returned-slice mutation: got %q", got2[0].ListenerURL)
	}
}

func TestStaticProviderEmptyIsError(t *testing.T) {
	p := NewStaticProvider(nil)
	if _, err := p.Gateways(context.Background()); err == nil {
		t.Fatal("expected error for an empty candidate list")
	}
}
