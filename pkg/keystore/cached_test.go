package keystore

import (
	"testing"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/persistence"
)

func TestWireRecordRoundTrip(t *testing.T) {
	kp, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}
	addr, err := kp.Address()
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}

	material := make([]byte, 2*symmetric.KeySize)
	for i := range material {
		material[i] = byte(i + 11)
	}
	sharedKeys, err := symmetric.NewSharedKeys(material)
	if err != nil {
		t.Fatalf("NewSharedKeys() error = %v", err)
	}

	rec := GatewayRecord{
		Address:       addr,
		SharedKeys:    sharedKeys,
		EstablishedAt: time.Now().Truncate(time.Second),
	}

	wire := toWireRecord(rec)
	if wire.Address != addr.String() {
		t.Errorf("wire.Address = %q, want %q", wire.Address, addr.String())
	}

	roundTripped, err := fromWireRecord(wire)
	if err != nil {
		t.Fatalf("fromWireRecord() error = %v", err)
	}
	if roundTripped.Address != rec.Address {
		t.Errorf("Address = %v, want %v", roundTripped.Address, rec.Address)
	}
	if roundTripped.SharedKeys != rec.SharedKeys {
		t.Errorf("SharedKeys mismatch after round trip")
	}
	if !roundTripped.EstablishedAt.Equal(rec.EstablishedAt) {
		t.Errorf("EstablishedAt = %v, want %v", roundTripped.EstablishedAt, rec.EstablishedAt)
	}
}

func TestFromWireRecordRejectsInvalidAddress(t *testing.T) {
	_, err := fromWireRecord(persistence.GatewayKeyRecord{Address: "not-a-valid-address"})
	if err == nil {
		t.Fatal("fromWireRecord() error = nil, want non-nil for a malformed address")
	}
}
