package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/veilmesh/veilmesh/pkg/keys"
)

func TestMemoryStoreIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if has, _ := store.HasIdentity(ctx); has {
		t.Fatal("new MemoryStore reports an identity before one is saved")
	}

	kp, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}
	if err := store.SaveIdentity(ctx, "", kp); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	has, err := store.HasIdentity(ctx)
	if err != nil || !has {
		t.Fatalf("HasIdentity() = %v, %v; want true, nil", has, err)
	}

	loaded, err := store.LoadIdentity(ctx, "")
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	if loaded != kp {
		t.Error("LoadIdentity() returned a different keypair than was saved")
	}
}

func TestMemoryStoreGatewayKeysRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	kp, _ := keys.GenerateIdentityKeyPair()
	addr, _ := kp.Address()

	_, ok, err := store.LoadGatewayKeys(ctx, addr)
	if err != nil {
		t.Fatalf("LoadGatewayKeys() error = %v", err)
	}
	if ok {
		t.Fatal("LoadGatewayKeys() on empty store ok = true, want false")
	}

	rec := GatewayRecord{Address: addr, EstablishedAt: time.Now()}
	if err := store.SaveGatewayKeys(ctx, rec); err != nil {
		t.Fatalf("SaveGatewayKeys() error = %v", err)
	}

	loaded, ok, err := store.LoadGatewayKeys(ctx, addr)
	if err != nil || !ok {
		t.Fatalf("LoadGatewayKeys() = %v, %v, %v; want record, true, nil", loaded, ok, err)
	}

	if err := store.DeleteGatewayKeys(ctx, addr); err != nil {
		t.Fatalf("DeleteGatewayKeys() error = %v", err)
	}
	if _, ok, _ := store.LoadGatewayKeys(ctx, addr); ok {
		t.Error("LoadGatewayKeys() after delete still reports a record")
	}
}
