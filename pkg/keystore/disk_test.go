package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
)

const testPassphrase = "my-secure-test-passphrase-123"

func TestDiskStoreIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewDiskStore(dir, testPassphrase)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

	kp, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}

	if err := store.SaveIdentity(ctx, testPassphrase, kp); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "identity.json"))
	if err != nil {
		t.Fatalf("stat identity file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("identity file permissions = %o, want 0600", mode)
	}

	has, err := store.HasIdentity(ctx)
	if err != nil {
		t.Fatalf("HasIdentity() error = %v", err)
	}
	if !has {
		t.Error("HasIdentity() = false, want true")
	}

	loaded, err := store.LoadIdentity(ctx, testPassphrase)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}

	wantPub, _ := kp.MarshalPublic()
	gotPub, _ := loaded.MarshalPublic()
	if string(wantPub) != string(gotPub) {
		t.Error("loaded identity public key does not match original")
	}
}

func TestDiskStoreLoadWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewDiskStore(dir, testPassphrase)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

	kp, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}
	if err := store.SaveIdentity(ctx, testPassphrase, kp); err != nil {
		t.Fatalf("SaveIdentity() error = %v", err)
	}

	wrongStore, err := NewDiskStore(dir, "a-different-passphrase-value")
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	if _, err := wrongStore.LoadIdentity(ctx, "a-different-passphrase-value"); err == nil {
		t.Fatal("expected error when loading with the wrong passphrase")
	}
}

func TestDiskStoreHasIdentityWhenAbsent(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), testPassphrase)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

	has, err := store.HasIdentity(context.Background())
	if err != nil {
		t.Fatalf("HasIdentity() error = %v", err)
	}
	if has {
		t.Error("HasIdentity() = true on empty store, want false")
	}
}

func TestDiskStoreGatewayKeysRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewDiskStore(t.TempDir(), testPassphrase)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}

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
		material[i] = byte(i)
	}
	sharedKeys, err := symmetric.NewSharedKeys(material)
	if err != nil {
		t.Fatalf("NewSharedKeys() error = %v", err)
	}

	rec := GatewayRecord{Address: addr, SharedKeys: sharedKeys, EstablishedAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.SaveGatewayKeys(ctx, rec); err != nil {
		t.Fatalf("SaveGatewayKeys() error = %v", err)
	}

	loaded, ok, err := store.LoadGatewayKeys(ctx, addr)
	if err != nil {
		t.Fatalf("LoadGatewayKeys() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadGatewayKeys() ok = false, want true")
	}
	if loaded.SharedKeys != sharedKeys {
		t.Error("loaded shared keys do not match original")
	}
	if !loaded.EstablishedAt.Equal(rec.EstablishedAt) {
		t.Errorf("EstablishedAt = %v, want %v", loaded.EstablishedAt, rec.EstablishedAt)
	}

	if err := store.DeleteGatewayKeys(ctx, addr); err != nil {
		t.Fatalf("DeleteGatewayKeys() error = %v", err)
	}
	_, ok, err = store.LoadGatewayKeys(ctx, addr)
	if err != nil {
		t.Fatalf("LoadGatewayKeys() after delete error = %v", err)
	}
	if ok {
		t.Error("LoadGatewayKeys() after delete ok = true, want false")
	}
}
