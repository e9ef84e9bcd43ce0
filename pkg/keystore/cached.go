package keystore

import (
	"context"
	"fmt"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/persistence"
)

// CachedStore wraps an authoritative Store with a Redis read-through cache
// for gateway shared-key lookups. Identity operations pass straight
// through; only the gateway-key path benefits from caching, since it is
// read on every reconnect while identity is read once at startup.
type CachedStore struct {
	underlying Store
	cache      *persistence.RedisCache
}

// NewCachedStore constructs a CachedStore. underlying is the durable store
// of record (typically a PostgresStore or DiskStore); cache fronts its
// gateway-key reads.
func NewCachedStore(underlying Store, cache *persistence.RedisCache) *CachedStore {
	return &CachedStore{underlying: underlying, cache: cache}
}

func (s *CachedStore) SaveIdentity(ctx context.Context, passphrase string, kp *keys.IdentityKeyPair) error {
	return s.underlying.SaveIdentity(ctx, passphrase, kp)
}

func (s *CachedStore) LoadIdentity(ctx context.Context, passphrase string) (*keys.IdentityKeyPair, error) {
	return s.underlying.LoadIdentity(ctx, passphrase)
}

func (s *CachedStore) HasIdentity(ctx context.Context) (bool, error) {
	return s.underlying.HasIdentity(ctx)
}

func (s *CachedStore) SaveGatewayKeys(ctx context.Context, rec GatewayRecord) error {
	if err := s.underlying.SaveGatewayKeys(ctx, rec); err != nil {
		return err
	}
	if err := s.cache.CacheGatewayKeys(toWireRecord(rec)); err != nil {
		return fmt.Errorf("keystore: cache write-through failed: %w", err)
	}
	return nil
}

func (s *CachedStore) LoadGatewayKeys(ctx context.Context, gateway keys.IdentityAddress) (GatewayRecord, bool, error) {
	if wire, found, err := s.cache.GetCachedGatewayKeys(gateway.String()); err == nil && found {
		if rec, err := fromWireRecord(wire); err == nil {
			return rec, true, nil
		}
	}

	rec, found, err := s.underlying.LoadGatewayKeys(ctx, gateway)
	if err != nil || !found {
		return rec, found, err
	}

	// Best-effort repopulation: a cache-write failure here shouldn't fail
	// a lookup that already succeeded against the durable store.
	_ = s.cache.CacheGatewayKeys(toWireRecord(rec))
	return rec, true, nil
}

func (s *CachedStore) DeleteGatewayKeys(ctx context.Context, gateway keys.IdentityAddress) error {
	if err := s.underlying.DeleteGatewayKeys(ctx, gateway); err != nil {
		return err
	}
	return s.cache.InvalidateGatewayKeys(gateway.String())
}

func toWireRecord(rec GatewayRecord) persistence.GatewayKeyRecord {
	return persistence.GatewayKeyRecord{
		Address:       rec.Address.String(),
		EncryptionKey: rec.SharedKeys.EncryptionKey[:],
		MacKey:        rec.SharedKeys.MacKey[:],
		EstablishedAt: rec.EstablishedAt,
	}
}

func fromWireRecord(wire persistence.GatewayKeyRecord) (GatewayRecord, error) {
	addr, err := keys.ParseIdentityAddress(wire.Address)
	if err != nil {
		return GatewayRecord{}, fmt.Errorf("keystore: invalid cached gateway address: %w", err)
	}
	material := append(append([]byte{}, wire.EncryptionKey...), wire.MacKey...)
	sharedKeys, err := symmetric.NewSharedKeys(material)
	if err != nil {
		return GatewayRecord{}, fmt.Errorf("keystore: invalid cached key material: %w", err)
	}
	return GatewayRecord{
		Address:       addr,
		SharedKeys:    sharedKeys,
		EstablishedAt: wire.EstablishedAt,
	}, nil
}
