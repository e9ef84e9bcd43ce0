package keystore

import (
	"context"

	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/persistence"
)

// PostgresBackedStore durably persists gateway shared-key records in
// Postgres via persistence.PostgresStore. Identity keypair storage has no
// natural home in that schema (it is local secret material, not a ledger
// row), so it delegates to an embedded Store — typically a DiskStore.
type PostgresBackedStore struct {
	identity Store
	db       *persistence.PostgresStore
}

// NewPostgresBackedStore constructs a PostgresBackedStore. identity handles
// SaveIdentity/LoadIdentity/HasIdentity; db handles gateway key records.
func NewPostgresBackedStore(identity Store, db *persistence.PostgresStore) *PostgresBackedStore {
	return &PostgresBackedStore{identity: identity, db: db}
}

func (s *PostgresBackedStore) SaveIdentity(ctx context.Context, passphrase string, kp *keys.IdentityKeyPair) error {
	return s.identity.SaveIdentity(ctx, passphrase, kp)
}

func (s *PostgresBackedStore) LoadIdentity(ctx context.Context, passphrase string) (*keys.IdentityKeyPair, error) {
	return s.identity.LoadIdentity(ctx, passphrase)
}

func (s *PostgresBackedStore) HasIdentity(ctx context.Context) (bool, error) {
	return s.identity.HasIdentity(ctx)
}

func (s *PostgresBackedStore) SaveGatewayKeys(_ context.Context, rec GatewayRecord) error {
	return s.db.SaveGatewayKeys(toWireRecord(rec))
}

func (s *PostgresBackedStore) LoadGatewayKeys(_ context.Context, gateway keys.IdentityAddress) (GatewayRecord, bool, error) {
	wire, found, err := s.db.GetGatewayKeys(gateway.String())
	if err != nil || !found {
		return GatewayRecord{}, found, err
	}
	rec, err := fromWireRecord(wire)
	if err != nil {
		return GatewayRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresBackedStore) DeleteGatewayKeys(_ context.Context, gateway keys.IdentityAddress) error {
	return s.db.DeleteGatewayKeys(gateway.String())
}
