package keystore

import (
	"context"
	"sync"

	"github.com/veilmesh/veilmesh/pkg/keys"
)

// MemoryStore is a process-local, unencrypted Store backed by maps guarded
// by a mutex. It is meant for tests and for ephemeral clients that opt out
// of persisting identity material across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	identity *keys.IdentityKeyPair
	gateways map[keys.IdentityAddress]GatewayRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gateways: make(map[keys.IdentityAddress]GatewayRecord)}
}

func (s *MemoryStore) SaveIdentity(_ context.Context, _ string, kp *keys.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = kp
	return nil
}

func (s *MemoryStore) LoadIdentity(_ context.Context, _ string) (*keys.IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil, ErrNotFound
	}
	return s.identity, nil
}

func (s *MemoryStore) HasIdentity(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil, nil
}

func (s *MemoryStore) SaveGatewayKeys(_ context.Context, rec GatewayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[rec.Address] = rec
	return nil
}

func (s *MemoryStore) LoadGatewayKeys(_ context.Context, gateway keys.IdentityAddress) (GatewayRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.gateways[gateway]
	return rec, ok, nil
}

func (s *MemoryStore) DeleteGatewayKeys(_ context.Context, gateway keys.IdentityAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gateways, gateway)
	return nil
}
