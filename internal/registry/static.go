// Package registry provides the address-registry collaborator sales resolve
// platform addresses from.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Static implements domain.AddressRegistry over a fixed key/address map,
// populated from configuration. Entries can be replaced at runtime; sales
// only observe changes through an explicit sync.
type Static struct {
	mu        sync.RWMutex
	addresses map[string]common.Address
}

// NewStatic creates a registry seeded with the given entries.
func NewStatic(addresses map[string]common.Address) *Static {
	m := make(map[string]common.Address, len(addresses))
	for k, v := range addresses {
		m[k] = v
	}
	return &Static{addresses: m}
}

// Address resolves a registry key.
func (s *Static) Address(ctx context.Context, key string) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addresses[key]
	if !ok {
		return common.Address{}, fmt.Errorf("registry: unknown key %q", key)
	}
	return addr, nil
}

// Set replaces the address for a key.
func (s *Static) Set(key string, addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[key] = addr
}
