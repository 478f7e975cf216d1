package storage

import (
	"context"
	"sync"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// MemoryStore is an in-process host key-value store. It backs tests and the
// --ephemeral mode of engined.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	gas  GasConfig
}

var (
	_ interfaces.HostStorage = (*MemoryStore)(nil)
	_ interfaces.Batcher     = (*MemoryStore)(nil)
)

func NewMemoryStore(gas GasConfig) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), gas: gas}
}

func (s *MemoryStore) Read(_ context.Context, key []byte) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[string(key)]
	if !ok {
		return nil, s.gas.ReadCost(key, nil), nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, s.gas.ReadCost(key, value), nil
}

func (s *MemoryStore) Write(_ context.Context, key, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return s.gas.WriteCost(key, value), nil
}

func (s *MemoryStore) Remove(_ context.Context, key []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return s.gas.RemoveCost(), nil
}

// ApplyBatch applies every op under a single lock.
func (s *MemoryStore) ApplyBatch(_ context.Context, ops []interfaces.KVOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(s.data, string(op.Key))
			continue
		}
		s.data[string(op.Key)] = append([]byte(nil), op.Value...)
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot returns a copy of every record, keyed by raw key.
func (s *MemoryStore) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (s *MemoryStore) ReadCost(key, value []byte) uint64 { return s.gas.ReadCost(key, value) }
func (s *MemoryStore) WriteCost(key, value []byte) uint64 { return s.gas.WriteCost(key, value) }
func (s *MemoryStore) RemoveCost() uint64 { return s.gas.RemoveCost() }
