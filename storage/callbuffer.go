package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// CallBuffer is the write-back overlay a single call works against. Reads see
// the call's own writes; nothing reaches the target store until Commit, so a
// call that fails leaves no partial state behind.
//
// Reads that miss the overlay are charged by the target. Overlay hits and all
// writes are priced by the target when it implements interfaces.GasMeter and
// by the fallback schedule otherwise; the gas the target reports at commit
// has then already been charged.
type CallBuffer struct {
	mu      sync.Mutex
	target  interfaces.HostStorage
	gas     interfaces.GasMeter
	pending map[string][]byte // nil value: removed
}

var (
	_ interfaces.HostStorage = (*CallBuffer)(nil)
	_ interfaces.GasMeter    = GasConfig{}
)

func NewCallBuffer(target interfaces.HostStorage, fallback GasConfig) *CallBuffer {
	var gas interfaces.GasMeter = fallback
	if meter, ok := target.(interfaces.GasMeter); ok {
		gas = meter
	}
	return &CallBuffer{target: target, gas: gas, pending: make(map[string][]byte)}
}

func (b *CallBuffer) Read(ctx context.Context, key []byte) ([]byte, uint64, error) {
	b.mu.Lock()
	value, buffered := b.pending[string(key)]
	b.mu.Unlock()

	if buffered {
		if value == nil {
			return nil, b.gas.ReadCost(key, nil), nil
		}
		return append([]byte(nil), value...), b.gas.ReadCost(key, value), nil
	}
	return b.target.Read(ctx, key)
}

func (b *CallBuffer) Write(_ context.Context, key, value []byte) (uint64, error) {
	if value == nil {
		value = []byte{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[string(key)] = append([]byte{}, value...)
	return b.gas.WriteCost(key, value), nil
}

func (b *CallBuffer) Remove(_ context.Context, key []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[string(key)] = nil
	return b.gas.RemoveCost(), nil
}

// Ops returns the buffered mutations sorted by key.
func (b *CallBuffer) Ops() []interfaces.KVOp {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]interfaces.KVOp, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, interfaces.KVOp{Key: []byte(k), Value: b.pending[k]})
	}
	return ops
}

// Commit flushes the buffered mutations to the target, atomically when the
// target implements interfaces.Batcher. The buffer is empty afterwards.
func (b *CallBuffer) Commit(ctx context.Context) error {
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}

	if batcher, ok := b.target.(interfaces.Batcher); ok {
		if err := batcher.ApplyBatch(ctx, ops); err != nil {
			return err
		}
	} else {
		for _, op := range ops {
			var err error
			if op.Value == nil {
				_, err = b.target.Remove(ctx, op.Key)
			} else {
				_, err = b.target.Write(ctx, op.Key, op.Value)
			}
			if err != nil {
				return fmt.Errorf("%w: committing key %x: %v", interfaces.ErrHostIO, op.Key, err)
			}
		}
	}

	b.Discard()
	return nil
}

// Discard drops every buffered mutation.
func (b *CallBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string][]byte)
}

// Len returns the number of buffered keys.
func (b *CallBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
