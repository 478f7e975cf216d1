package interfaces

import "context"

// HostStorage is the untrusted key-value store the host exposes to a call.
// Every operation reports the gas the host charged for it; the engine adds
// that gas to the call's consumption. Any returned error is treated as a
// host I/O failure that aborts the call.
type HostStorage interface {
	// Read returns the stored value, or nil if the key has no record.
	Read(ctx context.Context, key []byte) (value []byte, gasUsed uint64, err error)

	// Write stores value under key.
	Write(ctx context.Context, key, value []byte) (gasUsed uint64, err error)

	// Remove deletes the record under key. Removing a missing key is not an error.
	Remove(ctx context.Context, key []byte) (gasUsed uint64, err error)
}

// KVOp is one buffered mutation. A nil Value removes the key.
type KVOp struct {
	Key   []byte
	Value []byte
}

// Batcher is implemented by host stores that can apply several mutations atomically.
type Batcher interface {
	ApplyBatch(ctx context.Context, ops []KVOp) error
}

// GasMeter prices key-value access without performing it. Host stores that
// implement it let a write-back buffer charge their own schedule, so buffered
// and direct access cost the same.
type GasMeter interface {
	ReadCost(key, value []byte) uint64
	WriteCost(key, value []byte) uint64
	RemoveCost() uint64
}
