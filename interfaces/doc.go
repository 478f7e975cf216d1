// Package interfaces defines the types and contracts shared by the
// confidential contract engine, separating them from their implementations.
//
// # Call path contracts
//
// HostStorage: the untrusted key-value store reached through the host. Every
// operation reports the gas the host metered for it.
//
// Keychain: the read side of the key hierarchy (consensus state IKM, I/O
// exchange keypair, callback and proof secrets, per-epoch state keys).
//
// # Storage contracts
//
// StorageBackend: content-addressed blob storage used for contract bytecode
// (addressed by code hash) and for sealed keychain blobs.
//
// StorageBackendFactory: creates storage backends from URI strings and
// aggregates them into a fallback chain.
//
// # Types
//
//   - Address: 20-byte canonical account or contract address
//   - ContentID / CodeHash: 32-byte SHA-256 content address
//   - ContractKey: 64-byte sender_id ‖ authentication_id
//   - Seed, Epoch: root secrets and their validity intervals
//   - Env: the call context the chain passes with every call
//
// # Errors
//
// The sentinel errors classify every failure a call can end with;
// KindOf maps a wrapped error back to its ErrorKind.
package interfaces
