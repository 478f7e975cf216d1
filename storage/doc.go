// Package storage holds the untrusted stores the engine talks to.
//
// # Host key-value stores
//
// Contract state lives in a host key-value store implementing
// interfaces.HostStorage. Every operation reports the gas charged for it
// according to a GasConfig:
//
//   - MemoryStore keeps records in a map (tests, ephemeral nodes)
//   - BadgerStore persists records in a badger database
//   - CallBuffer overlays a store for the duration of one call and commits
//     the buffered mutations in one batch when the call succeeds
//
// The stores only ever see records produced by package securestore, which
// are encrypted and authenticated before they leave the enclave.
//
// # Blob backends
//
// Contract bytecode and sealed keychains are content addressed: the
// identifier of a blob is the SHA-256 of its bytes. Backends are created from
// location URIs by StorageBackendFactory:
//
//	file:///var/lib/engine/blobs
//	s3://bucket/prefix?region=us-west-2
//	vault://vault.example.com:8200/secret/engine?token=...
//	ipfs://localhost:5001/engine
//	https://mirror.example.org/engine (read-only)
//
// Each content type (code, sealed) is kept in its own namespace.
// MultiStorageBackend replicates writes to every available backend and reads
// from the first one holding the blob; per-backend failures are aggregated
// with go-multierror.
package storage
