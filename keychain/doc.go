// Package keychain implements the key hierarchy of the engine.
//
// A Keychain holds a genesis and a current consensus seed. Every other secret
// is derived from a seed and a fixed purpose identifier:
//
//	1 seed-exchange keypair     5 randomness encryption key
//	2 I/O exchange keypair      6 initial randomness seed
//	3 state IKM                 7 admin proof secret
//	4 callback secret           8 contract key proof secret
//
// Derivation is AESKey(seed).DeriveKey(be32(purpose)); keypairs use the
// derived key as X25519 private scalar. Derived keys are never persisted.
//
// # Epochs
//
// State keys rotate by epoch. Epoch 0 starts at block 0 and is keyed by the
// current seed at provisioning time; AddEpoch appends an epoch with a random
// key. The epoch current at a height is the one with the largest starting
// block not after it. StateKeysByBlock lists the key for new writes first and
// then every older key that may decrypt existing records.
//
// # Provisioning
//
// A keychain is provisioned in one of four ways:
//   - CreateConsensusSeed on the first node of a network
//   - SetConsensusSeed with a known seed (development)
//   - Unseal / UnsealFrom a blob sealed by this node earlier
//   - ImportSeed of an envelope produced by ExportSeed on an attested peer
//
// SplitSeed and ShamirRecovery let a threshold of administrators hold the
// seed instead of the node.
package keychain
