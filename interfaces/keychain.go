package interfaces

import "github.com/ruteri/confidential-contract-engine/cryptoutils"

type AESKey = cryptoutils.AESKey
type X25519KeyPair = cryptoutils.X25519KeyPair
type X25519PublicKey = cryptoutils.X25519PublicKey

// SeedsHolder carries a value derived from the genesis seed and from the
// current (possibly rotated) seed.
type SeedsHolder[T any] struct {
	Genesis T
	Current T
}

// Keychain is the read side of the key hierarchy consumed by the call path.
// Every method fails with ErrKeyUnavailable until a seed has been provisioned.
type Keychain interface {
	// ConsensusStateIKM is the input keying material for contract keys and storage field keys.
	ConsensusStateIKM() (SeedsHolder[AESKey], error)

	// ConsensusIOExchangeKeypair is used for ECDH with callers.
	ConsensusIOExchangeKeypair() (SeedsHolder[X25519KeyPair], error)

	// ConsensusCallbackSecret authenticates messages a contract sends to another contract.
	ConsensusCallbackSecret() (SeedsHolder[AESKey], error)

	// ContractKeyProofSecret binds a migrated contract's keys together.
	ContractKeyProofSecret() (SeedsHolder[AESKey], error)

	// StateKeysByBlock returns the state keys usable at height. The first key
	// encrypts new state; the rest are tried, in order, when decrypting.
	StateKeysByBlock(height uint64) ([]AESKey, error)
}
