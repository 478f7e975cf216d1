// Package contractkey derives and authenticates contract keys.
//
// A contract key is sender_id ‖ authentication_id where
//
//	sender_id         = sha256(sender ‖ be64(height))
//	authentication_id = HMAC-SHA256(stateIKM.DeriveKey(sender_id), sender_id ‖ code_hash ‖ contract_address)
//
// The chain stores the key next to the contract and presents it on every call.
// Recomputing authentication_id binds the call to the code the contract was
// instantiated with, so the host cannot swap in other code and have it read
// the contract's state.
package contractkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// GenerateSenderID hashes the instantiating sender with the block height.
func GenerateSenderID(sender []byte, height uint64) [interfaces.HashSize]byte {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)

	hasher := sha256.New()
	hasher.Write(sender)
	hasher.Write(h[:])

	var id [interfaces.HashSize]byte
	copy(id[:], hasher.Sum(nil))
	return id
}

// GenerateContractID computes authentication_id. contractAddress may be empty.
func GenerateContractID(stateIKM cryptoutils.AESKey, senderID [interfaces.HashSize]byte, codeHash interfaces.CodeHash, contractAddress []byte) [interfaces.HashSize]byte {
	authKey := stateIKM.DeriveKey(senderID[:])
	defer authKey.Wipe()

	mac := hmac.New(sha256.New, authKey[:])
	mac.Write(senderID[:])
	mac.Write(codeHash[:])
	mac.Write(contractAddress)

	var id [interfaces.HashSize]byte
	copy(id[:], mac.Sum(nil))
	return id
}

// GenerateEncryptionKey creates the key of a contract being instantiated.
func GenerateEncryptionKey(kc interfaces.Keychain, sender []byte, height uint64, code []byte, contractAddress []byte) (interfaces.ContractKey, error) {
	return GenerateEncryptionKeyForHash(kc, sender, height, interfaces.ComputeID(code), contractAddress)
}

// GenerateEncryptionKeyForHash is GenerateEncryptionKey for an already hashed code.
func GenerateEncryptionKeyForHash(kc interfaces.Keychain, sender []byte, height uint64, codeHash interfaces.CodeHash, contractAddress []byte) (interfaces.ContractKey, error) {
	ikm, err := kc.ConsensusStateIKM()
	if err != nil {
		return interfaces.ContractKey{}, err
	}

	senderID := GenerateSenderID(sender, height)
	authID := GenerateContractID(ikm.Current, senderID, codeHash, contractAddress)

	var key interfaces.ContractKey
	copy(key[:interfaces.HashSize], senderID[:])
	copy(key[interfaces.HashSize:], authID[:])
	return key, nil
}

// Extract returns the contract key the chain attached to a handle or query call.
func Extract(env *interfaces.Env) (interfaces.ContractKey, error) {
	if env == nil {
		return interfaces.ContractKey{}, fmt.Errorf("%w: missing env", interfaces.ErrMalformedInput)
	}
	return env.CurrentContractKey()
}

// Validate reports whether key was generated for code at contractAddress under
// the current consensus state IKM. It returns false on any mismatch and when no
// seed is available.
func Validate(kc interfaces.Keychain, key interfaces.ContractKey, code []byte, contractAddress []byte) bool {
	return ValidateHash(kc, key, interfaces.ComputeID(code), contractAddress)
}

// ValidateHash is Validate for an already hashed code.
func ValidateHash(kc interfaces.Keychain, key interfaces.ContractKey, codeHash interfaces.CodeHash, contractAddress []byte) bool {
	ikm, err := kc.ConsensusStateIKM()
	if err != nil {
		return false
	}

	expected := GenerateContractID(ikm.Current, key.SenderID(), codeHash, contractAddress)
	actual := key.AuthenticationID()
	return subtle.ConstantTimeCompare(expected[:], actual[:]) == 1
}

// GenerateContractKeyProof links the key a contract was instantiated with to
// the key of the code it was migrated to:
// sha256(address ‖ code_hash ‖ previous key ‖ new key ‖ secret).
func GenerateContractKeyProof(secret cryptoutils.AESKey, contractAddress []byte, codeHash interfaces.CodeHash, prevKey, newKey interfaces.ContractKey) [interfaces.HashSize]byte {
	hasher := sha256.New()
	hasher.Write(contractAddress)
	hasher.Write(codeHash[:])
	hasher.Write(prevKey[:])
	hasher.Write(newKey[:])
	hasher.Write(secret[:])

	var proof [interfaces.HashSize]byte
	copy(proof[:], hasher.Sum(nil))
	return proof
}

// NewContractKeyProof computes the proof with the keychain's current proof secret.
func NewContractKeyProof(kc interfaces.Keychain, contractAddress []byte, codeHash interfaces.CodeHash, prevKey, newKey interfaces.ContractKey) ([interfaces.HashSize]byte, error) {
	secret, err := kc.ContractKeyProofSecret()
	if err != nil {
		return [interfaces.HashSize]byte{}, err
	}
	return GenerateContractKeyProof(secret.Current, contractAddress, codeHash, prevKey, newKey), nil
}

// ValidateEnv authenticates the contract key carried by env against the code
// being executed and returns the key that encrypts the contract's state: the
// current key, or for a migrated contract the original key once the migration
// proof checks out. Failures wrap interfaces.ErrAuthenticationFailure.
func ValidateEnv(kc interfaces.Keychain, env *interfaces.Env, codeHash interfaces.CodeHash) (interfaces.ContractKey, error) {
	current, err := Extract(env)
	if err != nil {
		return interfaces.ContractKey{}, err
	}

	addr := env.Contract.Address.Bytes()
	if !ValidateHash(kc, current, codeHash, addr) {
		return interfaces.ContractKey{}, fmt.Errorf("%w: contract key does not match code %s", interfaces.ErrAuthenticationFailure, codeHash)
	}

	if !env.ContractKey.WasMigrated() {
		return current, nil
	}

	original, err := env.OriginalContractKey()
	if err != nil {
		return interfaces.ContractKey{}, err
	}
	sent, err := env.CurrentKeyProof()
	if err != nil {
		return interfaces.ContractKey{}, err
	}
	expected, err := NewContractKeyProof(kc, addr, codeHash, original, current)
	if err != nil {
		return interfaces.ContractKey{}, err
	}
	if subtle.ConstantTimeCompare(expected[:], sent[:]) != 1 {
		return interfaces.ContractKey{}, fmt.Errorf("%w: invalid contract key proof", interfaces.ErrAuthenticationFailure)
	}
	return original, nil
}
