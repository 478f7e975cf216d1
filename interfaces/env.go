package interfaces

import (
	"encoding/base64"
	"fmt"
)

// BlockInfo describes the block a call executes in.
type BlockInfo struct {
	Height  uint64 `json:"height"`
	Time    uint64 `json:"time"`
	ChainID string `json:"chain_id"`
}

// MessageInfo describes the caller of a contract.
type MessageInfo struct {
	Sender    Address `json:"sender"`
	SentFunds []Coin  `json:"sent_funds"`
}

type ContractInfo struct {
	Address Address `json:"address"`
}

// ContractKeyInfo carries the contract keys the chain stores for a contract,
// base64 encoded. A migrated contract keeps its original key (which still
// encrypts its state) next to the key of its current code, linked by a proof.
type ContractKeyInfo struct {
	OriginalKey     string `json:"og_contract_key,omitempty"`
	CurrentKey      string `json:"current_contract_key,omitempty"`
	CurrentKeyProof string `json:"current_contract_key_proof,omitempty"`
}

// WasMigrated reports whether the contract carries a migration proof.
func (i *ContractKeyInfo) WasMigrated() bool {
	return i != nil && i.OriginalKey != "" && i.CurrentKeyProof != ""
}

// Env is the plaintext call context the chain attaches to every call.
type Env struct {
	Block            BlockInfo        `json:"block"`
	Message          MessageInfo      `json:"message"`
	Contract         ContractInfo     `json:"contract"`
	ContractKey      *ContractKeyInfo `json:"contract_key,omitempty"`
	ContractCodeHash string           `json:"contract_code_hash,omitempty"`
}

// CurrentContractKey decodes the key of the contract's current code.
func (e *Env) CurrentContractKey() (ContractKey, error) {
	if e.ContractKey == nil || e.ContractKey.CurrentKey == "" {
		return ContractKey{}, fmt.Errorf("%w: env carries no contract key", ErrMalformedInput)
	}
	return NewContractKeyFromBase64(e.ContractKey.CurrentKey)
}

// OriginalContractKey decodes the key a migrated contract was instantiated with.
func (e *Env) OriginalContractKey() (ContractKey, error) {
	if e.ContractKey == nil || e.ContractKey.OriginalKey == "" {
		return ContractKey{}, fmt.Errorf("%w: env carries no original contract key", ErrMalformedInput)
	}
	return NewContractKeyFromBase64(e.ContractKey.OriginalKey)
}

// CurrentKeyProof decodes the migration proof.
func (e *Env) CurrentKeyProof() ([HashSize]byte, error) {
	var proof [HashSize]byte
	if e.ContractKey == nil || e.ContractKey.CurrentKeyProof == "" {
		return proof, fmt.Errorf("%w: env carries no contract key proof", ErrMalformedInput)
	}
	raw, err := base64.StdEncoding.DecodeString(e.ContractKey.CurrentKeyProof)
	if err != nil || len(raw) != HashSize {
		return proof, fmt.Errorf("%w: contract key proof must be %d base64 encoded bytes", ErrMalformedInput, HashSize)
	}
	copy(proof[:], raw)
	return proof, nil
}
