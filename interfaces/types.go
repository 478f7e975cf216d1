package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HashSize is the size of every digest used on the call path (SHA-256).
const HashSize = 32

// Address is a 20-byte canonical account or contract address.
type Address [20]byte

// NewAddressFromBytes creates an address from its canonical 20-byte form.
func NewAddressFromBytes(addr []byte) (Address, error) {
	if len(addr) != 20 {
		return Address{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res Address
	copy(res[:], addr)
	return res, nil
}

// NewAddressFromHex parses a 40-character hex address, with or without 0x prefix.
func NewAddressFromHex(addr string) (Address, error) {
	if !common.IsHexAddress(addr) {
		return Address{}, fmt.Errorf("invalid hex address %q", addr)
	}
	return Address(common.HexToAddress(addr)), nil
}

// String returns the checksummed hex form of the address.
func (addr Address) String() string {
	return common.Address(addr).Hex()
}

// Bytes returns the raw 20-byte address.
func (addr Address) Bytes() []byte {
	return addr[:]
}

// IsZero reports whether the address is unset.
func (addr Address) IsZero() bool {
	return addr == Address{}
}

// MarshalText encodes the address as checksummed hex.
func (addr Address) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

// UnmarshalText decodes a hex address.
func (addr *Address) UnmarshalText(text []byte) error {
	parsed, err := NewAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying content.
// Contract code is addressed by its ContentID, which is also its code hash.
type ContentID [32]byte

// CodeHash is the SHA-256 of a contract's WASM bytecode.
type CodeHash = ContentID

// NewContentIDFromBytes creates a content ID from a 32-byte slice.
func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentID(hash), nil
}

func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// ContractKeySize is the wire size of a contract key.
const ContractKeySize = 64

// ContractKey is the opaque per-contract key: sender_id[32] ‖ authentication_id[32].
// The chain stores it next to the contract metadata and presents it on every call.
type ContractKey [ContractKeySize]byte

// NewContractKeyFromBytes copies a 64-byte contract key.
func NewContractKeyFromBytes(b []byte) (ContractKey, error) {
	if len(b) != ContractKeySize {
		return ContractKey{}, fmt.Errorf("%w: contract key must be %d bytes, got %d", ErrMalformedInput, ContractKeySize, len(b))
	}
	var key ContractKey
	copy(key[:], b)
	return key, nil
}

// NewContractKeyFromBase64 decodes the base64 form used in JSON call envelopes.
func NewContractKeyFromBase64(s string) (ContractKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ContractKey{}, fmt.Errorf("%w: contract key is not valid base64: %v", ErrMalformedInput, err)
	}
	return NewContractKeyFromBytes(raw)
}

// SenderID returns the first half of the key.
func (k ContractKey) SenderID() [HashSize]byte {
	var id [HashSize]byte
	copy(id[:], k[:HashSize])
	return id
}

// AuthenticationID returns the keyed MAC half of the key.
func (k ContractKey) AuthenticationID() [HashSize]byte {
	var id [HashSize]byte
	copy(id[:], k[HashSize:])
	return id
}

func (k ContractKey) Bytes() []byte {
	return k[:]
}

func (k ContractKey) Base64() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IoNonce is the per-call nonce chosen by the caller.
type IoNonce [32]byte

// Seed is the 32-byte root secret of one key generation.
type Seed [32]byte

// IsZero reports whether the seed is unset.
func (s Seed) IsZero() bool {
	return s == Seed{}
}

// NewSeedFromHex parses a 64 character hex seed with an optional 0x prefix.
func NewSeedFromHex(source string) (Seed, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(source, "0x"))
	if err != nil {
		return Seed{}, fmt.Errorf("invalid seed hex: %w", err)
	}
	var seed Seed
	if len(raw) != len(seed) {
		return Seed{}, fmt.Errorf("seed must be %d bytes, got %d", len(seed), len(raw))
	}
	copy(seed[:], raw)
	return seed, nil
}

// Coin is an amount of funds attached to a call or an outgoing message.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// ContractOperation selects the entry point of a contract call.
type ContractOperation int

const (
	OpInit ContractOperation = iota
	OpHandle
	OpQuery
	OpMigrate
)

func (op ContractOperation) String() string {
	switch op {
	case OpInit:
		return "init"
	case OpHandle:
		return "handle"
	case OpQuery:
		return "query"
	case OpMigrate:
		return "migrate"
	default:
		return "unknown"
	}
}

// Epoch is a validity interval for one generation of state keys.
type Epoch struct {
	Number        uint64 `json:"epoch_number"`
	StartingBlock uint64 `json:"starting_block"`
	Key           Seed   `json:"-"`
}
