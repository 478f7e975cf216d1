package cryptoutils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/miscreant/miscreant.go"
	"golang.org/x/crypto/hkdf"
)

// SymmetricKeySize is the size of every symmetric key in the key hierarchy.
const SymmetricKeySize = 32

// SIVTagSize is the length AES-SIV adds to every plaintext.
const SIVTagSize = 16

var (
	// ErrDecryption is returned when a ciphertext fails authentication.
	ErrDecryption = errors.New("decryption failed")

	// ErrEncryption is returned when the cipher cannot be constructed.
	ErrEncryption = errors.New("encryption failed")
)

// hkdfSalt is fixed by the protocol. Changing it changes every derived key.
var hkdfSalt = []byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x02, 0x4b, 0xea, 0xd8, 0xdf, 0x69, 0x99,
	0x08, 0x52, 0xc2, 0x02, 0xdb, 0x0e, 0x00, 0x97,
	0xc1, 0xa1, 0x2e, 0xa6, 0x37, 0xd7, 0xe9, 0x6d,
}

// AESKey is a 256-bit symmetric key used both as AES-SIV key and as HKDF input.
type AESKey [SymmetricKeySize]byte

// NewAESKeyFromBytes copies a 32-byte key.
func NewAESKeyFromBytes(b []byte) (AESKey, error) {
	if len(b) != SymmetricKeySize {
		return AESKey{}, fmt.Errorf("invalid key length %d, expected %d", len(b), SymmetricKeySize)
	}
	var k AESKey
	copy(k[:], b)
	return k, nil
}

// DeriveKey derives a child key: HKDF-SHA256 over key ‖ data with the protocol salt
// and an empty info string.
func (k AESKey) DeriveKey(data ...[]byte) AESKey {
	ikm := make([]byte, 0, SymmetricKeySize+64)
	ikm = append(ikm, k[:]...)
	for _, d := range data {
		ikm = append(ikm, d...)
	}

	var out AESKey
	// Reading 32 bytes from HKDF-SHA256 cannot fail.
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, hkdfSalt, []byte{}), out[:]); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return out
}

// EncryptSIV encrypts plaintext with AES-CMAC-SIV. The result is tag ‖ ciphertext
// and depends only on the key, the plaintext and the associated data.
// Without associated data a single empty component is authenticated.
func (k AESKey) EncryptSIV(plaintext []byte, ad ...[]byte) ([]byte, error) {
	// miscreant ciphers keep internal state; one per operation.
	c, err := miscreant.NewAESCMACSIV(k[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	ct, err := c.Seal(nil, plaintext, sivAD(ad)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return ct, nil
}

// DecryptSIV reverses EncryptSIV. Any mismatch of key, ciphertext or associated
// data returns ErrDecryption and no plaintext.
func (k AESKey) DecryptSIV(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < SIVTagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrDecryption)
	}
	c, err := miscreant.NewAESCMACSIV(k[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	pt, err := c.Open(nil, ciphertext, sivAD(ad)...)
	if err != nil {
		return nil, ErrDecryption
	}
	return pt, nil
}

func sivAD(ad [][]byte) [][]byte {
	if len(ad) == 0 {
		return [][]byte{{}}
	}
	return ad
}

// Fingerprint is a short public identifier of the key, safe to log.
func (k AESKey) Fingerprint() string {
	h := sha256.Sum256(k[:])
	return hex.EncodeToString(h[:4])
}

// Wipe zeroes the key in place.
func (k *AESKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}
