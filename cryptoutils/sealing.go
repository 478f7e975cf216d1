package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/oasisprotocol/deoxysii"
	"golang.org/x/crypto/argon2"
)

// SealingKey protects secrets at rest. It is never used for consensus state,
// which needs the deterministic AESKey.EncryptSIV instead.
type SealingKey [deoxysii.KeySize]byte

// sealingAD binds sealed blobs to their purpose.
var sealingAD = []byte("confidential-contract-engine/sealed/v1")

// DeriveSealingKey stretches an operator secret into a sealing key using Argon2id.
// The salt should identify the node (for example its attestation measurement),
// so that the same secret seals differently on different nodes.
func DeriveSealingKey(secret []byte, salt []byte) SealingKey {
	s := append([]byte("CCE-SEALING-KEY-"), salt...)

	// time=1, memory=64MiB, threads=4
	var key SealingKey
	copy(key[:], argon2.IDKey(secret, s, 1, 64*1024, 4, deoxysii.KeySize))
	return key
}

// Seal encrypts plaintext with Deoxys-II-256-128 under a random nonce.
// Format: [nonce (15 bytes)][ciphertext ‖ tag]
func (k SealingKey) Seal(plaintext []byte) ([]byte, error) {
	aead, err := deoxysii.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, deoxysii.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, sealingAD), nil
}

// Open decrypts a blob produced by Seal.
func (k SealingKey) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < deoxysii.NonceSize+deoxysii.TagSize {
		return nil, errors.New("sealed data too short")
	}

	aead, err := deoxysii.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, sealed[:deoxysii.NonceSize], sealed[deoxysii.NonceSize:], sealingAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plaintext, nil
}
