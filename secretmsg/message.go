package secretmsg

import (
	"encoding/base64"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

const (
	NonceSize     = 32
	PublicKeySize = 32
	headerSize    = NonceSize + PublicKeySize

	// MinEnvelopeSize is the smallest well-formed envelope: header, SIV tag
	// and the shortest payload a contract accepts.
	MinEnvelopeSize = 82
)

// SecretMessage is one encrypted call payload.
type SecretMessage struct {
	Nonce         interfaces.IoNonce
	UserPublicKey cryptoutils.X25519PublicKey
	Msg           []byte
}

// FromSlice parses the wire form nonce ‖ pubkey ‖ ciphertext.
func FromSlice(b []byte) (*SecretMessage, error) {
	if len(b) < MinEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope is %d bytes, need at least %d", interfaces.ErrMalformedInput, len(b), MinEnvelopeSize)
	}

	m := &SecretMessage{Msg: make([]byte, len(b)-headerSize)}
	copy(m.Nonce[:], b[:NonceSize])
	copy(m.UserPublicKey[:], b[NonceSize:headerSize])
	copy(m.Msg, b[headerSize:])
	return m, nil
}

// FromBase64 builds a message around a base64 payload, reusing the nonce and
// caller key of the message being answered.
func FromBase64(msg string, nonce interfaces.IoNonce, pub cryptoutils.X25519PublicKey) (*SecretMessage, error) {
	raw, err := base64.StdEncoding.DecodeString(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	return &SecretMessage{Nonce: nonce, UserPublicKey: pub, Msg: raw}, nil
}

// Bytes returns the wire form.
func (m *SecretMessage) Bytes() []byte {
	out := make([]byte, 0, headerSize+len(m.Msg))
	out = append(out, m.Nonce[:]...)
	out = append(out, m.UserPublicKey[:]...)
	return append(out, m.Msg...)
}

// EncryptionKey derives the symmetric key shared between io and the caller.
func (m *SecretMessage) EncryptionKey(io cryptoutils.X25519KeyPair) (cryptoutils.AESKey, error) {
	return sharedKey(io, m.UserPublicKey, m.Nonce)
}

// Decrypt authenticates and decrypts the payload. Nothing is returned for a
// payload that fails authentication.
func (m *SecretMessage) Decrypt(io cryptoutils.X25519KeyPair) ([]byte, error) {
	key, err := m.EncryptionKey(io)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	plaintext, err := key.DecryptSIV(m.Msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAuthenticationFailure, err)
	}
	return plaintext, nil
}

// EncryptInPlace replaces Msg with its encryption under the message key.
func (m *SecretMessage) EncryptInPlace(io cryptoutils.X25519KeyPair) error {
	key, err := m.EncryptionKey(io)
	if err != nil {
		return err
	}
	defer key.Wipe()

	ct, err := key.EncryptSIV(m.Msg)
	if err != nil {
		return err
	}
	m.Msg = ct
	return nil
}

// NewEncrypted builds the envelope a client sends to an engine whose I/O
// public key is enginePub.
func NewEncrypted(client cryptoutils.X25519KeyPair, enginePub cryptoutils.X25519PublicKey, nonce interfaces.IoNonce, plaintext []byte) (*SecretMessage, error) {
	key, err := ClientKey(client, enginePub, nonce)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	ct, err := key.EncryptSIV(plaintext)
	if err != nil {
		return nil, err
	}
	return &SecretMessage{Nonce: nonce, UserPublicKey: client.Public, Msg: ct}, nil
}

// ClientKey is the client side of EncryptionKey. The client needs it to read
// the encrypted fields of a result.
func ClientKey(client cryptoutils.X25519KeyPair, enginePub cryptoutils.X25519PublicKey, nonce interfaces.IoNonce) (cryptoutils.AESKey, error) {
	return sharedKey(client, enginePub, nonce)
}

// DecryptField decrypts one base64 encoded result leaf.
func DecryptField(key cryptoutils.AESKey, b64 string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	pt, err := key.DecryptSIV(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAuthenticationFailure, err)
	}
	return pt, nil
}

func sharedKey(own cryptoutils.X25519KeyPair, peer cryptoutils.X25519PublicKey, nonce interfaces.IoNonce) (cryptoutils.AESKey, error) {
	shared, err := own.DiffieHellman(peer)
	if err != nil {
		return cryptoutils.AESKey{}, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	ikm := cryptoutils.AESKey(shared)
	defer ikm.Wipe()
	return ikm.DeriveKey(nonce[:]), nil
}
