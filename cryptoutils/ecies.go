package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EncryptWithPublicKey encrypts data to an administrator's P-256 key (ECIES).
// A fresh ephemeral key is generated for each call, the shared secret is hashed
// with SHA-256 and the payload sealed with AES-GCM.
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
func EncryptWithPublicKey(publicKeyPEM AppPubkey, data []byte) ([]byte, error) {
	pub, err := publicKeyPEM.ECDHPublicKey()
	if err != nil {
		return nil, err
	}

	ephemeral, err := pub.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ephemeralBytes := ephemeral.PublicKey().Bytes()
	out := make([]byte, 2, 2+len(ephemeralBytes)+len(iv)+len(data)+aesGCM.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralBytes)))
	out = append(out, ephemeralBytes...)
	out = append(out, iv...)
	return aesGCM.Seal(out, iv, data, nil), nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM AppPrivkey, encryptedData []byte) ([]byte, error) {
	priv, err := privateKeyPEM.ECDHPrivateKey()
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+12 {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeral, err := priv.Curve().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	plaintext, err := aesGCM.Open(nil, encryptedData[ivStart:ivStart+12], encryptedData[ivStart+12:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// SignShare signs sha256(share) with an administrator's key, proving the
// holder of the share submits it.
func SignShare(share []byte, privateKeyPEM AppPrivkey) ([]byte, error) {
	key, err := privateKeyPEM.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(share)

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(k, digest[:]), nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
}

// VerifyShareSignature checks a signature produced by SignShare.
func VerifyShareSignature(share, signature []byte, publicKeyPEM AppPubkey) error {
	key, err := publicKeyPEM.GetPublicKey()
	if err != nil {
		return fmt.Errorf("failed to parse admin public key: %w", err)
	}
	digest := sha256.Sum256(share)

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest[:], signature) {
			return errors.New("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest[:], signature) {
			return errors.New("invalid signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ED25519 key")
	}
	return nil
}

// ecdhPublic converts a parsed ECDSA public key for use with crypto/ecdh.
func ecdhPublic(key any) (*ecdh.PublicKey, error) {
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return ecdsaKey.ECDH()
}
