package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// AppPubkey is an administrator's public key in PEM format.
type AppPubkey []byte

// NewAppPubkey creates a new public key object from PEM-encoded data with validation.
func NewAppPubkey(data []byte) (AppPubkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return AppPubkey{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return AppPubkey{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return AppPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub AppPubkey) Validate() error {
	_, err := NewAppPubkey(pub)
	return err
}

// GetPublicKey returns the parsed public key.
func (pub AppPubkey) GetPublicKey() (any, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// ECDHPublicKey returns the key for ECIES. Only NIST curve keys qualify.
func (pub AppPubkey) ECDHPublicKey() (*ecdh.PublicKey, error) {
	key, err := pub.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return ecdhPublic(key)
}

// Fingerprint identifies the key in share registries and logs.
func (pub AppPubkey) Fingerprint() string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}

// AppPrivkey is an administrator's private key in PEM format.
type AppPrivkey []byte

// NewAppPrivkey creates a new private key object from PEM-encoded data with validation.
func NewAppPrivkey(data []byte) (AppPrivkey, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return AppPrivkey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if _, err := AppPrivkey(data).GetPrivateKey(); err != nil {
		return AppPrivkey{}, fmt.Errorf("invalid private key structure: %w", err)
	}

	return AppPrivkey(data), nil
}

// GetPrivateKey returns the parsed private key (PKCS8 or SEC1).
func (priv AppPrivkey) GetPrivateKey() (any, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key")
}

// ECDHPrivateKey returns the key for ECIES decryption.
func (priv AppPrivkey) ECDHPrivateKey() (*ecdh.PrivateKey, error) {
	key, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	return ecdsaKey.ECDH()
}

// PublicKey returns the PEM public half.
func (priv AppPrivkey) PublicKey() (AppPubkey, error) {
	key, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	var pub any
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		pub = &k.PublicKey
	case ed25519.PrivateKey:
		pub = k.Public()
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return AppPubkey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// RandomP256Keypair generates an administrator keypair.
func RandomP256Keypair() (AppPubkey, AppPrivkey, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return AppPubkey(pubkeyPEM), AppPrivkey(privateKeyPEM), nil
}
