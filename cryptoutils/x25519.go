package cryptoutils

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// X25519PublicKey is a Curve25519 public key.
type X25519PublicKey [32]byte

// String returns the hex encoding of the key.
func (p X25519PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// NewX25519PublicKeyFromBytes validates the length of a public key.
func NewX25519PublicKeyFromBytes(b []byte) (X25519PublicKey, error) {
	if len(b) != 32 {
		return X25519PublicKey{}, fmt.Errorf("invalid x25519 public key length %d", len(b))
	}
	var p X25519PublicKey
	copy(p[:], b)
	return p, nil
}

// X25519KeyPair holds a Curve25519 private scalar and its public point.
type X25519KeyPair struct {
	Private [32]byte
	Public  X25519PublicKey
}

var errLowOrderPoint = errors.New("x25519: low order peer public key")

// NewX25519KeyPair generates a keypair from the given source of randomness.
func NewX25519KeyPair(rand io.Reader) (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand, priv[:]); err != nil {
		return X25519KeyPair{}, fmt.Errorf("reading randomness: %w", err)
	}
	return newX25519KeyPair(priv)
}

// X25519KeyPairFromSeed uses a derived key as the private scalar.
func X25519KeyPairFromSeed(seed AESKey) X25519KeyPair {
	kp, err := newX25519KeyPair(seed)
	if err != nil {
		// Base point multiplication never fails.
		panic(err)
	}
	return kp
}

// X25519KeyPairFromPrivate rebuilds a keypair from a stored private scalar.
func X25519KeyPairFromPrivate(priv []byte) (X25519KeyPair, error) {
	if len(priv) != 32 {
		return X25519KeyPair{}, fmt.Errorf("invalid x25519 private key length %d", len(priv))
	}
	return newX25519KeyPair([32]byte(priv))
}

func newX25519KeyPair(priv [32]byte) (X25519KeyPair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, err
	}
	kp := X25519KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DiffieHellman computes the shared secret with peer.
func (kp X25519KeyPair) DiffieHellman(peer X25519PublicKey) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return shared, errLowOrderPoint
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(out, zero[:]) == 1 {
		return shared, errLowOrderPoint
	}
	copy(shared[:], out)
	return shared, nil
}
