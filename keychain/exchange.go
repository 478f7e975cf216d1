package keychain

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

var seedExportContext = []byte("consensus-seed-export")

// RegistrationPublicKey returns the public key a joining node presents (with a
// quote over it) to an already provisioned node. The registration keypair is
// generated on first use and lives only in memory.
func (k *Keychain) RegistrationPublicKey() (cryptoutils.X25519PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.registration == nil {
		kp, err := cryptoutils.NewX25519KeyPair(rand.Reader)
		if err != nil {
			return cryptoutils.X25519PublicKey{}, err
		}
		k.registration = &kp
	}
	return k.registration.Public, nil
}

// ExportSeed encrypts the keychain to a joining node. The peer's quote must
// commit to sha256(peerPub); otherwise nothing is exported.
// Envelope: sender seed-exchange public key[32] ‖ AES-SIV(ECDH key, sealed keychain)
func (k *Keychain) ExportSeed(peerPub cryptoutils.X25519PublicKey, peerQuote []byte, verifier cryptoutils.AttestationVerifier) ([]byte, error) {
	if verifier == nil {
		return nil, errors.New("no attestation verifier configured")
	}
	if _, err := verifier.Verify(cryptoutils.ReportDataForKey(peerPub), peerQuote); err != nil {
		return nil, fmt.Errorf("%w: peer attestation: %w", interfaces.ErrAuthenticationFailure, err)
	}

	exchange, err := k.ConsensusSeedExchangeKeypair()
	if err != nil {
		return nil, err
	}

	s, err := k.snapshot()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding keychain: %w", err)
	}
	defer wipeBytes(plaintext)

	key, err := exchangeKey(exchange.Current, peerPub)
	if err != nil {
		return nil, err
	}
	ct, err := key.EncryptSIV(plaintext, exchange.Current.Public[:], peerPub[:])
	if err != nil {
		return nil, err
	}

	k.log.Info("consensus seed exported", "peer", peerPub.String())
	return append(exchange.Current.Public[:], ct...), nil
}

// ImportSeed installs a keychain exported by a provisioned node to this
// node's registration key. The sender must hold the seed it sends: its public
// key must equal the seed-exchange key derived from the received seed.
func (k *Keychain) ImportSeed(envelope []byte) error {
	if len(envelope) < 32+cryptoutils.SIVTagSize {
		return fmt.Errorf("%w: seed envelope too short", interfaces.ErrMalformedInput)
	}

	k.mu.RLock()
	registration := k.registration
	k.mu.RUnlock()
	if registration == nil {
		return errors.New("no registration key, call RegistrationPublicKey first")
	}

	senderPub, _ := cryptoutils.NewX25519PublicKeyFromBytes(envelope[:32])
	key, err := exchangeKey(*registration, senderPub)
	if err != nil {
		return err
	}

	plaintext, err := key.DecryptSIV(envelope[32:], senderPub[:], registration.Public[:])
	if err != nil {
		return fmt.Errorf("%w: seed envelope: %w", interfaces.ErrAuthenticationFailure, err)
	}
	defer wipeBytes(plaintext)

	var s sealedKeychain
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return fmt.Errorf("%w: decoding seed envelope: %w", interfaces.ErrMalformedInput, err)
	}

	expected := cryptoutils.X25519KeyPairFromSeed(DeriveForPurpose(s.Current, PurposeSeedExchangeKeypair))
	if !bytes.Equal(expected.Public[:], senderPub[:]) {
		return fmt.Errorf("%w: sender does not hold the exported seed", interfaces.ErrAuthenticationFailure)
	}

	if err := k.restore(&s); err != nil {
		return err
	}

	k.mu.Lock()
	k.registration = nil
	k.mu.Unlock()
	return nil
}

func exchangeKey(kp cryptoutils.X25519KeyPair, peer cryptoutils.X25519PublicKey) (cryptoutils.AESKey, error) {
	shared, err := kp.DiffieHellman(peer)
	if err != nil {
		return cryptoutils.AESKey{}, fmt.Errorf("%w: %w", interfaces.ErrMalformedInput, err)
	}
	return cryptoutils.AESKey(shared).DeriveKey(seedExportContext), nil
}
