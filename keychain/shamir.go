package keychain

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// ShamirConfig contains the administrator set guarding a seed.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the seed
	Threshold int
	// AdminPubKeys is the list of authorized administrator public keys in PEM format
	AdminPubKeys []cryptoutils.AppPubkey
}

func (c ShamirConfig) validate() (map[string]cryptoutils.AppPubkey, error) {
	if c.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(c.AdminPubKeys) < c.Threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	admins := make(map[string]cryptoutils.AppPubkey, len(c.AdminPubKeys))
	for _, pub := range c.AdminPubKeys {
		if err := pub.Validate(); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", pub, err)
		}
		admins[pub.Fingerprint()] = pub
	}
	return admins, nil
}

// EncryptedShare is one administrator's share, encrypted to that administrator.
type EncryptedShare struct {
	AdminFingerprint string `json:"admin_fingerprint"`
	Index            int    `json:"index"`
	Share            []byte `json:"encrypted_share"`
}

// SplitSeed splits seed into one share per administrator and encrypts each
// share to its administrator's public key. The caller must erase seed afterwards
// if it is not also sealed locally.
func SplitSeed(seed interfaces.Seed, config ShamirConfig) ([]EncryptedShare, error) {
	if _, err := config.validate(); err != nil {
		return nil, err
	}

	shares, err := shamir.Split(seed[:], len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split seed: %w", err)
	}
	defer func() {
		for _, s := range shares {
			wipeBytes(s)
		}
	}()

	out := make([]EncryptedShare, 0, len(shares))
	for i, pub := range config.AdminPubKeys {
		enc, err := cryptoutils.EncryptWithPublicKey(pub, shares[i])
		if err != nil {
			return nil, fmt.Errorf("encrypting share %d: %w", i, err)
		}
		out = append(out, EncryptedShare{AdminFingerprint: pub.Fingerprint(), Index: i, Share: enc})
	}
	return out, nil
}

// ShamirRecovery collects signed shares from administrators until the seed can
// be reconstructed.
type ShamirRecovery struct {
	mu             sync.Mutex
	threshold      int
	adminPubKeys   map[string]cryptoutils.AppPubkey
	receivedShares map[int][]byte
	seed           *interfaces.Seed
}

// NewShamirRecovery starts a locked recovery session.
func NewShamirRecovery(config ShamirConfig) (*ShamirRecovery, error) {
	admins, err := config.validate()
	if err != nil {
		return nil, err
	}
	return &ShamirRecovery{
		threshold:      config.Threshold,
		adminPubKeys:   admins,
		receivedShares: make(map[int][]byte),
	}, nil
}

// SubmitShare accepts a share signed (SignShare) by a registered administrator.
// Once the threshold is reached the seed is reconstructed and the received
// shares are wiped.
func (r *ShamirRecovery) SubmitShare(shareIndex int, share, signature []byte, adminPubKey cryptoutils.AppPubkey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seed != nil {
		return errors.New("seed is already recovered")
	}

	registered, found := r.adminPubKeys[adminPubKey.Fingerprint()]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKey) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	if err := cryptoutils.VerifyShareSignature(share, signature, adminPubKey); err != nil {
		return err
	}

	r.receivedShares[shareIndex] = append([]byte(nil), share...)
	return r.tryReconstruct()
}

func (r *ShamirRecovery) tryReconstruct() error {
	if len(r.receivedShares) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct seed: %w", err)
	}
	defer wipeBytes(secret)

	if len(secret) != len(interfaces.Seed{}) {
		return fmt.Errorf("reconstructed seed has length %d", len(secret))
	}
	var seed interfaces.Seed
	copy(seed[:], secret)
	r.seed = &seed

	for i := range r.receivedShares {
		wipeBytes(r.receivedShares[i])
	}
	r.receivedShares = make(map[int][]byte)
	return nil
}

// IsUnlocked reports whether the seed has been reconstructed.
func (r *ShamirRecovery) IsUnlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seed != nil
}

// SharesReceived returns the number of shares waiting for reconstruction.
func (r *ShamirRecovery) SharesReceived() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receivedShares)
}

func (r *ShamirRecovery) Threshold() int {
	return r.threshold
}

// Seed returns the recovered seed.
func (r *ShamirRecovery) Seed() (interfaces.Seed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seed == nil {
		return interfaces.Seed{}, fmt.Errorf("%w: need %d more shares", interfaces.ErrKeyUnavailable, r.threshold-len(r.receivedShares))
	}
	return *r.seed, nil
}
