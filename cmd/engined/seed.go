package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/httpserver"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
)

// SeedSource selects how the node obtains its consensus seed.
type SeedSource string

const (
	// SeedFromHex takes the seeds from the command line. Development only.
	SeedFromHex SeedSource = "hex"
	// SeedFromSealed unseals a keychain blob from a storage backend.
	SeedFromSealed SeedSource = "sealed"
	// SeedFromShamir collects administrator shares over the admin API.
	SeedFromShamir SeedSource = "shamir"
)

func ParseSeedSource(s string) (SeedSource, error) {
	switch SeedSource(s) {
	case SeedFromHex, SeedFromSealed, SeedFromShamir:
		return SeedSource(s), nil
	default:
		return "", fmt.Errorf("invalid seed source %q, expected hex, sealed or shamir", s)
	}
}

// hexSeeds parses the genesis seed and the optional current seed, which
// defaults to the genesis seed.
func hexSeeds(genesisHex, currentHex string) (genesis, current interfaces.Seed, err error) {
	if genesisHex == "" {
		return genesis, current, errors.New("seed-hex is required for the hex seed source")
	}
	if genesis, err = interfaces.NewSeedFromHex(genesisHex); err != nil {
		return genesis, current, err
	}
	if currentHex == "" {
		return genesis, genesis, nil
	}
	current, err = interfaces.NewSeedFromHex(currentHex)
	return genesis, current, err
}

// sealedSeed describes where the sealed keychain lives and how to open it.
type sealedSeed struct {
	uri        string
	id         string
	passphrase string
	salt       string
}

func (s sealedSeed) configured() bool {
	return s.uri != "" && s.passphrase != ""
}

func (s sealedSeed) backend(factory interfaces.StorageBackendFactory) (interfaces.StorageBackend, error) {
	loc, err := interfaces.NewStorageBackendLocation(s.uri)
	if err != nil {
		return nil, err
	}
	return factory.StorageBackendFor(loc)
}

func (s sealedSeed) key() cryptoutils.SealingKey {
	return cryptoutils.DeriveSealingKey([]byte(s.passphrase), []byte(s.salt))
}

func (s sealedSeed) unseal(ctx context.Context, kc *keychain.Keychain, factory interfaces.StorageBackendFactory) error {
	if !s.configured() || s.id == "" {
		return errors.New("sealed-uri, sealed-id and the seal passphrase are required for the sealed seed source")
	}
	id, err := interfaces.NewContentIDFromHex(s.id)
	if err != nil {
		return fmt.Errorf("invalid sealed-id: %w", err)
	}
	backend, err := s.backend(factory)
	if err != nil {
		return err
	}
	return kc.UnsealFrom(ctx, backend, id, s.key())
}

// seal stores the keychain so the next start can use the sealed source.
func (s sealedSeed) seal(ctx context.Context, kc *keychain.Keychain, factory interfaces.StorageBackendFactory) (interfaces.ContentID, error) {
	backend, err := s.backend(factory)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	return kc.SealTo(ctx, backend, s.key())
}

func loadShamirConfig(adminKeysFile string, threshold int) (keychain.ShamirConfig, error) {
	if adminKeysFile == "" {
		return keychain.ShamirConfig{}, errors.New("admin-keys-file is required for the shamir seed source")
	}
	f, err := os.Open(adminKeysFile)
	if err != nil {
		return keychain.ShamirConfig{}, err
	}
	defer f.Close()

	keys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return keychain.ShamirConfig{}, err
	}
	return keychain.ShamirConfig{Threshold: threshold, AdminPubKeys: keys}, nil
}
