package keychain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

const sealedFormatVersion = 1

// sealedEpoch mirrors interfaces.Epoch including its key, which the public
// type never serializes.
type sealedEpoch struct {
	Number        uint64          `json:"number"`
	StartingBlock uint64          `json:"starting_block"`
	Key           interfaces.Seed `json:"key"`
}

type sealedKeychain struct {
	Version int             `json:"version"`
	SeedID  uint16          `json:"seed_id"`
	Genesis interfaces.Seed `json:"genesis"`
	Current interfaces.Seed `json:"current"`
	Epochs  []sealedEpoch   `json:"epochs"`
}

func (k *Keychain) snapshot() (*sealedKeychain, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return nil, k.errUnavailable("seal")
	}

	s := &sealedKeychain{
		Version: sealedFormatVersion,
		SeedID:  k.seedID,
		Genesis: k.seeds.Genesis,
		Current: k.seeds.Current,
	}
	for _, e := range k.epochs {
		s.Epochs = append(s.Epochs, sealedEpoch{Number: e.Number, StartingBlock: e.StartingBlock, Key: e.Key})
	}
	return s, nil
}

func (k *Keychain) restore(s *sealedKeychain) error {
	if s.Version != sealedFormatVersion {
		return fmt.Errorf("unsupported sealed keychain version %d", s.Version)
	}

	epochs := make([]interfaces.Epoch, 0, len(s.Epochs))
	for _, e := range s.Epochs {
		epochs = append(epochs, interfaces.Epoch{Number: e.Number, StartingBlock: e.StartingBlock, Key: e.Key})
	}

	k.mu.Lock()
	if err := k.setEpochs(epochs); err != nil {
		k.mu.Unlock()
		return err
	}
	k.seedID = s.SeedID
	k.mu.Unlock()

	return k.SetConsensusSeed(s.Genesis, s.Current)
}

// Seal serializes the seeds, seed id and epochs and encrypts them under key.
func (k *Keychain) Seal(key cryptoutils.SealingKey) ([]byte, error) {
	s, err := k.snapshot()
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding keychain: %w", err)
	}
	defer wipeBytes(plaintext)

	return key.Seal(plaintext)
}

// Unseal restores a keychain sealed with Seal.
func (k *Keychain) Unseal(key cryptoutils.SealingKey, blob []byte) error {
	plaintext, err := key.Open(blob)
	if err != nil {
		return fmt.Errorf("unsealing keychain: %w", err)
	}
	defer wipeBytes(plaintext)

	var s sealedKeychain
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return fmt.Errorf("decoding sealed keychain: %w", err)
	}
	return k.restore(&s)
}

// SealTo seals the keychain and stores the blob in backend.
func (k *Keychain) SealTo(ctx context.Context, backend interfaces.StorageBackend, key cryptoutils.SealingKey) (interfaces.ContentID, error) {
	blob, err := k.Seal(key)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	id, err := backend.Store(ctx, blob, interfaces.SealedSeedType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("storing sealed keychain in %s: %w", backend.Name(), err)
	}

	k.log.Info("keychain sealed", "backend", backend.Name(), "id", id.String())
	return id, nil
}

// UnsealFrom fetches a sealed blob from backend and restores it.
func (k *Keychain) UnsealFrom(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID, key cryptoutils.SealingKey) error {
	blob, err := backend.Fetch(ctx, id, interfaces.SealedSeedType)
	if err != nil {
		return fmt.Errorf("fetching sealed keychain from %s: %w", backend.Name(), err)
	}
	return k.Unseal(key, blob)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
