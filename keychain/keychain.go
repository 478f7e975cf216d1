package keychain

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// Purpose identifiers of derived keys. The mapping is part of the protocol:
// changing a value changes every key derived for that purpose.
const (
	PurposeSeedExchangeKeypair     uint32 = 1
	PurposeIOExchangeKeypair       uint32 = 2
	PurposeStateIKM                uint32 = 3
	PurposeCallbackSecret          uint32 = 4
	PurposeRandomnessEncryptionKey uint32 = 5
	PurposeInitialRandomnessSeed   uint32 = 6
	PurposeAdminProofSecret        uint32 = 7
	PurposeContractKeyProofSecret  uint32 = 8
)

var seedRotationContext = []byte("consensus-seed-rotation")

// DeriveForPurpose derives the purpose key of a seed.
func DeriveForPurpose(seed interfaces.Seed, purpose uint32) cryptoutils.AESKey {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], purpose)
	return cryptoutils.AESKey(seed).DeriveKey(p[:])
}

// derivedKeys are recomputed from the seeds whenever they change. Nothing here
// is ever persisted.
type derivedKeys struct {
	seedExchange   interfaces.SeedsHolder[cryptoutils.X25519KeyPair]
	ioExchange     interfaces.SeedsHolder[cryptoutils.X25519KeyPair]
	stateIKM       interfaces.SeedsHolder[cryptoutils.AESKey]
	callbackSecret interfaces.SeedsHolder[cryptoutils.AESKey]
	proofSecret    interfaces.SeedsHolder[cryptoutils.AESKey]

	randomEncryptionKey   cryptoutils.AESKey
	initialRandomnessSeed cryptoutils.AESKey
	adminProofSecret      cryptoutils.AESKey
}

// Keychain owns the consensus seeds, their derived keys and the epoch list.
// It is constructed once at start-up and passed to the engine; it is safe
// for concurrent use and read-mostly after provisioning.
type Keychain struct {
	mu sync.RWMutex

	seeds  *interfaces.SeedsHolder[interfaces.Seed]
	seedID uint16
	keys   derivedKeys
	epochs []interfaces.Epoch

	// registration is the ephemeral key of a node waiting for ImportSeed.
	registration *cryptoutils.X25519KeyPair

	log *slog.Logger
}

var _ interfaces.Keychain = (*Keychain)(nil)

// New returns an empty keychain. Every key accessor fails with
// interfaces.ErrKeyUnavailable until a seed is created or set.
func New(log *slog.Logger) *Keychain {
	if log == nil {
		log = slog.Default()
	}
	return &Keychain{log: log.With("component", "keychain")}
}

// CreateConsensusSeed generates a fresh random seed used as both genesis and
// current seed. Only the first node of a network does this.
func (k *Keychain) CreateConsensusSeed() error {
	var seed interfaces.Seed
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("generating consensus seed: %w", err)
	}
	return k.SetConsensusSeed(seed, seed)
}

// SetConsensusSeed installs the genesis and current seeds and re-derives every key.
// When no epoch exists yet, epoch 0 is created from the current seed starting at block 0.
func (k *Keychain) SetConsensusSeed(genesis, current interfaces.Seed) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.seeds = &interfaces.SeedsHolder[interfaces.Seed]{Genesis: genesis, Current: current}
	k.keys = deriveAll(*k.seeds)
	if len(k.epochs) == 0 {
		k.epochs = []interfaces.Epoch{{Number: 0, StartingBlock: 0, Key: current}}
	}

	k.log.Info("consensus seed set",
		"seed_id", k.seedID,
		slog.String("io_pubkey", k.keys.ioExchange.Current.Public.String()),
		slog.String("state_ikm", k.keys.stateIKM.Current.Fingerprint()))
	return nil
}

func deriveAll(seeds interfaces.SeedsHolder[interfaces.Seed]) derivedKeys {
	both := func(purpose uint32) interfaces.SeedsHolder[cryptoutils.AESKey] {
		return interfaces.SeedsHolder[cryptoutils.AESKey]{
			Genesis: DeriveForPurpose(seeds.Genesis, purpose),
			Current: DeriveForPurpose(seeds.Current, purpose),
		}
	}
	keypairs := func(purpose uint32) interfaces.SeedsHolder[cryptoutils.X25519KeyPair] {
		h := both(purpose)
		return interfaces.SeedsHolder[cryptoutils.X25519KeyPair]{
			Genesis: cryptoutils.X25519KeyPairFromSeed(h.Genesis),
			Current: cryptoutils.X25519KeyPairFromSeed(h.Current),
		}
	}

	return derivedKeys{
		seedExchange:          keypairs(PurposeSeedExchangeKeypair),
		ioExchange:            keypairs(PurposeIOExchangeKeypair),
		stateIKM:              both(PurposeStateIKM),
		callbackSecret:        both(PurposeCallbackSecret),
		proofSecret:           both(PurposeContractKeyProofSecret),
		randomEncryptionKey:   DeriveForPurpose(seeds.Current, PurposeRandomnessEncryptionKey),
		initialRandomnessSeed: DeriveForPurpose(seeds.Current, PurposeInitialRandomnessSeed),
		adminProofSecret:      DeriveForPurpose(seeds.Current, PurposeAdminProofSecret),
	}
}

// IsSeedSet reports whether the keychain has been provisioned.
func (k *Keychain) IsSeedSet() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.seeds != nil
}

func (k *Keychain) errUnavailable(what string) error {
	return fmt.Errorf("%w: %s requested before a consensus seed was set", interfaces.ErrKeyUnavailable, what)
}

// ConsensusSeed returns the raw seeds. Only sealing and peer provisioning need them.
func (k *Keychain) ConsensusSeed() (interfaces.SeedsHolder[interfaces.Seed], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[interfaces.Seed]{}, k.errUnavailable("consensus seed")
	}
	return *k.seeds, nil
}

// SeedID is the number of rotations applied to the current seed.
func (k *Keychain) SeedID() uint16 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.seedID
}

func (k *Keychain) ConsensusStateIKM() (interfaces.SeedsHolder[cryptoutils.AESKey], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[cryptoutils.AESKey]{}, k.errUnavailable("consensus state ikm")
	}
	return k.keys.stateIKM, nil
}

func (k *Keychain) ConsensusIOExchangeKeypair() (interfaces.SeedsHolder[cryptoutils.X25519KeyPair], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[cryptoutils.X25519KeyPair]{}, k.errUnavailable("io exchange keypair")
	}
	return k.keys.ioExchange, nil
}

func (k *Keychain) ConsensusSeedExchangeKeypair() (interfaces.SeedsHolder[cryptoutils.X25519KeyPair], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[cryptoutils.X25519KeyPair]{}, k.errUnavailable("seed exchange keypair")
	}
	return k.keys.seedExchange, nil
}

func (k *Keychain) ConsensusCallbackSecret() (interfaces.SeedsHolder[cryptoutils.AESKey], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[cryptoutils.AESKey]{}, k.errUnavailable("callback secret")
	}
	return k.keys.callbackSecret, nil
}

func (k *Keychain) ContractKeyProofSecret() (interfaces.SeedsHolder[cryptoutils.AESKey], error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return interfaces.SeedsHolder[cryptoutils.AESKey]{}, k.errUnavailable("contract key proof secret")
	}
	return k.keys.proofSecret, nil
}

// RandomEncryptionKey protects the randomness handed to contracts that request it.
func (k *Keychain) RandomEncryptionKey() (cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return cryptoutils.AESKey{}, k.errUnavailable("random encryption key")
	}
	return k.keys.randomEncryptionKey, nil
}

func (k *Keychain) InitialRandomnessSeed() (cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return cryptoutils.AESKey{}, k.errUnavailable("initial randomness seed")
	}
	return k.keys.initialRandomnessSeed, nil
}

func (k *Keychain) AdminProofSecret() (cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return cryptoutils.AESKey{}, k.errUnavailable("admin proof secret")
	}
	return k.keys.adminProofSecret, nil
}

// IncConsensusSeedID rotates the current seed. The new seed is derived from the
// previous one and the new id, so every node applying the same rotation ends up
// with the same keys. The genesis seed and existing epochs are kept.
func (k *Keychain) IncConsensusSeedID() (uint16, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seeds == nil {
		return 0, k.errUnavailable("seed rotation")
	}

	next := k.seedID + 1
	var id [2]byte
	binary.BigEndian.PutUint16(id[:], next)
	rotated := interfaces.Seed(cryptoutils.AESKey(k.seeds.Current).DeriveKey(seedRotationContext, id[:]))

	k.seeds.Current = rotated
	k.seedID = next
	k.keys = deriveAll(*k.seeds)

	k.log.Info("consensus seed rotated", "seed_id", next, slog.String("io_pubkey", k.keys.ioExchange.Current.Public.String()))
	return next, nil
}

// Epochs returns a copy of the epoch list ordered by number.
func (k *Keychain) Epochs() []interfaces.Epoch {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]interfaces.Epoch, len(k.epochs))
	copy(out, k.epochs)
	return out
}

// AddEpoch starts a new epoch with a fresh random key at startingBlock, which
// must be greater than the starting block of every existing epoch.
func (k *Keychain) AddEpoch(startingBlock uint64) (interfaces.Epoch, error) {
	var key interfaces.Seed
	if _, err := rand.Read(key[:]); err != nil {
		return interfaces.Epoch{}, fmt.Errorf("generating epoch key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seeds == nil {
		return interfaces.Epoch{}, k.errUnavailable("epoch")
	}

	latest := k.epochs[len(k.epochs)-1]
	if startingBlock <= latest.StartingBlock {
		return interfaces.Epoch{}, fmt.Errorf("epoch %d already starts at block %d, new epoch must start later than %d",
			latest.Number, latest.StartingBlock, startingBlock)
	}

	epoch := interfaces.Epoch{Number: latest.Number + 1, StartingBlock: startingBlock, Key: key}
	k.epochs = append(k.epochs, epoch)

	k.log.Info("epoch added", "epoch", epoch.Number, "starting_block", startingBlock)
	return epoch, nil
}

// RemoveLatestEpoch drops the newest epoch. At least one epoch always remains.
func (k *Keychain) RemoveLatestEpoch() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.epochs) <= 1 {
		return errors.New("cannot remove the last epoch")
	}
	removed := k.epochs[len(k.epochs)-1]
	k.epochs = k.epochs[:len(k.epochs)-1]
	k.log.Info("epoch removed", "epoch", removed.Number)
	return nil
}

// setEpochs replaces the epoch list, validating its ordering.
func (k *Keychain) setEpochs(epochs []interfaces.Epoch) error {
	if len(epochs) == 0 {
		return nil
	}
	sorted := make([]interfaces.Epoch, len(epochs))
	copy(sorted, epochs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Number == sorted[i-1].Number || sorted[i].StartingBlock <= sorted[i-1].StartingBlock {
			return fmt.Errorf("epochs %d and %d are not strictly ordered", sorted[i-1].Number, sorted[i].Number)
		}
	}
	k.epochs = sorted
	return nil
}

func epochStateKey(e interfaces.Epoch) cryptoutils.AESKey {
	return DeriveForPurpose(e.Key, PurposeStateIKM)
}

// StateKeyByEpoch returns the state IKM of the given epoch.
func (k *Keychain) StateKeyByEpoch(number uint64) (cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, e := range k.epochs {
		if e.Number == number {
			return epochStateKey(e), nil
		}
	}
	return cryptoutils.AESKey{}, fmt.Errorf("%w: no epoch %d", interfaces.ErrKeyUnavailable, number)
}

// currentEpochIndex returns the epoch with the largest starting block not after height.
func (k *Keychain) currentEpochIndex(height uint64) int {
	idx := -1
	for i, e := range k.epochs {
		if e.StartingBlock <= height {
			idx = i
		}
	}
	return idx
}

// StateKeyByBlock returns the epoch number and state IKM current at height.
func (k *Keychain) StateKeyByBlock(height uint64) (uint64, cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return 0, cryptoutils.AESKey{}, k.errUnavailable("state key")
	}
	idx := k.currentEpochIndex(height)
	if idx < 0 {
		return 0, cryptoutils.AESKey{}, fmt.Errorf("%w: no epoch covers block %d", interfaces.ErrKeyUnavailable, height)
	}
	return k.epochs[idx].Number, epochStateKey(k.epochs[idx]), nil
}

// StateKeysByBlock returns the key encrypting state at height first, followed
// by the keys of older epochs (newest first) and the consensus state IKMs, all
// of which may have encrypted existing records.
func (k *Keychain) StateKeysByBlock(height uint64) ([]cryptoutils.AESKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.seeds == nil {
		return nil, k.errUnavailable("state keys")
	}

	idx := k.currentEpochIndex(height)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no epoch covers block %d", interfaces.ErrKeyUnavailable, height)
	}

	keys := make([]cryptoutils.AESKey, 0, idx+3)
	seen := make(map[cryptoutils.AESKey]struct{}, idx+3)
	add := func(key cryptoutils.AESKey) {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for i := idx; i >= 0; i-- {
		add(epochStateKey(k.epochs[i]))
	}
	add(k.keys.stateIKM.Current)
	add(k.keys.stateIKM.Genesis)
	return keys, nil
}

// Wipe zeroes all key material and returns the keychain to the unprovisioned state.
func (k *Keychain) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.seeds != nil {
		for i := range k.seeds.Genesis {
			k.seeds.Genesis[i] = 0
			k.seeds.Current[i] = 0
		}
	}
	for i := range k.epochs {
		for j := range k.epochs[i].Key {
			k.epochs[i].Key[j] = 0
		}
	}
	k.seeds = nil
	k.epochs = nil
	k.seedID = 0
	k.keys = derivedKeys{}
}
