package keychain

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func provisioned(t *testing.T, seed interfaces.Seed) *Keychain {
	t.Helper()
	kc := New(testLogger())
	require.NoError(t, kc.SetConsensusSeed(seed, seed))
	return kc
}

func TestKeychain_UnavailableBeforeSeed(t *testing.T) {
	kc := New(testLogger())
	require.False(t, kc.IsSeedSet())

	accessors := map[string]func() error{
		"state ikm":         func() error { _, err := kc.ConsensusStateIKM(); return err },
		"io keypair":        func() error { _, err := kc.ConsensusIOExchangeKeypair(); return err },
		"seed exchange":     func() error { _, err := kc.ConsensusSeedExchangeKeypair(); return err },
		"callback secret":   func() error { _, err := kc.ConsensusCallbackSecret(); return err },
		"proof secret":      func() error { _, err := kc.ContractKeyProofSecret(); return err },
		"random key":        func() error { _, err := kc.RandomEncryptionKey(); return err },
		"initial rand seed": func() error { _, err := kc.InitialRandomnessSeed(); return err },
		"admin proof":       func() error { _, err := kc.AdminProofSecret(); return err },
		"state keys":        func() error { _, err := kc.StateKeysByBlock(1); return err },
		"rotate":            func() error { _, err := kc.IncConsensusSeedID(); return err },
		"add epoch":         func() error { _, err := kc.AddEpoch(10); return err },
		"seal": func() error {
			_, err := kc.Seal(cryptoutils.DeriveSealingKey([]byte("p"), nil))
			return err
		},
	}
	for name, fn := range accessors {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
			assert.Equal(t, interfaces.KindKeyUnavailable, interfaces.KindOf(err))
		})
	}
}

func TestKeychain_DeterministicDerivation(t *testing.T) {
	seed := interfaces.Seed{0x42}
	a := provisioned(t, seed)
	b := provisioned(t, seed)

	ikmA, err := a.ConsensusStateIKM()
	require.NoError(t, err)
	ikmB, err := b.ConsensusStateIKM()
	require.NoError(t, err)
	assert.Equal(t, ikmA, ikmB)
	assert.Equal(t, ikmA.Genesis, ikmA.Current)
	assert.Equal(t, DeriveForPurpose(seed, PurposeStateIKM), ikmA.Current)

	ioA, err := a.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	ioB, err := b.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	assert.Equal(t, ioA.Current.Public, ioB.Current.Public)

	// Every purpose yields a distinct key.
	seen := map[cryptoutils.AESKey]uint32{}
	for purpose := PurposeSeedExchangeKeypair; purpose <= PurposeContractKeyProofSecret; purpose++ {
		key := DeriveForPurpose(seed, purpose)
		prev, dup := seen[key]
		require.False(t, dup, "purpose %d collides with %d", purpose, prev)
		seen[key] = purpose
	}

	other := provisioned(t, interfaces.Seed{0x43})
	ikmOther, err := other.ConsensusStateIKM()
	require.NoError(t, err)
	assert.NotEqual(t, ikmA.Current, ikmOther.Current)
}

func TestKeychain_ZeroSeed(t *testing.T) {
	kc := provisioned(t, interfaces.Seed{})
	ikm, err := kc.ConsensusStateIKM()
	require.NoError(t, err)
	assert.NotEqual(t, cryptoutils.AESKey{}, ikm.Current)
}

func TestKeychain_IncConsensusSeedID(t *testing.T) {
	seed := interfaces.Seed{7}
	a := provisioned(t, seed)
	b := provisioned(t, seed)

	before, err := a.ConsensusIOExchangeKeypair()
	require.NoError(t, err)

	id, err := a.IncConsensusSeedID()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	assert.Equal(t, uint16(1), a.SeedID())

	after, err := a.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, before.Current.Public, after.Current.Public)
	assert.Equal(t, before.Genesis.Public, after.Genesis.Public, "genesis keys survive rotation")

	// Another node applying the same rotation derives the same keys.
	_, err = b.IncConsensusSeedID()
	require.NoError(t, err)
	afterB, err := b.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	assert.Equal(t, after.Current.Public, afterB.Current.Public)

	seeds, err := a.ConsensusSeed()
	require.NoError(t, err)
	assert.Equal(t, seed, seeds.Genesis)
	assert.NotEqual(t, seed, seeds.Current)
}

func TestKeychain_Epochs(t *testing.T) {
	kc := provisioned(t, interfaces.Seed{1})

	epochs := kc.Epochs()
	require.Len(t, epochs, 1)
	assert.Equal(t, uint64(0), epochs[0].Number)
	assert.Equal(t, uint64(0), epochs[0].StartingBlock)

	ikm, err := kc.ConsensusStateIKM()
	require.NoError(t, err)
	epoch0, err := kc.StateKeyByEpoch(0)
	require.NoError(t, err)
	assert.Equal(t, ikm.Current, epoch0, "epoch 0 is keyed by the provisioning seed")

	e1, err := kc.AddEpoch(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Number)

	_, err = kc.AddEpoch(100)
	require.Error(t, err, "starting block must increase")
	_, err = kc.AddEpoch(50)
	require.Error(t, err)

	e2, err := kc.AddEpoch(200)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Number)

	key1, err := kc.StateKeyByEpoch(1)
	require.NoError(t, err)
	key2, err := kc.StateKeyByEpoch(2)
	require.NoError(t, err)
	require.NotEqual(t, key1, key2)

	tests := []struct {
		height uint64
		epoch  uint64
		key    cryptoutils.AESKey
	}{
		{0, 0, epoch0},
		{99, 0, epoch0},
		{100, 1, key1},
		{199, 1, key1},
		{200, 2, key2},
		{1 << 40, 2, key2},
	}
	for _, tt := range tests {
		number, key, err := kc.StateKeyByBlock(tt.height)
		require.NoError(t, err)
		assert.Equal(t, tt.epoch, number, "height %d", tt.height)
		assert.Equal(t, tt.key, key, "height %d", tt.height)
	}

	keys, err := kc.StateKeysByBlock(150)
	require.NoError(t, err)
	// Epoch 0 and the consensus state IKM coincide and are listed once.
	assert.Equal(t, []cryptoutils.AESKey{key1, epoch0}, keys)

	keys, err = kc.StateKeysByBlock(250)
	require.NoError(t, err)
	assert.Equal(t, []cryptoutils.AESKey{key2, key1, epoch0}, keys)

	require.NoError(t, kc.RemoveLatestEpoch())
	require.NoError(t, kc.RemoveLatestEpoch())
	require.Error(t, kc.RemoveLatestEpoch(), "the last epoch stays")
	assert.Len(t, kc.Epochs(), 1)

	_, err = kc.StateKeyByEpoch(2)
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
}

func TestKeychain_StateKeysAfterRotation(t *testing.T) {
	kc := provisioned(t, interfaces.Seed{2})
	before, err := kc.ConsensusStateIKM()
	require.NoError(t, err)

	_, err = kc.IncConsensusSeedID()
	require.NoError(t, err)
	after, err := kc.ConsensusStateIKM()
	require.NoError(t, err)

	keys, err := kc.StateKeysByBlock(10)
	require.NoError(t, err)
	// Epoch 0 keeps the key it was created with; the rotated IKM is still
	// offered to decrypt records written under it.
	assert.Equal(t, []cryptoutils.AESKey{before.Current, after.Current}, keys)
}

func TestKeychain_SealUnseal(t *testing.T) {
	kc := provisioned(t, interfaces.Seed{3})
	_, err := kc.IncConsensusSeedID()
	require.NoError(t, err)
	_, err = kc.AddEpoch(500)
	require.NoError(t, err)

	key := cryptoutils.DeriveSealingKey([]byte("operator passphrase"), []byte("node-a"))
	blob, err := kc.Seal(key)
	require.NoError(t, err)

	restored := New(testLogger())
	require.NoError(t, restored.Unseal(key, blob))
	assertSameKeychain(t, kc, restored)

	wrong := cryptoutils.DeriveSealingKey([]byte("wrong passphrase"), []byte("node-a"))
	require.Error(t, New(testLogger()).Unseal(wrong, blob))
}

func TestKeychain_SealToStorage(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	kc := provisioned(t, interfaces.Seed{4})
	key := cryptoutils.DeriveSealingKey([]byte("passphrase"), []byte("salt"))

	id, err := kc.SealTo(ctx, backend, key)
	require.NoError(t, err)

	restored := New(testLogger())
	require.NoError(t, restored.UnsealFrom(ctx, backend, id, key))
	assertSameKeychain(t, kc, restored)

	err = New(testLogger()).UnsealFrom(ctx, backend, interfaces.ContentID{1}, key)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestKeychain_ExportImport(t *testing.T) {
	provider, verifier, err := cryptoutils.AttestationBackend(cryptoutils.DummyAttestation)
	require.NoError(t, err)

	source := provisioned(t, interfaces.Seed{5})
	_, err = source.AddEpoch(42)
	require.NoError(t, err)

	joining := New(testLogger())
	regPub, err := joining.RegistrationPublicKey()
	require.NoError(t, err)
	quote, err := provider.Attest(cryptoutils.ReportDataForKey(regPub))
	require.NoError(t, err)

	t.Run("rejects bad quote", func(t *testing.T) {
		_, err := source.ExportSeed(regPub, []byte("dummy-quote:00"), verifier)
		require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
	})

	envelope, err := source.ExportSeed(regPub, quote, verifier)
	require.NoError(t, err)

	t.Run("rejects tampered envelope", func(t *testing.T) {
		tampered := append([]byte(nil), envelope...)
		tampered[len(tampered)-1] ^= 1
		require.ErrorIs(t, joining.ImportSeed(tampered), interfaces.ErrAuthenticationFailure)
		require.False(t, joining.IsSeedSet())
	})

	require.NoError(t, joining.ImportSeed(envelope))
	assertSameKeychain(t, source, joining)

	// The registration key is single use.
	require.Error(t, joining.ImportSeed(envelope))
}

func TestKeychain_ImportRejectsForeignSender(t *testing.T) {
	provider, verifier, err := cryptoutils.AttestationBackend(cryptoutils.DummyAttestation)
	require.NoError(t, err)

	source := provisioned(t, interfaces.Seed{6})
	joining := New(testLogger())
	regPub, err := joining.RegistrationPublicKey()
	require.NoError(t, err)
	quote, err := provider.Attest(cryptoutils.ReportDataForKey(regPub))
	require.NoError(t, err)

	envelope, err := source.ExportSeed(regPub, quote, verifier)
	require.NoError(t, err)

	// Swap in a sender key that does not belong to the exported seed.
	impostor, err := provisioned(t, interfaces.Seed{7}).ConsensusSeedExchangeKeypair()
	require.NoError(t, err)
	forged := append(append([]byte(nil), impostor.Current.Public[:]...), envelope[32:]...)
	require.ErrorIs(t, joining.ImportSeed(forged), interfaces.ErrAuthenticationFailure)

	require.ErrorIs(t, joining.ImportSeed([]byte("short")), interfaces.ErrMalformedInput)
}

func TestKeychain_Wipe(t *testing.T) {
	kc := provisioned(t, interfaces.Seed{8})
	kc.Wipe()
	assert.False(t, kc.IsSeedSet())
	assert.Empty(t, kc.Epochs())
	_, err := kc.ConsensusStateIKM()
	require.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
}

func TestDeriveForPurpose_Vector(t *testing.T) {
	// Pinned so an accidental change of the derivation is noticed.
	key := DeriveForPurpose(interfaces.Seed{}, PurposeStateIKM)
	again := cryptoutils.AESKey{}.DeriveKey([]byte{0, 0, 0, 3})
	assert.Equal(t, hex.EncodeToString(again[:]), hex.EncodeToString(key[:]))
}

func assertSameKeychain(t *testing.T, want, got *Keychain) {
	t.Helper()

	wantSeeds, err := want.ConsensusSeed()
	require.NoError(t, err)
	gotSeeds, err := got.ConsensusSeed()
	require.NoError(t, err)
	assert.Equal(t, wantSeeds, gotSeeds)
	assert.Equal(t, want.SeedID(), got.SeedID())
	assert.Equal(t, want.Epochs(), got.Epochs())

	for _, e := range want.Epochs() {
		wantKey, err := want.StateKeyByEpoch(e.Number)
		require.NoError(t, err)
		gotKey, err := got.StateKeyByEpoch(e.Number)
		require.NoError(t, err)
		assert.Equal(t, wantKey, gotKey)
	}

	wantIO, err := want.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	gotIO, err := got.ConsensusIOExchangeKeypair()
	require.NoError(t, err)
	assert.Equal(t, wantIO.Current.Public, gotIO.Current.Public)
}
