package securestore

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
	"github.com/ruteri/confidential-contract-engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newKeychain(t *testing.T) *keychain.Keychain {
	t.Helper()
	kc := keychain.New(nil)
	require.NoError(t, kc.SetConsensusSeed(interfaces.Seed{0x5e}, interfaces.Seed{0x5e}))
	return kc
}

func newStore(t *testing.T, host interfaces.HostStorage, kc interfaces.Keychain, ck interfaces.ContractKey, height uint64) *Store {
	t.Helper()
	s, err := New(host, kc, ck, height, nil, nil)
	require.NoError(t, err)
	return s
}

func chainAD(scrambled [sha256.Size]byte, writes int) [ADSize]byte {
	ad := InitialAD(scrambled)
	for i := 0; i < writes; i++ {
		ad = NextAD(ad[:])
	}
	return ad
}

func TestScenarioTwoWrites(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	host := storage.NewMemoryStore(storage.DefaultGasConfig())
	ck := interfaces.ContractKey{0xc0, 0xff, 0xee}
	s := newStore(t, host, kc, ck, 1)

	scrambled := ScrambledFieldName([]byte("k"), ck)

	_, err := s.Write(ctx, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	first := host.Snapshot()[string(scrambled[:])]

	_, err = s.Write(ctx, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	second := host.Snapshot()[string(scrambled[:])]

	assert.Equal(t, 1, host.Len(), "field names never reach the host in clear")
	adOne, adTwo := chainAD(scrambled, 1), chainAD(scrambled, 2)
	assert.Equal(t, adOne[:], first[:ADSize])
	assert.Equal(t, adTwo[:], second[:ADSize])
	assert.Equal(t, NextAD(first[:ADSize]), adTwo)

	value, found, _, err := s.Read(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(value))

	// The first ciphertext under the second record's ad.
	spliced := append(append([]byte(nil), second[:ADSize]...), first[ADSize:]...)
	_, err = host.Write(ctx, scrambled[:], spliced)
	require.NoError(t, err)
	_, _, _, err = s.Read(ctx, []byte("k"))
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	// A whole replayed record is self-consistent; rejecting it is up to the
	// host's commit protocol.
	_, err = host.Write(ctx, scrambled[:], first)
	require.NoError(t, err)
	value, _, _, err = s.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(value))
}

func TestADChainMonotonicity(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	host := storage.NewMemoryStore(storage.DefaultGasConfig())
	ck := interfaces.ContractKey{1}
	s := newStore(t, host, kc, ck, 1)

	field := []byte("counter")
	scrambled := ScrambledFieldName(field, ck)

	var records [][]byte
	for i := 1; i <= 5; i++ {
		_, err := s.Write(ctx, field, []byte{byte(i)})
		require.NoError(t, err)
		record := host.Snapshot()[string(scrambled[:])]
		expected := chainAD(scrambled, i)
		assert.Equal(t, expected[:], record[:ADSize], "write %d", i)
		records = append(records, record)
	}

	for i, record := range records {
		for j, other := range records {
			if i == j {
				continue
			}
			mixed := append(append([]byte(nil), other[:ADSize]...), record[ADSize:]...)
			_, err := s.open(scrambled, mixed)
			assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure, "ciphertext %d with ad %d", i, j)
		}
	}
}

func TestReadMissingAndRemove(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	host := storage.NewMemoryStore(storage.DefaultGasConfig())
	ck := interfaces.ContractKey{2}
	s := newStore(t, host, kc, ck, 1)

	_, found, gas, err := s.Read(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotZero(t, gas)

	_, err = s.Write(ctx, []byte("f"), []byte("a"))
	require.NoError(t, err)
	_, err = s.Write(ctx, []byte("f"), []byte("b"))
	require.NoError(t, err)

	_, err = s.Remove(ctx, []byte("f"))
	require.NoError(t, err)
	_, found, _, err = s.Read(ctx, []byte("f"))
	require.NoError(t, err)
	assert.False(t, found)

	// A new chain starts after removal.
	_, err = s.Write(ctx, []byte("f"), []byte("c"))
	require.NoError(t, err)
	scrambled := ScrambledFieldName([]byte("f"), ck)
	expected := chainAD(scrambled, 1)
	assert.Equal(t, expected[:], host.Snapshot()[string(scrambled[:])][:ADSize])
}

func TestEmptyValue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, storage.NewMemoryStore(storage.DefaultGasConfig()), newKeychain(t), interfaces.ContractKey{3}, 1)

	_, err := s.Write(ctx, []byte("empty"), nil)
	require.NoError(t, err)
	value, found, _, err := s.Read(ctx, []byte("empty"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, value)
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	host := storage.NewMemoryStore(storage.DefaultGasConfig())

	a := newStore(t, host, kc, interfaces.ContractKey{0xa}, 1)
	b := newStore(t, host, kc, interfaces.ContractKey{0xb}, 1)

	_, err := a.Write(ctx, []byte("balance"), []byte("100"))
	require.NoError(t, err)

	_, found, _, err := b.Read(ctx, []byte("balance"))
	require.NoError(t, err)
	assert.False(t, found, "another contract addresses other host keys")

	other := keychain.New(nil)
	require.NoError(t, other.SetConsensusSeed(interfaces.Seed{0x77}, interfaces.Seed{0x77}))
	stranger := newStore(t, host, other, interfaces.ContractKey{0xa}, 1)
	_, _, _, err = stranger.Read(ctx, []byte("balance"))
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestTamperedRecords(t *testing.T) {
	ctx := context.Background()
	host := storage.NewMemoryStore(storage.DefaultGasConfig())
	ck := interfaces.ContractKey{4}
	s := newStore(t, host, newKeychain(t), ck, 1)
	scrambled := ScrambledFieldName([]byte("f"), ck)

	tests := map[string][]byte{
		"empty":         {},
		"ad only":       make([]byte, ADSize),
		"tag truncated": make([]byte, ADSize+cryptoutils.SIVTagSize-1),
		"garbage":       make([]byte, 100),
	}
	for name, record := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := host.Write(ctx, scrambled[:], record)
			require.NoError(t, err)

			_, _, _, err = s.Read(ctx, []byte("f"))
			assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
		})
	}

	t.Run("short record blocks writes", func(t *testing.T) {
		_, err := host.Write(ctx, scrambled[:], []byte{1, 2, 3})
		require.NoError(t, err)
		_, err = s.Write(ctx, []byte("f"), []byte("x"))
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
	})
}

func TestEpochs(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	host := storage.NewMemoryStore(storage.DefaultGasConfig())
	ck := interfaces.ContractKey{5}

	old := newStore(t, host, kc, ck, 10)
	_, err := old.Write(ctx, []byte("f"), []byte("written in epoch 0"))
	require.NoError(t, err)

	_, err = kc.AddEpoch(100)
	require.NoError(t, err)

	current := newStore(t, host, kc, ck, 150)
	value, found, _, err := current.Read(ctx, []byte("f"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "written in epoch 0", string(value))

	_, err = current.Write(ctx, []byte("f"), []byte("written in epoch 1"))
	require.NoError(t, err)

	// The old epoch cannot read what the new one wrote.
	_, _, _, err = old.Read(ctx, []byte("f"))
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	value, _, _, err = current.Read(ctx, []byte("f"))
	require.NoError(t, err)
	assert.Equal(t, "written in epoch 1", string(value))
}

func TestNoSeed(t *testing.T) {
	_, err := New(storage.NewMemoryStore(storage.DefaultGasConfig()), keychain.New(nil), interfaces.ContractKey{}, 1, nil, nil)
	assert.ErrorIs(t, err, interfaces.ErrKeyUnavailable)
}

type mockHost struct {
	mock.Mock
}

func (m *mockHost) Read(ctx context.Context, key []byte) ([]byte, uint64, error) {
	args := m.Called(ctx, key)
	value, _ := args.Get(0).([]byte)
	return value, args.Get(1).(uint64), args.Error(2)
}

func (m *mockHost) Write(ctx context.Context, key, value []byte) (uint64, error) {
	args := m.Called(ctx, key, value)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockHost) Remove(ctx context.Context, key []byte) (uint64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(uint64), args.Error(1)
}

func TestHostFailuresAndGas(t *testing.T) {
	ctx := context.Background()
	kc := newKeychain(t)
	ck := interfaces.ContractKey{6}
	boom := errors.New("connection reset")

	t.Run("gas is accumulated", func(t *testing.T) {
		host := new(mockHost)
		host.On("Read", ctx, mock.Anything).Return(nil, uint64(7), nil)
		host.On("Write", ctx, mock.Anything, mock.Anything).Return(uint64(11), nil)

		s := newStore(t, host, kc, ck, 1)
		gas, err := s.Write(ctx, []byte("f"), []byte("v"))
		require.NoError(t, err)
		assert.Equal(t, uint64(18), gas)
		host.AssertExpectations(t)
	})

	t.Run("read failure", func(t *testing.T) {
		host := new(mockHost)
		host.On("Read", ctx, mock.Anything).Return(nil, uint64(3), boom)

		s := newStore(t, host, kc, ck, 1)
		_, _, gas, err := s.Read(ctx, []byte("f"))
		require.ErrorIs(t, err, interfaces.ErrHostIO)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, uint64(3), gas)

		_, err = s.Write(ctx, []byte("f"), []byte("v"))
		require.ErrorIs(t, err, interfaces.ErrHostIO)
		host.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("write failure", func(t *testing.T) {
		host := new(mockHost)
		host.On("Read", ctx, mock.Anything).Return(nil, uint64(1), nil)
		host.On("Write", ctx, mock.Anything, mock.Anything).Return(uint64(2), boom)

		s := newStore(t, host, kc, ck, 1)
		gas, err := s.Write(ctx, []byte("f"), []byte("v"))
		require.ErrorIs(t, err, interfaces.ErrHostIO)
		assert.Equal(t, uint64(3), gas)
	})

	t.Run("remove failure", func(t *testing.T) {
		host := new(mockHost)
		host.On("Remove", ctx, mock.Anything).Return(uint64(0), boom)

		s := newStore(t, host, kc, ck, 1)
		_, err := s.Remove(ctx, []byte("f"))
		require.ErrorIs(t, err, interfaces.ErrHostIO)
	})
}
