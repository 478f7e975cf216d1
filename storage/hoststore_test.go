package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]interfaces.HostStorage {
	t.Helper()
	badgerStore, err := OpenBadgerStore("", DefaultGasConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	onDisk, err := OpenBadgerStore(t.TempDir(), DefaultGasConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { onDisk.Close() })

	return map[string]interfaces.HostStorage{
		"memory":         NewMemoryStore(DefaultGasConfig()),
		"badger-inmem":   badgerStore,
		"badger-on-disk": onDisk,
	}
}

func TestHostStores(t *testing.T) {
	gas := DefaultGasConfig()
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			value, used, err := store.Read(ctx, []byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, value)
			assert.Equal(t, gas.ReadCost([]byte("missing"), nil), used)

			used, err = store.Write(ctx, []byte("k"), []byte("v1"))
			require.NoError(t, err)
			assert.Equal(t, gas.WriteCost([]byte("k"), []byte("v1")), used)

			value, used, err = store.Read(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), value)
			assert.Equal(t, gas.ReadCost([]byte("k"), []byte("v1")), used)

			used, err = store.Remove(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, gas.DeleteCost, used)

			value, _, err = store.Read(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Nil(t, value)

			// Removing a missing key is not an error.
			_, err = store.Remove(ctx, []byte("k"))
			require.NoError(t, err)

			batcher, ok := store.(interfaces.Batcher)
			require.True(t, ok)
			require.NoError(t, batcher.ApplyBatch(ctx, []interfaces.KVOp{
				{Key: []byte("a"), Value: []byte("1")},
				{Key: []byte("b"), Value: []byte("2")},
				{Key: []byte("a"), Value: nil},
			}))
			value, _, err = store.Read(ctx, []byte("a"))
			require.NoError(t, err)
			assert.Nil(t, value)
			value, _, err = store.Read(ctx, []byte("b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), value)
		})
	}
}

func TestBadgerStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenBadgerStore(dir, DefaultGasConfig(), nil)
	require.NoError(t, err)
	_, err = store.Write(ctx, []byte("persisted"), []byte("yes"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir, DefaultGasConfig(), nil)
	require.NoError(t, err)
	defer store.Close()

	value, _, err := store.Read(ctx, []byte("persisted"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), value)
}

func TestCallBuffer(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(DefaultGasConfig())
	_, err := target.Write(ctx, []byte("existing"), []byte("old"))
	require.NoError(t, err)

	buf := NewCallBuffer(target, DefaultGasConfig())

	value, _, err := buf.Read(ctx, []byte("existing"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)

	_, err = buf.Write(ctx, []byte("existing"), []byte("new"))
	require.NoError(t, err)
	_, err = buf.Write(ctx, []byte("fresh"), []byte("value"))
	require.NoError(t, err)
	_, err = buf.Remove(ctx, []byte("gone"))
	require.NoError(t, err)

	// Reads observe the call's own writes.
	value, _, err = buf.Read(ctx, []byte("existing"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)

	// Target untouched before commit.
	value, _, err = target.Read(ctx, []byte("existing"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)
	assert.Equal(t, 3, buf.Len())

	ops := buf.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, []byte("existing"), ops[0].Key)
	assert.Equal(t, []byte("fresh"), ops[1].Key)
	assert.Equal(t, []byte("gone"), ops[2].Key)
	assert.Nil(t, ops[2].Value)

	require.NoError(t, buf.Commit(ctx))
	assert.Equal(t, 0, buf.Len())

	snapshot := target.Snapshot()
	assert.Equal(t, map[string][]byte{"existing": []byte("new"), "fresh": []byte("value")}, snapshot)
}

func TestCallBuffer_Discard(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(DefaultGasConfig())
	buf := NewCallBuffer(target, DefaultGasConfig())

	_, err := buf.Write(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	buf.Discard()
	require.NoError(t, buf.Commit(ctx))
	assert.Equal(t, 0, target.Len())
}

// MockHostStorage is a HostStorage without batch support.
type MockHostStorage struct {
	mock.Mock
}

func (m *MockHostStorage) Read(ctx context.Context, key []byte) ([]byte, uint64, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Get(1).(uint64), args.Error(2)
	}
	return args.Get(0).([]byte), args.Get(1).(uint64), args.Error(2)
}

func (m *MockHostStorage) Write(ctx context.Context, key, value []byte) (uint64, error) {
	args := m.Called(ctx, key, value)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockHostStorage) Remove(ctx context.Context, key []byte) (uint64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(uint64), args.Error(1)
}

func TestCallBuffer_CommitWithoutBatcher(t *testing.T) {
	ctx := context.Background()
	target := &MockHostStorage{}
	target.On("Write", mock.Anything, []byte("a"), []byte("1")).Return(uint64(10), nil).Once()
	target.On("Remove", mock.Anything, []byte("b")).Return(uint64(5), nil).Once()

	buf := NewCallBuffer(target, DefaultGasConfig())
	_, _ = buf.Write(ctx, []byte("a"), []byte("1"))
	_, _ = buf.Remove(ctx, []byte("b"))

	require.NoError(t, buf.Commit(ctx))
	target.AssertExpectations(t)
}

func TestCallBuffer_CommitFailure(t *testing.T) {
	ctx := context.Background()
	target := &MockHostStorage{}
	target.On("Write", mock.Anything, []byte("a"), []byte("1")).Return(uint64(0), errors.New("disk full"))

	buf := NewCallBuffer(target, DefaultGasConfig())
	_, _ = buf.Write(ctx, []byte("a"), []byte("1"))

	err := buf.Commit(ctx)
	assert.ErrorIs(t, err, interfaces.ErrHostIO)
	assert.Equal(t, 1, buf.Len())
}

func TestCallBuffer_ChargesTargetSchedule(t *testing.T) {
	ctx := context.Background()
	hostGas := GasConfig{ReadCostFlat: 7, ReadCostPerByte: 1, WriteCostFlat: 50, WriteCostPerByte: 2, DeleteCost: 9}
	target := NewMemoryStore(hostGas)
	direct := NewMemoryStore(hostGas)

	// the engine's own schedule differs from the host's
	buf := NewCallBuffer(target, DefaultGasConfig())

	key, value := []byte("key"), []byte("value")
	buffered, err := buf.Write(ctx, key, value)
	require.NoError(t, err)
	charged, err := direct.Write(ctx, key, value)
	require.NoError(t, err)
	assert.Equal(t, charged, buffered)

	buffered, err = buf.Remove(ctx, key)
	require.NoError(t, err)
	charged, err = direct.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, charged, buffered)

	_, err = buf.Write(ctx, key, value)
	require.NoError(t, err)
	_, readGas, err := buf.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, hostGas.ReadCost(key, value), readGas)
}

func TestCallBuffer_FallbackSchedule(t *testing.T) {
	ctx := context.Background()
	fallback := GasConfig{WriteCostFlat: 11, DeleteCost: 3}
	buf := NewCallBuffer(&MockHostStorage{}, fallback)

	gas, err := buf.Write(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), gas)
	gas, err = buf.Remove(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gas)
}
