package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// BadgerStore is the persistent host key-value store of engined. It only ever
// sees encrypted records.
type BadgerStore struct {
	db  *badger.DB
	gas GasConfig
	log *slog.Logger
}

var (
	_ interfaces.HostStorage = (*BadgerStore)(nil)
	_ interfaces.Batcher     = (*BadgerStore)(nil)
)

// OpenBadgerStore opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func OpenBadgerStore(dir string, gas GasConfig, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %q: %w", dir, err)
	}

	log.Info("Opened host store", slog.String("dir", dir), slog.Bool("in_memory", dir == ""))
	return &BadgerStore{db: db, gas: gas, log: log}, nil
}

func (s *BadgerStore) Read(_ context.Context, key []byte) ([]byte, uint64, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, s.gas.ReadCost(key, nil), nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", interfaces.ErrHostIO, err)
	}
	return value, s.gas.ReadCost(key, value), nil
}

func (s *BadgerStore) Write(_ context.Context, key, value []byte) (uint64, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrHostIO, err)
	}
	return s.gas.WriteCost(key, value), nil
}

func (s *BadgerStore) Remove(_ context.Context, key []byte) (uint64, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrHostIO, err)
	}
	return s.gas.RemoveCost(), nil
}

// ApplyBatch applies ops in a single transaction: either all of them become
// visible or none does.
func (s *BadgerStore) ApplyBatch(_ context.Context, ops []interfaces.KVOp) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Value == nil {
				err = txn.Delete(op.Key)
			} else {
				err = txn.Set(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: committing %d ops: %v", interfaces.ErrHostIO, len(ops), err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) ReadCost(key, value []byte) uint64 { return s.gas.ReadCost(key, value) }
func (s *BadgerStore) WriteCost(key, value []byte) uint64 { return s.gas.WriteCost(key, value) }
func (s *BadgerStore) RemoveCost() uint64 { return s.gas.RemoveCost() }
