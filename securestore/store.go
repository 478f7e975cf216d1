// Package securestore encrypts contract state on its way to the untrusted
// host key-value store.
//
// A field key k of a contract with key ck is stored under
//
//	scrambled = sha256(k ‖ ck)
//
// so the host never learns field names. The record is ad ‖ AES-SIV(value, ad)
// under the field key stateKey.DeriveKey(scrambled ‖ ck). ad is a hash chain:
// the first write of a field stores sha256(sha256(scrambled)), every later
// write stores sha256 of the ad it replaces. A stale record replayed by the
// host carries an ad that no longer matches its position and fails to
// authenticate against the chain.
package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

const (
	// ADSize is the length of the associated data prefix of a record.
	ADSize = sha256.Size

	minRecordSize = ADSize + cryptoutils.SIVTagSize
)

// Store is the encrypted view of one contract's state during one call.
type Store struct {
	host        interfaces.HostStorage
	contractKey interfaces.ContractKey
	// keys[0] encrypts, every key is tried in order to decrypt.
	keys  []cryptoutils.AESKey
	locks *FieldLocks
	log   *slog.Logger
}

// New binds a store to the host, the contract key of the state being accessed
// and the state keys valid at height.
func New(host interfaces.HostStorage, kc interfaces.Keychain, contractKey interfaces.ContractKey, height uint64, locks *FieldLocks, log *slog.Logger) (*Store, error) {
	keys, err := kc.StateKeysByBlock(height)
	if err != nil {
		return nil, fmt.Errorf("resolving state keys at height %d: %w", height, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no state key at height %d", interfaces.ErrKeyUnavailable, height)
	}
	if locks == nil {
		locks = NewFieldLocks()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		host:        host,
		contractKey: contractKey,
		keys:        keys,
		locks:       locks,
		log:         log,
	}, nil
}

// ScrambledFieldName is the host key of field.
func ScrambledFieldName(field []byte, contractKey interfaces.ContractKey) [sha256.Size]byte {
	h := sha256.New()
	h.Write(field)
	h.Write(contractKey[:])
	var out [sha256.Size]byte
	h.Sum(out[:0])
	return out
}

// InitialAD is the hash the ad chain of a field starts from.
func InitialAD(scrambled [sha256.Size]byte) [ADSize]byte {
	return sha256.Sum256(scrambled[:])
}

// NextAD advances the ad chain by one write.
func NextAD(prev []byte) [ADSize]byte {
	return sha256.Sum256(prev)
}

func (s *Store) fieldKey(stateKey cryptoutils.AESKey, scrambled [sha256.Size]byte) cryptoutils.AESKey {
	return stateKey.DeriveKey(scrambled[:], s.contractKey[:])
}

// Read returns the decrypted value of field. found is false when the host has
// no record. A record that exists but fails to authenticate is an error.
func (s *Store) Read(ctx context.Context, field []byte) (value []byte, found bool, gasUsed uint64, err error) {
	scrambled := ScrambledFieldName(field, s.contractKey)

	unlock := s.locks.Lock(scrambled)
	defer unlock()

	record, gasUsed, err := s.hostRead(ctx, scrambled)
	if err != nil || record == nil {
		return nil, false, gasUsed, err
	}

	value, err = s.open(scrambled, record)
	if err != nil {
		return nil, false, gasUsed, err
	}
	return value, true, gasUsed, nil
}

// Write encrypts value under the next ad of field's chain and stores it.
func (s *Store) Write(ctx context.Context, field, value []byte) (uint64, error) {
	scrambled := ScrambledFieldName(field, s.contractKey)

	unlock := s.locks.Lock(scrambled)
	defer unlock()

	prev, gasUsed, err := s.hostRead(ctx, scrambled)
	if err != nil {
		return gasUsed, err
	}

	var ad [ADSize]byte
	if prev == nil {
		initial := InitialAD(scrambled)
		ad = NextAD(initial[:])
	} else {
		if len(prev) < minRecordSize {
			return gasUsed, fmt.Errorf("%w: stored record is %d bytes", interfaces.ErrAuthenticationFailure, len(prev))
		}
		ad = NextAD(prev[:ADSize])
	}

	key := s.fieldKey(s.keys[0], scrambled)
	defer key.Wipe()

	ct, err := key.EncryptSIV(value, ad[:])
	if err != nil {
		return gasUsed, err
	}

	record := make([]byte, 0, ADSize+len(ct))
	record = append(record, ad[:]...)
	record = append(record, ct...)

	gas, err := s.host.Write(ctx, scrambled[:], record)
	gasUsed += gas
	if err != nil {
		return gasUsed, hostErr(err)
	}
	return gasUsed, nil
}

// Remove deletes field. The ad chain of the field restarts on the next write.
func (s *Store) Remove(ctx context.Context, field []byte) (uint64, error) {
	scrambled := ScrambledFieldName(field, s.contractKey)

	unlock := s.locks.Lock(scrambled)
	defer unlock()

	gasUsed, err := s.host.Remove(ctx, scrambled[:])
	if err != nil {
		return gasUsed, hostErr(err)
	}
	return gasUsed, nil
}

func (s *Store) hostRead(ctx context.Context, scrambled [sha256.Size]byte) ([]byte, uint64, error) {
	record, gasUsed, err := s.host.Read(ctx, scrambled[:])
	if err != nil {
		return nil, gasUsed, hostErr(err)
	}
	return record, gasUsed, nil
}

func (s *Store) open(scrambled [sha256.Size]byte, record []byte) ([]byte, error) {
	if len(record) < minRecordSize {
		return nil, fmt.Errorf("%w: stored record is %d bytes", interfaces.ErrAuthenticationFailure, len(record))
	}
	ad, ct := record[:ADSize], record[ADSize:]

	for _, stateKey := range s.keys {
		key := s.fieldKey(stateKey, scrambled)
		value, err := key.DecryptSIV(ct, ad)
		key.Wipe()
		if err == nil {
			return value, nil
		}
	}

	s.log.Warn("stored record failed authentication",
		slog.String("field", hex.EncodeToString(scrambled[:4])),
		slog.Int("keys", len(s.keys)))
	return nil, fmt.Errorf("%w: record for field %x", interfaces.ErrAuthenticationFailure, scrambled[:4])
}

func hostErr(err error) error {
	if errors.Is(err, interfaces.ErrHostIO) {
		return err
	}
	return fmt.Errorf("%w: %w", interfaces.ErrHostIO, err)
}

// FieldLocks serialises the read-then-write sequence of a field. Fields are
// mapped onto a fixed set of stripes by the first byte of their host key.
type FieldLocks struct {
	stripes [256]sync.Mutex
}

func NewFieldLocks() *FieldLocks {
	return &FieldLocks{}
}

// Lock locks the stripe of scrambled and returns its unlock function.
func (l *FieldLocks) Lock(scrambled [sha256.Size]byte) func() {
	m := &l.stripes[scrambled[0]]
	m.Lock()
	return m.Unlock
}
