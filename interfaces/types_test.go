package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	addr, err := NewAddressFromHex("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", addr.String())
	assert.False(t, addr.IsZero())

	fromBytes, err := NewAddressFromBytes(addr.Bytes())
	require.NoError(t, err)
	assert.Equal(t, addr, fromBytes)

	_, err = NewAddressFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = NewAddressFromHex("not an address")
	assert.Error(t, err)

	var decoded struct {
		Sender Address `json:"sender"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"sender":"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"}`), &decoded))
	assert.Equal(t, addr, decoded.Sender)

	encoded, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}`, string(encoded))
}

func TestContentID(t *testing.T) {
	id := ComputeID([]byte("code"))
	parsed, err := NewContentIDFromHex("0x" + id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	_, err = NewContentIDFromHex("abcd")
	assert.Error(t, err)
	_, err = NewContentIDFromBytes(make([]byte, 31))
	assert.Error(t, err)
}

func TestNewSeedFromHex(t *testing.T) {
	seed, err := NewSeedFromHex("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), seed[31])

	_, err = NewSeedFromHex("ab")
	assert.ErrorContains(t, err, "32 bytes")
	_, err = NewSeedFromHex("xyz")
	assert.Error(t, err)
}

func TestContractKey(t *testing.T) {
	var raw [ContractKeySize]byte
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := NewContractKeyFromBytes(raw[:])
	require.NoError(t, err)

	senderID := key.SenderID()
	authID := key.AuthenticationID()
	assert.Equal(t, raw[:32], senderID[:])
	assert.Equal(t, raw[32:], authID[:])

	decoded, err := NewContractKeyFromBase64(key.Base64())
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = NewContractKeyFromBytes(raw[:63])
	assert.ErrorIs(t, err, ErrMalformedInput)
	_, err = NewContractKeyFromBase64("%%%")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestEpochKeyIsNotSerialized(t *testing.T) {
	encoded, err := json.Marshal(Epoch{Number: 1, StartingBlock: 10, Key: Seed{0xff}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"epoch_number":1,"starting_block":10}`, string(encoded))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err         error
		kind        ErrorKind
		recoverable bool
	}{
		{nil, KindNone, false},
		{ErrMalformedInput, KindMalformedInput, true},
		{fmt.Errorf("decrypting msg: %w", ErrAuthenticationFailure), KindAuthenticationFailure, true},
		{fmt.Errorf("field: %w", cryptoutils.ErrDecryption), KindAuthenticationFailure, true},
		{fmt.Errorf("%w: no seed", ErrKeyUnavailable), KindKeyUnavailable, false},
		{fmt.Errorf("%w: disk", ErrHostIO), KindHostIO, false},
		{ErrGasExhausted, KindGasExhausted, true},
		{ErrUnsupportedModule, KindUnsupportedModule, true},
		{fmt.Errorf("%w: unreachable", ErrExecution), KindExecution, true},
		{ErrInternalPanic, KindInternalPanic, false},
		{fmt.Errorf("%w: %w", ErrInternalPanic, ErrOutOfMemory), KindOutOfMemory, false},
		{ErrBusy, KindBusy, true},
		{errors.New("something else"), KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			kind := KindOf(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.recoverable, kind.Recoverable())
		})
	}
}

func TestParseErrorKind(t *testing.T) {
	for k := KindNone; k <= KindUnknown; k++ {
		assert.Equal(t, k, ParseErrorKind(k.String()))
	}
	assert.Equal(t, KindUnknown, ParseErrorKind("nonsense"))

	assert.Equal(t, ErrBusy, KindBusy.Sentinel())
	assert.Equal(t, ErrAuthenticationFailure, KindAuthenticationFailure.Sentinel())
	assert.Nil(t, KindNone.Sentinel())
	assert.Nil(t, KindUnknown.Sentinel())
}

func TestContentTypeString(t *testing.T) {
	assert.Equal(t, "code", CodeType.String())
	assert.Equal(t, "sealed", SealedSeedType.String())
	assert.Equal(t, "unknown", ContentType(42).String())
}
