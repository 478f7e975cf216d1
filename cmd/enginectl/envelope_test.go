package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/secretmsg"
)

type fakeEngine struct {
	io cryptoutils.X25519KeyPair
}

func newFakeEngine(t *testing.T) *fakeEngine {
	io, err := cryptoutils.NewX25519KeyPair(rand.Reader)
	require.NoError(t, err)
	return &fakeEngine{io: io}
}

// respond decrypts the envelope and encrypts raw as the engine would.
func (e *fakeEngine) respond(t *testing.T, envelope []byte, codeHash interfaces.CodeHash, raw string) (string, []byte) {
	t.Helper()
	sm, err := secretmsg.FromSlice(envelope)
	require.NoError(t, err)
	plaintext, err := sm.Decrypt(e.io)
	require.NoError(t, err)
	msg, err := secretmsg.StripCodeHash(codeHash, plaintext)
	require.NoError(t, err)

	out, err := secretmsg.EncryptOutput(e.io, sm, []byte(raw), []byte("contract"), cryptoutils.AESKey{0x01}, interfaces.ABIV1)
	require.NoError(t, err)
	return string(msg), out
}

func newTestClientKey(t *testing.T) cryptoutils.X25519KeyPair {
	t.Helper()
	key, err := newClientKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "client-key.json")
	raw, err := json.Marshal(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	kp, err := loadClientKey(path)
	require.NoError(t, err)
	assert.Equal(t, key.Public, kp.Public.String())
	return kp
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := newFakeEngine(t)
	client := newTestClientKey(t)
	hash := interfaces.ComputeID([]byte("code"))

	sealed, nonce, err := encryptMsg(client, engine.io.Public, hash, []byte(`{"set":1}`))
	require.NoError(t, err)

	parsedNonce, err := parseNonceHex(sealed.Nonce)
	require.NoError(t, err)
	assert.Equal(t, nonce, parsedNonce)

	cases := map[string]struct {
		raw      string
		expected string
		errMsg   string
	}{
		"string result": {raw: `{"Ok":"stored"}`, expected: "stored"},
		"structured result": {
			raw:      `{"Ok":{"messages":[],"attributes":[],"events":[],"data":"` + base64.StdEncoding.EncodeToString([]byte("payload")) + `"}}`,
			expected: "payload",
		},
		"contract error": {raw: `{"Err":"insufficient funds"}`, errMsg: "insufficient funds"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			msg, out := engine.respond(t, sealed.Envelope, hash, tc.raw)
			assert.Equal(t, `{"set":1}`, msg)

			plaintext, err := decryptOutput(client, engine.io.Public, nonce, out)
			if tc.errMsg != "" {
				require.ErrorContains(t, err, tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(plaintext))
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	engine := newFakeEngine(t)
	client := newTestClientKey(t)
	other := newTestClientKey(t)
	hash := interfaces.ComputeID([]byte("code"))

	sealed, nonce, err := encryptMsg(client, engine.io.Public, hash, []byte("m"))
	require.NoError(t, err)
	_, out := engine.respond(t, sealed.Envelope, hash, `{"Ok":"secret"}`)

	_, err = decryptOutput(other, engine.io.Public, nonce, out)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestParseHexInputs(t *testing.T) {
	_, err := parseNonceHex("abcd")
	require.Error(t, err)
	_, err = parsePubkeyHex("0x1234")
	require.Error(t, err)

	kp, err := cryptoutils.NewX25519KeyPair(rand.Reader)
	require.NoError(t, err)
	pub, err := parsePubkeyHex("0x" + kp.Public.String())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)
}
