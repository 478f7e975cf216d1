package secretmsg

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outputFixture struct {
	io             cryptoutils.X25519KeyPair
	client         cryptoutils.X25519KeyPair
	msg            *SecretMessage
	key            cryptoutils.AESKey
	contractAddr   []byte
	callbackSecret cryptoutils.AESKey
}

func newOutputFixture(t *testing.T) *outputFixture {
	t.Helper()
	f := &outputFixture{
		io:             newKeyPair(t),
		client:         newKeyPair(t),
		contractAddr:   []byte("contract-address-001"),
		callbackSecret: cryptoutils.AESKey{0xcb},
	}
	var err error
	f.msg, err = NewEncrypted(f.client, f.io.Public, interfaces.IoNonce{7}, []byte("input"))
	require.NoError(t, err)
	f.key, err = ClientKey(f.client, f.io.Public, f.msg.Nonce)
	require.NoError(t, err)
	return f
}

func (f *outputFixture) encrypt(t *testing.T, raw string, abi interfaces.ABIVersion) map[string]json.RawMessage {
	t.Helper()
	out, err := EncryptOutput(f.io, f.msg, []byte(raw), f.contractAddr, f.callbackSecret, abi)
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded
}

func (f *outputFixture) decryptString(t *testing.T, b64 string) string {
	t.Helper()
	pt, err := DecryptField(f.key, b64)
	require.NoError(t, err)
	return string(pt)
}

func TestEncryptOutput_Err(t *testing.T) {
	f := newOutputFixture(t)

	for _, tag := range []string{"Err", "err", "error"} {
		t.Run(tag, func(t *testing.T) {
			out := f.encrypt(t, `{"`+tag+`":{"not_found":{"kind":"balance"}}}`, interfaces.ABIV010)
			require.Contains(t, out, TagErr)

			var envelope struct {
				GenericErr struct {
					Msg string `json:"msg"`
				} `json:"generic_err"`
			}
			require.NoError(t, json.Unmarshal(out[TagErr], &envelope))
			assert.JSONEq(t, `{"not_found":{"kind":"balance"}}`, f.decryptString(t, envelope.GenericErr.Msg))
		})
	}

	t.Run("string error", func(t *testing.T) {
		out := f.encrypt(t, `{"error":"insufficient funds"}`, interfaces.ABIV1)
		var envelope struct {
			GenericErr struct {
				Msg string `json:"msg"`
			} `json:"generic_err"`
		}
		require.NoError(t, json.Unmarshal(out[TagErr], &envelope))
		assert.Equal(t, "insufficient funds", f.decryptString(t, envelope.GenericErr.Msg))
	})
}

func TestEncryptOutput_QueryString(t *testing.T) {
	f := newOutputFixture(t)
	answer := base64.StdEncoding.EncodeToString([]byte(`{"balance":"5"}`))

	out := f.encrypt(t, `{"Ok":"`+answer+`"}`, interfaces.ABIV010)
	var ok string
	require.NoError(t, json.Unmarshal(out[TagOk], &ok))
	assert.NotEqual(t, answer, ok)
	assert.Equal(t, answer, f.decryptString(t, ok))

	again := f.encrypt(t, `{"ok":"`+answer+`"}`, interfaces.ABIV1)
	assert.Equal(t, out[TagOk], again[TagOk], "encryption is deterministic")
}

func TestEncryptOutput_V010(t *testing.T) {
	f := newOutputFixture(t)
	targetHash := interfaces.ComputeID([]byte("target code")).String()
	innerMsg := base64.StdEncoding.EncodeToString([]byte(`{"transfer":{"amount":"10"}}`))
	data := base64.StdEncoding.EncodeToString([]byte("result data"))

	raw := `{"Ok":{
		"messages":[
			{"bank":{"send":{"from_address":"a","to_address":"b","amount":[{"denom":"uscrt","amount":"1"}]}}},
			{"wasm":{"execute":{"contract_addr":"target","callback_code_hash":"` + targetHash + `","msg":"` + innerMsg + `","send":[{"denom":"uscrt","amount":"3"}],"callback_sig":null}}}
		],
		"log":[
			{"key":"action","value":"transfer"},
			{"key":"public","value":"visible","encrypted":false}
		],
		"data":"` + data + `"
	}}`

	out := f.encrypt(t, raw, interfaces.ABIV010)
	var res ResultV010
	require.NoError(t, json.Unmarshal(out[TagOk], &res))
	require.Len(t, res.Messages, 2)

	t.Run("non-wasm messages pass through", func(t *testing.T) {
		assert.Nil(t, res.Messages[0].Wasm)
		assert.JSONEq(t, `{"bank":{"send":{"from_address":"a","to_address":"b","amount":[{"denom":"uscrt","amount":"1"}]}}}`, string(res.Messages[0].Raw))
	})

	t.Run("wasm message is re-wrapped and signed", func(t *testing.T) {
		exec := res.Messages[1].Wasm.Execute
		require.NotNil(t, exec)
		assert.Equal(t, "target", exec.ContractAddr)
		assert.Equal(t, targetHash, exec.CallbackCodeHash)
		assert.Equal(t, []interfaces.Coin{{Denom: "uscrt", Amount: "3"}}, exec.Send)

		inner, err := FromSlice(exec.Msg)
		require.NoError(t, err)
		assert.Equal(t, f.msg.Nonce, inner.Nonce)
		assert.Equal(t, f.client.Public, inner.UserPublicKey)

		plaintext, err := inner.Decrypt(f.io)
		require.NoError(t, err)
		codeHash, err := interfaces.NewContentIDFromHex(targetHash)
		require.NoError(t, err)
		stripped, err := StripCodeHash(codeHash, plaintext)
		require.NoError(t, err)
		assert.Equal(t, `{"transfer":{"amount":"10"}}`, string(stripped))

		assert.True(t, VerifyCallbackSignature(f.callbackSecret, f.contractAddr, inner.Msg, exec.Send, exec.CallbackSig))
		assert.False(t, VerifyCallbackSignature(f.callbackSecret, []byte("someone else"), inner.Msg, exec.Send, exec.CallbackSig))
		assert.False(t, VerifyCallbackSignature(f.callbackSecret, f.contractAddr, inner.Msg, nil, exec.CallbackSig))
	})

	t.Run("logs", func(t *testing.T) {
		require.Len(t, res.Log, 2)
		assert.Equal(t, "action", f.decryptString(t, res.Log[0].Key))
		assert.Equal(t, "transfer", f.decryptString(t, res.Log[0].Value))
		assert.Equal(t, "public", res.Log[1].Key)
		assert.Equal(t, "visible", res.Log[1].Value)
		assert.NotContains(t, string(out[TagOk]), "encrypted")
	})

	t.Run("data", func(t *testing.T) {
		pt, err := f.key.DecryptSIV(res.Data)
		require.NoError(t, err)
		assert.Equal(t, data, string(pt))
	})
}

func TestEncryptOutput_V010RejectsUnknownFields(t *testing.T) {
	f := newOutputFixture(t)
	_, err := EncryptOutput(f.io, f.msg, []byte(`{"Ok":{"messages":[],"log":[],"data":null,"extra":1}}`), f.contractAddr, f.callbackSecret, interfaces.ABIV010)
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)
}

func TestEncryptOutput_V1(t *testing.T) {
	f := newOutputFixture(t)
	targetHash := interfaces.ComputeID([]byte("child code")).String()
	innerMsg := base64.StdEncoding.EncodeToString([]byte(`{"init":{}}`))

	raw := `{"ok":{
		"messages":[
			{"id":1,"msg":{"wasm":{"instantiate":{"admin":null,"code_id":4,"code_hash":"` + targetHash + `","msg":"` + innerMsg + `","funds":[],"label":"child","callback_sig":null}}},"gas_limit":null,"reply_on":"success"}
		],
		"attributes":[{"key":"k","value":"v"}],
		"events":[{"type":"transfer","attributes":[{"key":"to","value":"bob"},{"key":"memo","value":"open","encrypted":false}]}],
		"data":null
	}}`

	out := f.encrypt(t, raw, interfaces.ABIV1)
	var res ResultV1
	require.NoError(t, json.Unmarshal(out[TagOk], &res))

	require.Len(t, res.Messages, 1)
	sub := res.Messages[0]
	assert.Equal(t, uint64(1), sub.ID)
	assert.Equal(t, "success", sub.ReplyOn)
	assert.Nil(t, sub.GasLimit)

	inst := sub.Msg.Wasm.Instantiate
	require.NotNil(t, inst)
	assert.Equal(t, uint64(4), inst.CodeID)
	assert.Equal(t, "child", inst.Label)
	assert.Nil(t, inst.Admin)

	inner, err := FromSlice(inst.Msg)
	require.NoError(t, err)
	plaintext, err := inner.Decrypt(f.io)
	require.NoError(t, err)
	assert.Equal(t, targetHash+`{"init":{}}`, string(plaintext))
	assert.True(t, VerifyCallbackSignature(f.callbackSecret, f.contractAddr, inner.Msg, inst.Funds, inst.CallbackSig))

	require.Len(t, res.Attributes, 1)
	assert.Equal(t, "k", f.decryptString(t, res.Attributes[0].Key))
	assert.Equal(t, "v", f.decryptString(t, res.Attributes[0].Value))

	require.Len(t, res.Events, 1)
	assert.Equal(t, "transfer", res.Events[0].Type)
	assert.Equal(t, "bob", f.decryptString(t, res.Events[0].Attributes[0].Value))
	assert.Equal(t, "open", res.Events[0].Attributes[1].Value)

	assert.Nil(t, res.Data)
	assert.Contains(t, string(out[TagOk]), `"data":null`)
}

func TestEncryptOutput_Malformed(t *testing.T) {
	f := newOutputFixture(t)

	tests := map[string]string{
		"not json":    `not json`,
		"no tag":      `{}`,
		"two tags":    `{"Ok":"a","Err":"b"}`,
		"unknown tag": `{"Maybe":"a"}`,
		"bad schema":  `{"Ok":{"messages":"nope"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := EncryptOutput(f.io, f.msg, []byte(raw), f.contractAddr, f.callbackSecret, interfaces.ABIV010)
			assert.ErrorIs(t, err, interfaces.ErrMalformedInput)
		})
	}

	_, err := EncryptOutput(f.io, f.msg, []byte(`{"Ok":{}}`), f.contractAddr, f.callbackSecret, interfaces.ABIUnknown)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedModule)
}

func TestCallbackSignature(t *testing.T) {
	secret := cryptoutils.AESKey{1}
	funds := []interfaces.Coin{{Denom: "uscrt", Amount: "10"}}

	sig, err := CallbackSignature(secret, []byte("sender"), []byte("ciphertext"), funds)
	require.NoError(t, err)
	assert.Len(t, sig, 32)

	assert.True(t, VerifyCallbackSignature(secret, []byte("sender"), []byte("ciphertext"), funds, sig))
	assert.False(t, VerifyCallbackSignature(cryptoutils.AESKey{2}, []byte("sender"), []byte("ciphertext"), funds, sig))
	assert.False(t, VerifyCallbackSignature(secret, []byte("sender"), []byte("ciphertexT"), funds, sig))
	assert.False(t, VerifyCallbackSignature(secret, []byte("sender"), []byte("ciphertext"), []interfaces.Coin{{Denom: "uscrt", Amount: "11"}}, sig))
	assert.False(t, VerifyCallbackSignature(secret, []byte("sender"), []byte("ciphertext"), funds, nil))

	// No funds and an empty list sign the same bytes.
	a, err := CallbackSignature(secret, nil, nil, nil)
	require.NoError(t, err)
	b, err := CallbackSignature(secret, nil, nil, []interfaces.Coin{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCallbackSigJSON(t *testing.T) {
	encoded, err := json.Marshal(struct {
		Sig CallbackSig `json:"sig"`
	}{CallbackSig{0, 1, 255}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sig":[0,1,255]}`, string(encoded))

	var decoded struct {
		Sig CallbackSig `json:"sig"`
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, CallbackSig{0, 1, 255}, decoded.Sig)

	require.NoError(t, json.Unmarshal([]byte(`{"sig":null}`), &decoded))
	assert.Nil(t, decoded.Sig)

	assert.Error(t, json.Unmarshal([]byte(`{"sig":[256]}`), &decoded))
}
