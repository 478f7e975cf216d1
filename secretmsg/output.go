package secretmsg

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// Result tags. Contracts of either ABI may use the capitalised or the
// lowercase form; the encrypted result always uses the capitalised one.
const (
	TagOk  = "Ok"
	TagErr = "Err"
)

// Output is the decoded result of a contract call. Exactly one of Ok and Err
// is set.
type Output struct {
	Ok  json.RawMessage
	Err json.RawMessage
}

// ParseOutput decodes the raw result a contract returned.
func ParseOutput(raw []byte) (*Output, error) {
	tag, body, ok := variant(raw)
	if !ok {
		return nil, fmt.Errorf("%w: result is not a single tagged value", interfaces.ErrMalformedInput)
	}
	switch tag {
	case TagOk, "ok":
		return &Output{Ok: body}, nil
	case TagErr, "err", "error":
		return &Output{Err: body}, nil
	default:
		return nil, fmt.Errorf("%w: unknown result tag %q", interfaces.ErrMalformedInput, tag)
	}
}

// IsErr reports whether the contract returned an error.
func (o *Output) IsErr() bool {
	return o.Err != nil
}

// EncryptOutput encrypts the sensitive leaves of a contract result for the
// caller of msg. contractAddr and callbackSecret sign the outgoing wasm
// messages; abi selects the result schema.
func EncryptOutput(io cryptoutils.X25519KeyPair, msg *SecretMessage, raw []byte, contractAddr []byte, callbackSecret cryptoutils.AESKey, abi interfaces.ABIVersion) ([]byte, error) {
	out, err := ParseOutput(raw)
	if err != nil {
		return nil, err
	}

	key, err := msg.EncryptionKey(io)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	e := &outputEncrypter{
		io:             io,
		key:            key,
		msg:            msg,
		contractAddr:   contractAddr,
		callbackSecret: callbackSecret,
	}

	if out.IsErr() {
		encrypted, err := e.serializable(out.Err)
		if err != nil {
			return nil, err
		}
		return marshalVariant(TagErr, map[string]any{
			"generic_err": map[string]string{"msg": encrypted},
		})
	}

	trimmed := bytes.TrimSpace(out.Ok)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
		}
		encrypted, err := e.serializable(s)
		if err != nil {
			return nil, err
		}
		return marshalVariant(TagOk, encrypted)
	}

	switch abi {
	case interfaces.ABIV010:
		var res ResultV010
		if err := decodeStrict(trimmed, &res); err != nil {
			return nil, err
		}
		if err := e.resultV010(&res); err != nil {
			return nil, err
		}
		return marshalVariant(TagOk, &res)
	case interfaces.ABIV1:
		var res ResultV1
		if err := decodeStrict(trimmed, &res); err != nil {
			return nil, err
		}
		if err := e.resultV1(&res); err != nil {
			return nil, err
		}
		return marshalVariant(TagOk, &res)
	default:
		return nil, fmt.Errorf("%w: no result schema for ABI %s", interfaces.ErrUnsupportedModule, abi)
	}
}

func decodeStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: result does not match the contract ABI: %v", interfaces.ErrMalformedInput, err)
	}
	return nil
}

type outputEncrypter struct {
	io             cryptoutils.X25519KeyPair
	key            cryptoutils.AESKey
	msg            *SecretMessage
	contractAddr   []byte
	callbackSecret cryptoutils.AESKey
}

// serializable encrypts the JSON form of v with the surrounding quotes of a
// string removed.
func (e *outputEncrypter) serializable(v any) (string, error) {
	serialized, err := marshalJSON(v)
	if err != nil {
		return "", fmt.Errorf("serializing output: %w", err)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(string(serialized), `"`), `"`)
	return e.preserialized(trimmed)
}

func (e *outputEncrypter) preserialized(s string) (string, error) {
	ct, err := e.key.EncryptSIV([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (e *outputEncrypter) attributes(attrs []Attribute) error {
	for i := range attrs {
		if !attrs[i].Encrypted {
			continue
		}
		k, err := e.preserialized(attrs[i].Key)
		if err != nil {
			return err
		}
		v, err := e.preserialized(attrs[i].Value)
		if err != nil {
			return err
		}
		attrs[i].Key, attrs[i].Value = k, v
	}
	return nil
}

// data returns the raw SIV ciphertext of base64(data); it is base64 encoded
// again when the result is serialised.
func (e *outputEncrypter) data(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return e.key.EncryptSIV([]byte(base64.StdEncoding.EncodeToString(data)))
}

// wasmMsg re-wraps a sub-call message for its target contract and returns the
// new msg and its callback signature.
func (e *outputEncrypter) wasmMsg(codeHash string, msg []byte, funds []interfaces.Coin) ([]byte, []byte, error) {
	hashAppended := make([]byte, 0, len(codeHash)+len(msg))
	hashAppended = append(hashAppended, codeHash...)
	hashAppended = append(hashAppended, msg...)

	toPass := &SecretMessage{Nonce: e.msg.Nonce, UserPublicKey: e.msg.UserPublicKey, Msg: hashAppended}
	if err := toPass.EncryptInPlace(e.io); err != nil {
		return nil, nil, err
	}

	sig, err := CallbackSignature(e.callbackSecret, e.contractAddr, toPass.Msg, funds)
	if err != nil {
		return nil, nil, err
	}
	return toPass.Bytes(), sig, nil
}

func (e *outputEncrypter) resultV010(res *ResultV010) error {
	for i := range res.Messages {
		w := res.Messages[i].Wasm
		if w == nil {
			continue
		}
		var err error
		switch {
		case w.Execute != nil:
			w.Execute.Msg, w.Execute.CallbackSig, err = e.wasmMsg(w.Execute.CallbackCodeHash, w.Execute.Msg, w.Execute.Send)
		case w.Instantiate != nil:
			w.Instantiate.Msg, w.Instantiate.CallbackSig, err = e.wasmMsg(w.Instantiate.CallbackCodeHash, w.Instantiate.Msg, w.Instantiate.Send)
		}
		if err != nil {
			return err
		}
	}

	if err := e.attributes(res.Log); err != nil {
		return err
	}

	data, err := e.data(res.Data)
	if err != nil {
		return err
	}
	res.Data = data
	return nil
}

func (e *outputEncrypter) resultV1(res *ResultV1) error {
	for i := range res.Messages {
		w := res.Messages[i].Msg.Wasm
		if w == nil {
			continue
		}
		var err error
		switch {
		case w.Execute != nil:
			w.Execute.Msg, w.Execute.CallbackSig, err = e.wasmMsg(w.Execute.CodeHash, w.Execute.Msg, w.Execute.Funds)
		case w.Instantiate != nil:
			w.Instantiate.Msg, w.Instantiate.CallbackSig, err = e.wasmMsg(w.Instantiate.CodeHash, w.Instantiate.Msg, w.Instantiate.Funds)
		}
		if err != nil {
			return err
		}
	}

	if err := e.attributes(res.Attributes); err != nil {
		return err
	}
	for i := range res.Events {
		if err := e.attributes(res.Events[i].Attributes); err != nil {
			return err
		}
	}

	data, err := e.data(res.Data)
	if err != nil {
		return err
	}
	res.Data = data
	return nil
}
