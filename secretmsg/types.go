package secretmsg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// CallbackSig is an optional byte vector serialised as a JSON array of
// numbers, or null when absent.
type CallbackSig []byte

func (s CallbackSig) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(s))
	for i, b := range s {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

func (s *CallbackSig) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = nil
		return nil
	}
	// A []byte target would expect base64, so read the numbers one by one.
	var raw []json.Number
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ints := make([]byte, len(raw))
	for i, n := range raw {
		v, err := n.Int64()
		if err != nil || v < 0 || v > 255 {
			return fmt.Errorf("callback_sig: invalid byte %q", n)
		}
		ints[i] = byte(v)
	}
	*s = ints
	return nil
}

// Attribute is a log entry (v0.10) or an event attribute (v1). Encrypted
// defaults to true when the contract does not say otherwise and is never
// serialised back.
type Attribute struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Encrypted bool   `json:"-"`
}

func (a *Attribute) UnmarshalJSON(b []byte) error {
	var aux struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		Encrypted *bool  `json:"encrypted"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	a.Key, a.Value = aux.Key, aux.Value
	a.Encrypted = aux.Encrypted == nil || *aux.Encrypted
	return nil
}

// variant splits an externally tagged enum value {"tag": body}. ok is false
// for anything else.
func variant(b []byte) (tag string, body json.RawMessage, ok bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil || len(m) != 1 {
		return "", nil, false
	}
	for tag, body = range m {
	}
	return tag, body, true
}

func marshalVariant(tag string, body any) ([]byte, error) {
	return marshalJSON(map[string]any{tag: body})
}

// ---------------------------------------------------------------------------
// v0.10

// ResultV010 is the Ok payload of a v0.10 init or handle call.
type ResultV010 struct {
	Messages []CosmosMsgV010 `json:"messages"`
	Log      []Attribute     `json:"log"`
	Data     []byte          `json:"data"`
}

// CosmosMsgV010 is an outgoing message. Only wasm messages are typed; bank,
// staking, gov and custom messages pass through untouched.
type CosmosMsgV010 struct {
	Wasm *WasmMsgV010
	Raw  json.RawMessage
}

func (m *CosmosMsgV010) UnmarshalJSON(b []byte) error {
	if tag, body, ok := variant(b); ok && tag == "wasm" {
		m.Wasm = new(WasmMsgV010)
		return json.Unmarshal(body, m.Wasm)
	}
	m.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (m CosmosMsgV010) MarshalJSON() ([]byte, error) {
	if m.Wasm != nil {
		return marshalVariant("wasm", m.Wasm)
	}
	return rawOrNull(m.Raw), nil
}

type WasmMsgV010 struct {
	Execute     *ExecuteV010
	Instantiate *InstantiateV010
	Raw         json.RawMessage
}

func (m *WasmMsgV010) UnmarshalJSON(b []byte) error {
	tag, body, ok := variant(b)
	switch {
	case ok && tag == "execute":
		m.Execute = new(ExecuteV010)
		return json.Unmarshal(body, m.Execute)
	case ok && tag == "instantiate":
		m.Instantiate = new(InstantiateV010)
		return json.Unmarshal(body, m.Instantiate)
	}
	m.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (m WasmMsgV010) MarshalJSON() ([]byte, error) {
	switch {
	case m.Execute != nil:
		return marshalVariant("execute", m.Execute)
	case m.Instantiate != nil:
		return marshalVariant("instantiate", m.Instantiate)
	}
	return rawOrNull(m.Raw), nil
}

type ExecuteV010 struct {
	ContractAddr     string            `json:"contract_addr"`
	CallbackCodeHash string            `json:"callback_code_hash"`
	Msg              []byte            `json:"msg"`
	Send             []interfaces.Coin `json:"send"`
	CallbackSig      CallbackSig       `json:"callback_sig"`
}

type InstantiateV010 struct {
	CodeID           uint64            `json:"code_id"`
	CallbackCodeHash string            `json:"callback_code_hash"`
	Msg              []byte            `json:"msg"`
	Send             []interfaces.Coin `json:"send"`
	Label            string            `json:"label"`
	CallbackSig      CallbackSig       `json:"callback_sig"`
}

// ---------------------------------------------------------------------------
// v1

// ResultV1 is the Ok payload of a v1 instantiate or execute call.
type ResultV1 struct {
	Messages   []SubMsg    `json:"messages"`
	Attributes []Attribute `json:"attributes"`
	Events     []Event     `json:"events"`
	Data       []byte      `json:"data"`
}

type SubMsg struct {
	ID              uint64      `json:"id"`
	Msg             CosmosMsgV1 `json:"msg"`
	GasLimit        *uint64     `json:"gas_limit"`
	ReplyOn         string      `json:"reply_on"`
	WasMsgEncrypted bool        `json:"was_msg_encrypted"`
}

type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

type CosmosMsgV1 struct {
	Wasm *WasmMsgV1
	Raw  json.RawMessage
}

func (m *CosmosMsgV1) UnmarshalJSON(b []byte) error {
	if tag, body, ok := variant(b); ok && tag == "wasm" {
		m.Wasm = new(WasmMsgV1)
		return json.Unmarshal(body, m.Wasm)
	}
	m.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (m CosmosMsgV1) MarshalJSON() ([]byte, error) {
	if m.Wasm != nil {
		return marshalVariant("wasm", m.Wasm)
	}
	return rawOrNull(m.Raw), nil
}

type WasmMsgV1 struct {
	Execute     *ExecuteV1
	Instantiate *InstantiateV1
	Raw         json.RawMessage
}

func (m *WasmMsgV1) UnmarshalJSON(b []byte) error {
	tag, body, ok := variant(b)
	switch {
	case ok && tag == "execute":
		m.Execute = new(ExecuteV1)
		return json.Unmarshal(body, m.Execute)
	case ok && tag == "instantiate":
		m.Instantiate = new(InstantiateV1)
		return json.Unmarshal(body, m.Instantiate)
	}
	m.Raw = append(json.RawMessage(nil), b...)
	return nil
}

func (m WasmMsgV1) MarshalJSON() ([]byte, error) {
	switch {
	case m.Execute != nil:
		return marshalVariant("execute", m.Execute)
	case m.Instantiate != nil:
		return marshalVariant("instantiate", m.Instantiate)
	}
	return rawOrNull(m.Raw), nil
}

type ExecuteV1 struct {
	ContractAddr string            `json:"contract_addr"`
	CodeHash     string            `json:"code_hash"`
	Msg          []byte            `json:"msg"`
	Funds        []interfaces.Coin `json:"funds"`
	CallbackSig  CallbackSig       `json:"callback_sig"`
}

type InstantiateV1 struct {
	Admin       *string           `json:"admin"`
	CodeID      uint64            `json:"code_id"`
	CodeHash    string            `json:"code_hash"`
	Msg         []byte            `json:"msg"`
	Funds       []interfaces.Coin `json:"funds"`
	Label       string            `json:"label"`
	CallbackSig CallbackSig       `json:"callback_sig"`
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// marshalJSON encodes like json.Marshal without HTML escaping, matching the
// encoding contracts and other nodes use.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
