package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// CallRequest is the body of POST /api/v1/{init,handle,query}.
type CallRequest struct {
	// Code is the contract bytecode. Either Code or CodeID must be set.
	Code []byte `json:"code,omitempty"`

	// CodeID is the hex code hash of bytecode held in the engine's code
	// storage.
	CodeID string `json:"code_id,omitempty"`

	// Env is the JSON encoded plaintext call context (interfaces.Env).
	Env json.RawMessage `json:"env"`

	// Msg is the caller's encrypted envelope: nonce ‖ public key ‖ ciphertext.
	Msg []byte `json:"msg"`

	GasLimit uint64 `json:"gas_limit"`

	// CallbackSig authenticates a message emitted by another contract.
	CallbackSig []byte `json:"callback_sig,omitempty"`
}

// CallResponse is returned for a successful call.
type CallResponse struct {
	// Output is the encrypted contract result.
	Output  json.RawMessage `json:"output"`
	GasUsed uint64          `json:"gas_used"`

	// ContractKey is the base64 key of a newly instantiated contract.
	ContractKey string `json:"contract_key,omitempty"`
}

// ErrorResponse is returned for a failed call.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the interfaces.ErrorKind name of the failure.
	Kind    string `json:"kind"`
	GasUsed uint64 `json:"gas_used,omitempty"`
}

// IOPubkeyResponse describes the key callers encrypt their envelopes to.
type IOPubkeyResponse struct {
	IOPubkey string `json:"io_pubkey"`
	SeedID   uint16 `json:"seed_id"`

	// Attestation is a quote over cryptoutils.ReportDataForKey(IOPubkey).
	AttestationType string `json:"attestation_type,omitempty"`
	Attestation     []byte `json:"attestation,omitempty"`
}

// ShareSubmission is the body of POST /admin/share.
type ShareSubmission struct {
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
	Signature  []byte `json:"signature"`
	// AdminPubkey is the PEM public key of the submitting administrator.
	AdminPubkey string `json:"admin_pubkey"`
}

// BootstrapStatus reports the progress of a Shamir seed recovery.
type BootstrapStatus struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold"`
	SharesReceived int    `json:"shares_received"`
}

// CallError is the client side view of an ErrorResponse. It unwraps to the
// sentinel of its kind, so errors.Is works across the wire.
type CallError struct {
	StatusCode int
	Kind       interfaces.ErrorKind
	Message    string
	GasUsed    uint64
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Kind.Sentinel()
}

// EngineProvider is the remote engine as seen by clients.
type EngineProvider interface {
	Init(ctx context.Context, req *CallRequest) (*CallResponse, error)
	Handle(ctx context.Context, req *CallRequest) (*CallResponse, error)
	Query(ctx context.Context, req *CallRequest) (*CallResponse, error)
	IOPublicKey(ctx context.Context) (cryptoutils.X25519PublicKey, error)
}
