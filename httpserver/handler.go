package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/engine"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// ContractEngine executes contract calls. *engine.Engine implements it.
type ContractEngine interface {
	Init(ctx context.Context, req *engine.Request) (*engine.Result, error)
	Handle(ctx context.Context, req *engine.Request) (*engine.Result, error)
	Query(ctx context.Context, req *engine.Request) (*engine.Result, error)
	IOPublicKey() (cryptoutils.X25519PublicKey, error)
}

var _ ContractEngine = (*engine.Engine)(nil)

type callFunc func(ctx context.Context, req *engine.Request) (*engine.Result, error)

// Handler serves the engine API. Every call runs against the node's host
// store; contract code is taken from the request or from code storage.
type Handler struct {
	engine ContractEngine
	host   interfaces.HostStorage
	log    *slog.Logger

	code        interfaces.StorageBackend
	attestation cryptoutils.AttestationProvider
	seedID      func() uint16
	maxBodySize int64
}

func NewHandler(eng ContractEngine, host interfaces.HostStorage, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:      eng,
		host:        host,
		log:         log,
		maxBodySize: api.DefaultMaxBodySize,
	}
}

// WithCodeStorage lets requests refer to code by its hash.
func (h *Handler) WithCodeStorage(backend interfaces.StorageBackend) *Handler {
	h.code = backend
	return h
}

// WithAttestation attaches a quote over the I/O key to io-pubkey responses.
func (h *Handler) WithAttestation(provider cryptoutils.AttestationProvider) *Handler {
	h.attestation = provider
	return h
}

func (h *Handler) WithSeedID(seedID func() uint16) *Handler {
	h.seedID = seedID
	return h
}

func (h *Handler) WithMaxBodySize(n int64) *Handler {
	if n > 0 {
		h.maxBodySize = n
	}
	return h
}

// Ready reports whether the engine holds a seed.
func (h *Handler) Ready() bool {
	_, err := h.engine.IOPublicKey()
	return err == nil
}

func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	h.handleCall(w, r, interfaces.OpInit, h.engine.Init)
}

func (h *Handler) HandleHandle(w http.ResponseWriter, r *http.Request) {
	h.handleCall(w, r, interfaces.OpHandle, h.engine.Handle)
}

func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	h.handleCall(w, r, interfaces.OpQuery, h.engine.Query)
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request, op interfaces.ContractOperation, fn callFunc) {
	var body api.CallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, op.String(), fmt.Errorf("%w: request body: %w", interfaces.ErrMalformedInput, err), 0)
		return
	}

	code, err := h.resolveCode(r.Context(), &body)
	if err != nil {
		h.writeError(w, op.String(), err, 0)
		return
	}

	res, err := fn(r.Context(), &engine.Request{
		Code:        code,
		Env:         body.Env,
		Msg:         body.Msg,
		Host:        h.host,
		GasLimit:    body.GasLimit,
		CallbackSig: body.CallbackSig,
	})
	if err != nil {
		var gasUsed uint64
		if res != nil {
			gasUsed = res.GasUsed
		}
		h.writeError(w, op.String(), err, gasUsed)
		return
	}

	resp := api.CallResponse{Output: res.Output, GasUsed: res.GasUsed}
	if res.ContractKey != nil {
		resp.ContractKey = base64.StdEncoding.EncodeToString(res.ContractKey[:])
	}
	writeJSON(w, http.StatusOK, &resp)
}

// resolveCode returns the bytecode of a request. A request carrying both
// code and code id must agree on the hash.
func (h *Handler) resolveCode(ctx context.Context, body *api.CallRequest) ([]byte, error) {
	if body.CodeID == "" {
		if len(body.Code) == 0 {
			return nil, fmt.Errorf("%w: request carries neither code nor code_id", interfaces.ErrMalformedInput)
		}
		return body.Code, nil
	}

	id, err := interfaces.NewContentIDFromHex(body.CodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: code_id: %v", interfaces.ErrMalformedInput, err)
	}

	code := body.Code
	if len(code) == 0 {
		if h.code == nil {
			return nil, fmt.Errorf("%w: no code storage configured", interfaces.ErrMalformedInput)
		}
		code, err = h.code.Fetch(ctx, id, interfaces.CodeType)
		if interfaces.IsNotFound(err) {
			return nil, fmt.Errorf("%w: code %s not found", interfaces.ErrMalformedInput, id)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: fetching code %s: %w", interfaces.ErrHostIO, id, err)
		}
	}

	if interfaces.ComputeID(code) != id {
		return nil, fmt.Errorf("%w: code does not hash to %s", interfaces.ErrMalformedInput, id)
	}
	return code, nil
}

// HandleIOPubkey returns the I/O key and, when an attestation provider is
// configured, a quote binding it to this enclave.
func (h *Handler) HandleIOPubkey(w http.ResponseWriter, r *http.Request) {
	pub, err := h.engine.IOPublicKey()
	if err != nil {
		h.writeError(w, "io-pubkey", err, 0)
		return
	}

	resp := api.IOPubkeyResponse{IOPubkey: hex.EncodeToString(pub[:])}
	if h.seedID != nil {
		resp.SeedID = h.seedID()
	}
	if h.attestation != nil {
		quote, err := h.attestation.Attest(cryptoutils.ReportDataForKey(pub))
		if err != nil {
			h.log.Error("Failed to attest io pubkey", "err", err)
			http.Error(w, "attestation failed", http.StatusInternalServerError)
			return
		}
		resp.AttestationType = string(h.attestation.AttestationType())
		resp.Attestation = quote
	}
	writeJSON(w, http.StatusOK, &resp)
}

// statusFor maps an error kind to the HTTP status of its response.
func statusFor(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindMalformedInput:
		return http.StatusBadRequest
	case interfaces.KindAuthenticationFailure:
		return http.StatusForbidden
	case interfaces.KindGasExhausted, interfaces.KindUnsupportedModule, interfaces.KindExecution:
		return http.StatusUnprocessableEntity
	case interfaces.KindKeyUnavailable, interfaces.KindBusy:
		return http.StatusServiceUnavailable
	case interfaces.KindHostIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error, gasUsed uint64) {
	kind := interfaces.KindOf(err)
	status := statusFor(kind)

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		status = http.StatusRequestEntityTooLarge
	}

	if kind.Recoverable() {
		h.log.Debug("call failed", "op", op, "kind", kind.String(), "err", err)
	} else {
		h.log.Error("call failed", "op", op, "kind", kind.String(), "err", err)
	}
	if kind == interfaces.KindBusy {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, &api.ErrorResponse{
		Error:   err.Error(),
		Kind:    kind.String(),
		GasUsed: gasUsed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
