// Package engine runs contract calls end to end: it opens the caller's
// envelope, authenticates the contract key, executes the metered module
// against encrypted state and encrypts the result for the caller.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ruteri/confidential-contract-engine/contractkey"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/metrics"
	"github.com/ruteri/confidential-contract-engine/modulecache"
	"github.com/ruteri/confidential-contract-engine/secretmsg"
	"github.com/ruteri/confidential-contract-engine/securestore"
	"github.com/ruteri/confidential-contract-engine/storage"
	"github.com/ruteri/confidential-contract-engine/wasm"
)

const (
	exportAllocate   = "allocate"
	exportDeallocate = "deallocate"
)

// Request is one contract call as submitted by the host.
type Request struct {
	// Code is the contract's wasm bytecode.
	Code []byte
	// Env is the JSON encoded interfaces.Env of the call.
	Env []byte
	// Msg is the caller's envelope: nonce ‖ public key ‖ ciphertext.
	Msg []byte
	// Host is the contract's untrusted key-value store.
	Host     interfaces.HostStorage
	GasLimit uint64
	// CallbackSig is set when the call was emitted by another contract.
	CallbackSig []byte
}

type Result struct {
	// Output is the encrypted contract result.
	Output  []byte
	GasUsed uint64
	// ContractKey is the key of a newly instantiated contract.
	ContractKey *interfaces.ContractKey
}

type Engine struct {
	cfg     Config
	kc      interfaces.Keychain
	cache   *modulecache.Cache
	runtime wazero.Runtime
	log     *slog.Logger
	metrics *metrics.EngineMetrics

	slots   chan struct{}
	locks   *securestore.FieldLocks
	scratch *scratch
}

// New creates an engine executing modules from cache. The engine registers
// its host functions in the cache's runtime, so a cache serves one engine.
func New(ctx context.Context, cfg Config, kc interfaces.Keychain, cache *modulecache.Cache, log *slog.Logger, m *metrics.EngineMetrics) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Slots <= 0 {
		return nil, fmt.Errorf("engine needs at least one execution slot, got %d", cfg.Slots)
	}

	e := &Engine{
		cfg:     cfg,
		kc:      kc,
		cache:   cache,
		runtime: cache.Runtime(),
		log:     log,
		metrics: m,
		slots:   make(chan struct{}, cfg.Slots),
		locks:   securestore.NewFieldLocks(),
		scratch: newScratch(cfg.ScratchSize),
	}
	if err := e.instantiateHost(ctx, e.runtime); err != nil {
		return nil, fmt.Errorf("registering host functions: %w", err)
	}
	return e, nil
}

// IOPublicKey is the key callers encrypt their envelopes to.
func (e *Engine) IOPublicKey() (cryptoutils.X25519PublicKey, error) {
	io, err := e.kc.ConsensusIOExchangeKeypair()
	if err != nil {
		return cryptoutils.X25519PublicKey{}, err
	}
	return io.Current.Public, nil
}

// Init instantiates a new contract. The result carries the generated contract
// key, which the chain must present on every later call.
func (e *Engine) Init(ctx context.Context, req *Request) (*Result, error) {
	return e.execute(ctx, interfaces.OpInit, req)
}

// Handle executes a state changing call.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Result, error) {
	return e.execute(ctx, interfaces.OpHandle, req)
}

// Query executes a read-only call. State writes abort the query.
func (e *Engine) Query(ctx context.Context, req *Request) (*Result, error) {
	return e.execute(ctx, interfaces.OpQuery, req)
}

// execute holds a slot for the duration of the call and converts panics into
// errors. On failure the returned result, when not nil, reports the gas
// consumed before the failure; a panic reports none.
func (e *Engine) execute(ctx context.Context, op interfaces.ContractOperation, req *Request) (res *Result, err error) {
	select {
	case e.slots <- struct{}{}:
	default:
		e.metrics.CallFinished(op.String(), interfaces.KindBusy.String(), 0)
		return nil, interfaces.ErrBusy
	}
	e.metrics.SlotAcquired()
	defer func() {
		<-e.slots
		e.metrics.SlotReleased()
	}()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.recovered(op, r)
		}
		outcome, gas := "ok", uint64(0)
		if err != nil {
			outcome = interfaces.KindOf(err).String()
		}
		if res != nil {
			gas = res.GasUsed
		}
		e.metrics.CallFinished(op.String(), outcome, gas)
	}()

	e.scratch.reserve()
	return e.run(ctx, op, req)
}

func (e *Engine) run(ctx context.Context, op interfaces.ContractOperation, req *Request) (*Result, error) {
	var env interfaces.Env
	if err := json.Unmarshal(req.Env, &env); err != nil {
		return nil, fmt.Errorf("%w: env: %v", interfaces.ErrMalformedInput, err)
	}

	io, err := e.kc.ConsensusIOExchangeKeypair()
	if err != nil {
		return nil, err
	}
	msg, err := secretmsg.FromSlice(req.Msg)
	if err != nil {
		return nil, err
	}
	plaintext, err := msg.Decrypt(io.Current)
	if err != nil {
		return nil, err
	}

	codeHash := interfaces.ComputeID(req.Code)
	contractMsg, err := secretmsg.StripCodeHash(codeHash, plaintext)
	if err != nil {
		return nil, err
	}

	contractAddr := env.Contract.Address
	var stateKey interfaces.ContractKey
	var newKey *interfaces.ContractKey
	if op == interfaces.OpInit {
		stateKey, err = contractkey.GenerateEncryptionKeyForHash(e.kc, env.Message.Sender.Bytes(), env.Block.Height, codeHash, contractAddr.Bytes())
		if err != nil {
			return nil, err
		}
		newKey = &stateKey
	} else {
		stateKey, err = contractkey.ValidateEnv(e.kc, &env, codeHash)
		if err != nil {
			return nil, err
		}
	}

	callbackSecret, err := e.kc.ConsensusCallbackSecret()
	if err != nil {
		return nil, err
	}
	if req.CallbackSig != nil {
		ok := secretmsg.VerifyCallbackSignature(callbackSecret.Current, env.Message.Sender.Bytes(), msg.Msg, env.Message.SentFunds, req.CallbackSig)
		if !ok {
			return nil, fmt.Errorf("%w: invalid callback signature", interfaces.ErrAuthenticationFailure)
		}
	}

	entry, err := e.cache.GetOrCompile(ctx, req.Code, op)
	if err != nil {
		return nil, err
	}
	defer entry.Release(ctx)

	buffer := storage.NewCallBuffer(req.Host, e.cfg.BufferGas)
	store, err := securestore.New(buffer, e.kc, stateKey, env.Block.Height, e.locks, e.log)
	if err != nil {
		return nil, err
	}

	c := &call{
		op:       op,
		contract: contractAddr,
		store:    store,
		log:      e.log,
	}
	raw, gasUsed, err := e.invoke(withCall(ctx, c), c, entry, op, &env, req, contractMsg)
	if errors.Is(err, interfaces.ErrInternalPanic) {
		return nil, err
	}
	if err != nil {
		return &Result{GasUsed: gasUsed}, err
	}

	parsed, err := secretmsg.ParseOutput(raw)
	if err != nil {
		return &Result{GasUsed: gasUsed}, err
	}
	output, err := secretmsg.EncryptOutput(io.Current, msg, raw, contractAddr.Bytes(), callbackSecret.Current, entry.ABI)
	if err != nil {
		return &Result{GasUsed: gasUsed}, err
	}

	if parsed.IsErr() {
		// The call failed at the contract level: its writes are dropped and
		// an init does not create a contract.
		buffer.Discard()
		e.log.Debug("contract returned an error",
			"op", op.String(),
			"contract", contractAddr.String(),
			"gasUsed", gasUsed)
		return &Result{Output: output, GasUsed: gasUsed}, nil
	}

	if op != interfaces.OpQuery {
		start := time.Now()
		if err := buffer.Commit(ctx); err != nil {
			return &Result{GasUsed: gasUsed}, fmt.Errorf("%w: %w", interfaces.ErrHostIO, err)
		}
		e.metrics.ObserveCommit(time.Since(start).Seconds())
	}

	e.log.Debug("contract call finished",
		"op", op.String(),
		"contract", contractAddr.String(),
		"abi", entry.ABI.String(),
		"gasUsed", gasUsed)

	return &Result{Output: output, GasUsed: gasUsed, ContractKey: newKey}, nil
}

// invoke runs the entry point of op in a fresh instance and returns the raw
// result bytes and the gas consumed.
func (e *Engine) invoke(ctx context.Context, c *call, entry *modulecache.Entry, op interfaces.ContractOperation, env *interfaces.Env, req *Request, msg []byte) ([]byte, uint64, error) {
	mod, err := e.runtime.InstantiateModule(ctx, entry.Compiled,
		wazero.NewModuleConfig().WithName("contract-"+uuid.NewString()).WithStartFunctions())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: instantiating: %v", interfaces.ErrUnsupportedModule, err)
	}
	defer mod.Close(ctx)

	gasLimit, ok := mod.ExportedGlobal(wasm.GasLimitExport).(api.MutableGlobal)
	exhausted := mod.ExportedGlobal(wasm.GasExhaustedExport)
	if !ok || exhausted == nil {
		return nil, 0, fmt.Errorf("%w: module is not metered", interfaces.ErrUnsupportedModule)
	}
	gasLimit.Set(req.GasLimit)
	// Running out of gas, in the module or in a host function, costs the
	// whole limit.
	used := func() uint64 {
		left := gasLimit.Get()
		if exhausted.Get() != 0 || left > req.GasLimit {
			return req.GasLimit
		}
		return req.GasLimit - left
	}

	name, args, err := entryPoint(entry.ABI, op, env, msg)
	if err != nil {
		return nil, 0, err
	}
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, 0, fmt.Errorf("%w: contract does not export %s", interfaces.ErrUnsupportedModule, name)
	}

	ptrs := make([]uint64, 0, len(args))
	for _, arg := range args {
		ptr, err := writeToContract(ctx, mod, arg)
		if err != nil {
			return nil, used(), e.callError(mod, c, err)
		}
		ptrs = append(ptrs, uint64(ptr))
	}

	res, err := fn.Call(ctx, ptrs...)
	if err != nil {
		return nil, used(), e.callError(mod, c, err)
	}

	raw, err := readRegionData(mod.Memory(), uint32(res[0]), e.cfg.MaxResultSize)
	if err != nil {
		return nil, used(), err
	}
	if dealloc := mod.ExportedFunction(exportDeallocate); dealloc != nil {
		if _, err := dealloc.Call(ctx, res[0]); err != nil {
			return nil, used(), e.callError(mod, c, err)
		}
	}
	return raw, used(), nil
}

// callError classifies a failed export call.
func (e *Engine) callError(mod api.Module, c *call, err error) error {
	if c.failure != nil {
		return c.failure
	}
	if exhausted := mod.ExportedGlobal(wasm.GasExhaustedExport); exhausted != nil && exhausted.Get() != 0 {
		return fmt.Errorf("%w: %v", interfaces.ErrGasExhausted, err)
	}
	if errors.Is(err, interfaces.ErrGasExhausted) {
		return err
	}
	return fmt.Errorf("%w: %v", interfaces.ErrExecution, err)
}

type envV1 struct {
	Block       interfaces.BlockInfo    `json:"block"`
	Contract    interfaces.ContractInfo `json:"contract"`
	Transaction *struct{}               `json:"transaction"`
}

type infoV1 struct {
	Sender interfaces.Address `json:"sender"`
	Funds  []interfaces.Coin  `json:"funds"`
}

// entryPoint returns the export implementing op and its region arguments.
func entryPoint(abi interfaces.ABIVersion, op interfaces.ContractOperation, env *interfaces.Env, msg []byte) (string, [][]byte, error) {
	switch abi {
	case interfaces.ABIV010:
		envJSON, err := json.Marshal(env)
		if err != nil {
			return "", nil, err
		}
		switch op {
		case interfaces.OpInit:
			return "init", [][]byte{envJSON, msg}, nil
		case interfaces.OpHandle:
			return "handle", [][]byte{envJSON, msg}, nil
		case interfaces.OpQuery:
			return "query", [][]byte{msg}, nil
		}
	case interfaces.ABIV1:
		envJSON, err := json.Marshal(&envV1{Block: env.Block, Contract: env.Contract})
		if err != nil {
			return "", nil, err
		}
		funds := env.Message.SentFunds
		if funds == nil {
			funds = []interfaces.Coin{}
		}
		infoJSON, err := json.Marshal(&infoV1{Sender: env.Message.Sender, Funds: funds})
		if err != nil {
			return "", nil, err
		}
		switch op {
		case interfaces.OpInit:
			return "instantiate", [][]byte{envJSON, infoJSON, msg}, nil
		case interfaces.OpHandle:
			return "execute", [][]byte{envJSON, infoJSON, msg}, nil
		case interfaces.OpQuery:
			return "query", [][]byte{envJSON, msg}, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s has no %s entry point", interfaces.ErrUnsupportedModule, abi, op)
}
