package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/securestore"
	"github.com/ruteri/confidential-contract-engine/wasm"
)

const hostModule = "env"

// call is the state of one contract execution, reachable from host functions
// through the context.
type call struct {
	op       interfaces.ContractOperation
	contract interfaces.Address
	store    *securestore.Store
	log      *slog.Logger

	// failure is the error that made a host function abort execution.
	failure error
}

type callKey struct{}

func withCall(ctx context.Context, c *call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	if c == nil {
		panic(errors.New("host function invoked outside a contract call"))
	}
	return c
}

// abort stops the running contract. wazero unwinds the panic and returns it
// from the export call; the engine reports c.failure.
func (c *call) abort(err error) {
	if c.failure == nil {
		c.failure = err
	}
	panic(err)
}

// guard runs deferred in every host function. wazero turns any panic into a
// trap, so a panic that did not come from abort is recorded as an internal
// failure before it unwinds into the runtime.
func (e *Engine) guard(c *call) {
	r := recover()
	if r == nil {
		return
	}
	if c.failure == nil {
		c.failure = e.recovered(c.op, r)
	}
	panic(r)
}

// charge deducts host gas from the instance's meter.
func (c *call) charge(mod api.Module, gas uint64) {
	limit := mod.ExportedGlobal(wasm.GasLimitExport).(api.MutableGlobal)
	remaining := limit.Get()
	if remaining < gas {
		limit.Set(0)
		mod.ExportedGlobal(wasm.GasExhaustedExport).(api.MutableGlobal).Set(gas)
		c.abort(fmt.Errorf("%w: host operation needs %d, %d left", interfaces.ErrGasExhausted, gas, remaining))
	}
	limit.Set(remaining - gas)
}

func (c *call) read(mod api.Module, ptr uint32, maxLen uint32) []byte {
	data, err := readRegionData(mod.Memory(), ptr, maxLen)
	if err != nil {
		c.abort(err)
	}
	return data
}

// instantiateHost registers the host functions contracts import. Both the
// v0.10 and the v1 names are provided.
func (e *Engine) instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(e.dbRead).Export("db_read").
		NewFunctionBuilder().WithFunc(e.dbWrite).Export("db_write").
		NewFunctionBuilder().WithFunc(e.dbRemove).Export("db_remove").
		NewFunctionBuilder().WithFunc(e.addrValidate).Export("addr_validate").
		NewFunctionBuilder().WithFunc(e.addrCanonicalize).Export("addr_canonicalize").
		NewFunctionBuilder().WithFunc(e.addrHumanize).Export("addr_humanize").
		NewFunctionBuilder().WithFunc(e.canonicalizeAddress).Export("canonicalize_address").
		NewFunctionBuilder().WithFunc(e.humanizeAddress).Export("humanize_address").
		NewFunctionBuilder().WithFunc(e.debug).Export("debug").
		NewFunctionBuilder().WithFunc(e.debug).Export("debug_print").
		Instantiate(ctx)
	return err
}

// dbRead returns a region holding the value of key, or 0 when it is absent.
func (e *Engine) dbRead(ctx context.Context, mod api.Module, keyPtr uint32) uint32 {
	c := callFrom(ctx)
	defer e.guard(c)
	key := c.read(mod, keyPtr, e.cfg.MaxKeySize)

	value, found, gas, err := c.store.Read(ctx, key)
	c.charge(mod, gas)
	if err != nil {
		c.abort(err)
	}
	if !found {
		return 0
	}

	ptr, err := writeToContract(ctx, mod, value)
	if err != nil {
		c.abort(err)
	}
	return ptr
}

func (e *Engine) dbWrite(ctx context.Context, mod api.Module, keyPtr, valuePtr uint32) {
	c := callFrom(ctx)
	defer e.guard(c)
	if c.op == interfaces.OpQuery {
		c.abort(fmt.Errorf("%w: contract wrote state during a query", interfaces.ErrExecution))
	}
	key := c.read(mod, keyPtr, e.cfg.MaxKeySize)
	value := c.read(mod, valuePtr, e.cfg.MaxValueSize)

	gas, err := c.store.Write(ctx, key, value)
	c.charge(mod, gas)
	if err != nil {
		c.abort(err)
	}
}

func (e *Engine) dbRemove(ctx context.Context, mod api.Module, keyPtr uint32) {
	c := callFrom(ctx)
	defer e.guard(c)
	if c.op == interfaces.OpQuery {
		c.abort(fmt.Errorf("%w: contract removed state during a query", interfaces.ErrExecution))
	}
	key := c.read(mod, keyPtr, e.cfg.MaxKeySize)

	gas, err := c.store.Remove(ctx, key)
	c.charge(mod, gas)
	if err != nil {
		c.abort(err)
	}
}

const maxHumanAddressSize = 256

func parseHumanAddress(human []byte) (interfaces.Address, error) {
	return interfaces.NewAddressFromHex(string(human))
}

// contractError hands an error message to the contract as a new region.
func (c *call) contractError(ctx context.Context, mod api.Module, msg string) uint32 {
	ptr, err := writeToContract(ctx, mod, []byte(msg))
	if err != nil {
		c.abort(err)
	}
	return ptr
}

// addrValidate returns 0 for a valid human address and an error region
// otherwise.
func (e *Engine) addrValidate(ctx context.Context, mod api.Module, srcPtr uint32) uint32 {
	c := callFrom(ctx)
	defer e.guard(c)
	c.charge(mod, e.cfg.HostGas.AddrValidate)
	human := c.read(mod, srcPtr, maxHumanAddressSize)

	addr, err := parseHumanAddress(human)
	if err != nil {
		return c.contractError(ctx, mod, err.Error())
	}
	if addr.String() != string(human) {
		return c.contractError(ctx, mod, "address is not in checksummed form")
	}
	return 0
}

func (e *Engine) addrCanonicalize(ctx context.Context, mod api.Module, srcPtr, dstPtr uint32) uint32 {
	c := callFrom(ctx)
	defer e.guard(c)
	c.charge(mod, e.cfg.HostGas.AddrCanonicalize)
	human := c.read(mod, srcPtr, maxHumanAddressSize)

	addr, err := parseHumanAddress(human)
	if err != nil {
		return c.contractError(ctx, mod, err.Error())
	}
	if err := writeRegionData(mod.Memory(), dstPtr, addr.Bytes()); err != nil {
		c.abort(err)
	}
	return 0
}

func (e *Engine) addrHumanize(ctx context.Context, mod api.Module, srcPtr, dstPtr uint32) uint32 {
	c := callFrom(ctx)
	defer e.guard(c)
	c.charge(mod, e.cfg.HostGas.AddrHumanize)
	canonical := c.read(mod, srcPtr, maxHumanAddressSize)

	addr, err := interfaces.NewAddressFromBytes(canonical)
	if err != nil {
		return c.contractError(ctx, mod, err.Error())
	}
	if err := writeRegionData(mod.Memory(), dstPtr, []byte(addr.String())); err != nil {
		c.abort(err)
	}
	return 0
}

// The v0.10 address functions report failure as a negative status instead of
// an error region.
const statusInvalidAddress = ^uint32(0)

func (e *Engine) canonicalizeAddress(ctx context.Context, mod api.Module, srcPtr, dstPtr uint32) uint32 {
	if e.addrCanonicalize(ctx, mod, srcPtr, dstPtr) != 0 {
		return statusInvalidAddress
	}
	return 0
}

func (e *Engine) humanizeAddress(ctx context.Context, mod api.Module, srcPtr, dstPtr uint32) uint32 {
	if e.addrHumanize(ctx, mod, srcPtr, dstPtr) != 0 {
		return statusInvalidAddress
	}
	return 0
}

func (e *Engine) debug(ctx context.Context, mod api.Module, msgPtr uint32) {
	c := callFrom(ctx)
	defer e.guard(c)
	c.charge(mod, e.cfg.HostGas.Debug)
	msg := c.read(mod, msgPtr, e.cfg.MaxValueSize)
	c.log.Debug("contract debug message", "contract", c.contract.String(), "msg", string(msg))
}
