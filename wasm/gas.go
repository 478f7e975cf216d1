package wasm

import (
	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"
)

// Names of the globals the gas injector exports. The host sets gas_limit
// before a call and reads it back afterwards; gas_limit_exhausted is non-zero
// after the module trapped for lack of gas and holds the cost that could not
// be paid.
const (
	GasLimitExport     = "gas_limit"
	GasExhaustedExport = "gas_limit_exhausted"
)

// GasCosts is the per-instruction price list of the injected meter.
type GasCosts struct {
	Regular uint64
	// Memory is charged for loads and stores.
	Memory uint64
	Mul    uint64
	// Div is charged for integer division and remainder.
	Div uint64
	// GrowPage is charged per page requested by memory.grow, on top of the
	// instruction itself.
	GrowPage uint64
}

func DefaultGasCosts() GasCosts {
	return GasCosts{
		Regular:  1,
		Memory:   2,
		Mul:      4,
		Div:      16,
		GrowPage: 8192,
	}
}

func (c GasCosts) of(in instr) uint64 {
	switch op := in.op; {
	case op >= wabin.OpcodeI32Load && op <= wabin.OpcodeI64Store32:
		return c.Memory
	case op == wabin.OpcodeI32Mul, op == wabin.OpcodeI64Mul:
		return c.Mul
	case op >= wabin.OpcodeI32DivS && op <= wabin.OpcodeI32RemU, op >= wabin.OpcodeI64DivS && op <= wabin.OpcodeI64RemU:
		return c.Div
	}
	return c.Regular
}

type gasGlobals struct {
	limit     uint32
	exhausted uint32
}

// InjectGas rewrites m so that every straight-line block of code pays for its
// instructions before it runs. A block is a maximal run of instructions
// between control boundaries (block, loop, if, else, end, br_if) and the
// charge sits at its start:
//
//	if gas_limit < cost { gas_limit_exhausted = cost; unreachable }
//	gas_limit -= cost
//
// memory.grow is routed through an injected function that additionally
// charges GrowPage for every requested page. The charge of a block depends
// only on the module bytes, so identical calls consume identical gas.
//
// m is modified in place; the instrumented binary is returned.
func InjectGas(m *Module, costs GasCosts) ([]byte, error) {
	for _, name := range []string{GasLimitExport, GasExhaustedExport} {
		if _, exists := m.ExportNamed(name); exists {
			return nil, unsupported("module already exports %q", name)
		}
	}
	if err := checkIndices(m); err != nil {
		return nil, err
	}

	bodies := make([][]instr, len(m.CodeSection))
	grows := false
	for i, body := range m.CodeSection {
		err := walk(body.Body, func(in instr) error {
			bodies[i] = append(bodies[i], in)
			grows = grows || in.op == wabin.OpcodeMemoryGrow
			return nil
		})
		if err != nil {
			return nil, unsupported("function %d: %v", i, err)
		}
	}

	g := gasGlobals{limit: m.numGlobals(), exhausted: m.numGlobals() + 1}
	growFn := m.numFuncs()

	for i, body := range m.CodeSection {
		body.Body = meterBody(body.Body, bodies[i], costs, g, growFn)
	}

	for range 2 {
		m.GlobalSection = append(m.GlobalSection, &wabin.Global{
			Type: &wabin.GlobalType{ValType: wabin.ValueTypeI64, Mutable: true},
			Init: &wabin.ConstantExpression{Opcode: wabin.OpcodeI64Const, Data: []byte{0x00}},
		})
	}
	m.ExportSection = append(m.ExportSection,
		&wabin.Export{Type: wabin.ExternTypeGlobal, Name: GasLimitExport, Index: g.limit},
		&wabin.Export{Type: wabin.ExternTypeGlobal, Name: GasExhaustedExport, Index: g.exhausted},
	)

	if grows {
		i32 := []wabin.ValueType{wabin.ValueTypeI32}
		m.FunctionSection = append(m.FunctionSection, m.typeIndex(i32, i32))
		m.CodeSection = append(m.CodeSection, growMeter(costs.GrowPage, g))
	}
	return m.Encode(), nil
}

// typeIndex returns the index of the signature, appending it when absent.
func (m *Module) typeIndex(params, results []wabin.ValueType) uint32 {
	for i, t := range m.TypeSection {
		if t.EqualsSignature(params, results) {
			return uint32(i)
		}
	}
	m.TypeSection = append(m.TypeSection, &wabin.FunctionType{Params: params, Results: results})
	return uint32(len(m.TypeSection) - 1)
}

func meterBody(code []byte, instrs []instr, costs GasCosts, g gasGlobals, growFn uint32) []byte {
	// blockCost[i] is the cost of instrs[i] up to and including the next
	// boundary.
	blockCost := make([]uint64, len(instrs)+1)
	for i := len(instrs) - 1; i >= 0; i-- {
		blockCost[i] = costs.of(instrs[i])
		if !instrs[i].isBoundary() {
			blockCost[i] += blockCost[i+1]
		}
	}

	out := make([]byte, 0, len(code)+len(code)/2)
	out = appendCharge(out, blockCost[0], g)
	for i, in := range instrs {
		if in.op == wabin.OpcodeMemoryGrow {
			out = append(out, wabin.OpcodeCall)
			out = append(out, leb128.EncodeUint32(growFn)...)
		} else {
			out = append(out, code[in.offset:in.offset+in.size]...)
		}
		if in.isBoundary() && i < len(instrs)-1 {
			out = appendCharge(out, blockCost[i+1], g)
		}
	}
	return out
}

func appendCharge(b []byte, cost uint64, g gasGlobals) []byte {
	if cost == 0 {
		return b
	}
	limit, exhausted := leb128.EncodeUint32(g.limit), leb128.EncodeUint32(g.exhausted)
	c := leb128.EncodeInt64(int64(cost))

	b = append(b, wabin.OpcodeGlobalGet)
	b = append(b, limit...)
	b = append(b, wabin.OpcodeI64Const)
	b = append(b, c...)
	b = append(b, wabin.OpcodeI64LtU, wabin.OpcodeIf, blockTypeEmpty, wabin.OpcodeI64Const)
	b = append(b, c...)
	b = append(b, wabin.OpcodeGlobalSet)
	b = append(b, exhausted...)
	b = append(b, wabin.OpcodeUnreachable, wabin.OpcodeEnd)

	b = append(b, wabin.OpcodeGlobalGet)
	b = append(b, limit...)
	b = append(b, wabin.OpcodeI64Const)
	b = append(b, c...)
	b = append(b, wabin.OpcodeI64Sub, wabin.OpcodeGlobalSet)
	return append(b, limit...)
}

// growMeter is (func (param $pages i32) (result i32) (local $cost i64)) that
// charges pages*perPage and then performs memory.grow.
func growMeter(perPage uint64, g gasGlobals) *wabin.Code {
	limit, exhausted := leb128.EncodeUint32(g.limit), leb128.EncodeUint32(g.exhausted)

	var b []byte
	b = append(b, wabin.OpcodeLocalGet, 0x00, wabin.OpcodeI64ExtendI32U, wabin.OpcodeI64Const)
	b = append(b, leb128.EncodeInt64(int64(perPage))...)
	b = append(b, wabin.OpcodeI64Mul, wabin.OpcodeLocalTee, 0x01, wabin.OpcodeGlobalGet)
	b = append(b, limit...)
	b = append(b, wabin.OpcodeI64GtU, wabin.OpcodeIf, blockTypeEmpty, wabin.OpcodeLocalGet, 0x01, wabin.OpcodeGlobalSet)
	b = append(b, exhausted...)
	b = append(b, wabin.OpcodeUnreachable, wabin.OpcodeEnd, wabin.OpcodeGlobalGet)
	b = append(b, limit...)
	b = append(b, wabin.OpcodeLocalGet, 0x01, wabin.OpcodeI64Sub, wabin.OpcodeGlobalSet)
	b = append(b, limit...)
	b = append(b, wabin.OpcodeLocalGet, 0x00, wabin.OpcodeMemoryGrow, 0x00, wabin.OpcodeEnd)
	return &wabin.Code{
		LocalTypes: []wabin.ValueType{wabin.ValueTypeI64},
		Body:       b,
	}
}
