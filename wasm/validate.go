package wasm

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

const (
	// PageSize is the size of one linear memory page.
	PageSize = 64 * 1024
	// DefaultMaxMemoryPages caps linear memory at 32 MiB.
	DefaultMaxMemoryPages = 512
)

type ValidateOptions struct {
	// MaxMemoryPages bounds both the initial and the declared maximum size of
	// the module's memory. Zero means DefaultMaxMemoryPages.
	MaxMemoryPages uint32
	// RejectFloats fails validation on any floating point type or instruction.
	RejectFloats bool
}

func (o ValidateOptions) maxPages() uint32 {
	if o.MaxMemoryPages == 0 {
		return DefaultMaxMemoryPages
	}
	return o.MaxMemoryPages
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrUnsupportedModule, fmt.Sprintf(format, args...))
}

// Validate checks the deployment rules of a contract module: at most one
// memory within the page ceiling, no start function and, when requested, no
// floating point. Every instruction must be in the supported set and refer
// only to functions, globals, types and tables the module defines.
func Validate(m *Module, opts ValidateOptions) error {
	var memories []*wabin.Memory
	for _, imp := range m.ImportSection {
		if imp.Type == wabin.ExternTypeMemory {
			memories = append(memories, imp.DescMem)
		}
	}
	if m.MemorySection != nil {
		memories = append(memories, m.MemorySection)
	}
	if len(memories) > 1 {
		return unsupported("%d memories declared", len(memories))
	}
	ceiling := opts.maxPages()
	for _, mem := range memories {
		if mem.Min > ceiling {
			return unsupported("initial memory of %d pages exceeds %d", mem.Min, ceiling)
		}
		if mem.IsMaxEncoded && mem.Max > ceiling {
			return unsupported("maximum memory of %d pages exceeds %d", mem.Max, ceiling)
		}
	}

	if m.StartSection != nil {
		return unsupported("start function is not allowed")
	}

	if opts.RejectFloats {
		if err := checkFloatTypes(m); err != nil {
			return err
		}
	}

	if err := checkIndices(m); err != nil {
		return err
	}

	for i, body := range m.CodeSection {
		err := walk(body.Body, func(in instr) error {
			if opts.RejectFloats && in.usesFloat() {
				return unsupported("floating point instruction 0x%02x", in.op)
			}
			return nil
		})
		if err != nil {
			return unsupported("function %d: %v", i, err)
		}
	}
	return nil
}

// checkIndices rejects references to functions, globals, types, tables and
// memories outside the module's index spaces. The gas injector appends a
// global pair and a function, so an index one past the end would otherwise
// resolve to them after instrumentation.
func checkIndices(m *Module) error {
	funcs, globals := m.numFuncs(), m.numGlobals()
	types, tables := uint32(len(m.TypeSection)), m.numTables()

	for _, imp := range m.ImportSection {
		if imp.Type == wabin.ExternTypeFunc && imp.DescFunc >= types {
			return unsupported("import %s.%s has type %d of %d", imp.Module, imp.Name, imp.DescFunc, types)
		}
	}
	for i, t := range m.FunctionSection {
		if t >= types {
			return unsupported("function %d has type %d of %d", i, t, types)
		}
	}
	for _, e := range m.ExportSection {
		limit := map[wabin.ExternType]uint32{
			wabin.ExternTypeFunc:   funcs,
			wabin.ExternTypeGlobal: globals,
			wabin.ExternTypeTable:  tables,
			wabin.ExternTypeMemory: m.numMemories(),
		}[e.Type]
		if e.Index >= limit {
			return unsupported("export %q refers to %s %d of %d", e.Name, wabin.ExternTypeName(e.Type), e.Index, limit)
		}
	}
	for i, seg := range m.ElementSection {
		for _, idx := range seg.Init {
			if idx != nil && *idx >= funcs {
				return unsupported("element segment %d refers to function %d of %d", i, *idx, funcs)
			}
		}
	}
	for i, g := range m.GlobalSection {
		if g.Init.Opcode != wabin.OpcodeGlobalGet {
			continue
		}
		idx, _, err := leb128.DecodeUint32(bytes.NewReader(g.Init.Data))
		if err != nil || idx >= m.ImportGlobalCount() {
			return unsupported("global %d is initialised from global %d", i, idx)
		}
	}

	for i, body := range m.CodeSection {
		err := walk(body.Body, func(in instr) error {
			switch {
			case in.op == wabin.OpcodeCall && in.index >= funcs:
				return fmt.Errorf("call to function %d of %d", in.index, funcs)
			case in.op == wabin.OpcodeCallIndirect && in.index >= types:
				return fmt.Errorf("call_indirect with type %d of %d", in.index, types)
			case in.op == wabin.OpcodeCallIndirect && in.table >= tables:
				return fmt.Errorf("call_indirect through table %d of %d", in.table, tables)
			case (in.op == wabin.OpcodeGlobalGet || in.op == wabin.OpcodeGlobalSet) && in.index >= globals:
				return fmt.Errorf("access to global %d of %d", in.index, globals)
			case in.typedBlock() && in.index >= types:
				return fmt.Errorf("block with type %d of %d", in.index, types)
			}
			return nil
		})
		if err != nil {
			return unsupported("function %d: %v", i, err)
		}
	}
	return nil
}

// IsFloatFree reports whether m contains no floating point types or
// instructions.
func IsFloatFree(m *Module) bool {
	if checkFloatTypes(m) != nil {
		return false
	}
	for _, body := range m.CodeSection {
		float := false
		_ = walk(body.Body, func(in instr) error {
			float = float || in.usesFloat()
			return nil
		})
		if float {
			return false
		}
	}
	return true
}

func checkFloatTypes(m *Module) error {
	for i, t := range m.TypeSection {
		if slices.ContainsFunc(t.Params, isFloatType) || slices.ContainsFunc(t.Results, isFloatType) {
			return unsupported("type %d uses floating point", i)
		}
	}
	for _, imp := range m.ImportSection {
		if imp.Type == wabin.ExternTypeGlobal && isFloatType(imp.DescGlobal.ValType) {
			return unsupported("imported global %s.%s is floating point", imp.Module, imp.Name)
		}
	}
	for i, g := range m.GlobalSection {
		if isFloatType(g.Type.ValType) {
			return unsupported("global %d is floating point", i)
		}
	}
	for i, body := range m.CodeSection {
		if slices.ContainsFunc(body.LocalTypes, isFloatType) {
			return unsupported("function %d declares floating point locals", i)
		}
	}
	return nil
}
