// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
	F32 byte = 0x7d
	F64 byte = 0x7c
)

// Export kinds.
const (
	KindFunc   byte = 0
	KindMemory byte = 2
	KindGlobal byte = 3
)

type funcType struct {
	params, results []byte
}

type function struct {
	typeIdx uint32
	locals  []byte // one entry per local
	code    []byte
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type global struct {
	typ     byte
	mutable bool
	init    []byte
}

type data struct {
	offset uint32
	bytes  []byte
}

// Builder collects module items. Function indices count imports first, so
// all imports must be added before the first function.
type Builder struct {
	types     []funcType
	imports   []importFunc
	funcs     []function
	memories  [][2]uint32
	memMax    []bool
	globals   []global
	exports   []export
	data      []data
	start     *uint32
	custom    []byte
}

func New() *Builder {
	return &Builder{}
}

// Type adds a function type and returns its index. Identical types are
// reused.
func (b *Builder) Type(params, results []byte) uint32 {
	for i, t := range b.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typeIdx: b.Type(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. code is the instruction
// stream without the final end.
func (b *Builder) Func(params, results, locals []byte, code ...byte) uint32 {
	b.funcs = append(b.funcs, function{typeIdx: b.Type(params, results), locals: locals, code: code})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares the module's memory. max < 0 leaves it unbounded.
func (b *Builder) Memory(min uint32, max int64) {
	hasMax := max >= 0
	b.memories = append(b.memories, [2]uint32{min, uint32(max)})
	b.memMax = append(b.memMax, hasMax)
}

// Global adds a global with an i32.const or i64.const initializer.
func (b *Builder) Global(typ byte, mutable bool, value int64) uint32 {
	var init []byte
	switch typ {
	case I64:
		init = append([]byte{0x42}, SLEB(value)...)
	default:
		init = append([]byte{0x41}, SLEB(value)...)
	}
	b.globals = append(b.globals, global{typ: typ, mutable: mutable, init: append(init, 0x0b)})
	return uint32(len(b.globals) - 1)
}

func (b *Builder) Export(name string, kind byte, index uint32) {
	b.exports = append(b.exports, export{name: name, kind: kind, index: index})
}

// Data places bytes in memory 0 at offset.
func (b *Builder) Data(offset uint32, bytes []byte) {
	b.data = append(b.data, data{offset: offset, bytes: bytes})
}

func (b *Builder) Start(funcIdx uint32) {
	b.start = &funcIdx
}

// Custom adds a custom section after all others.
func (b *Builder) Custom(name string, payload []byte) {
	s := appendName(nil, name)
	s = append(s, payload...)
	b.custom = appendSection(b.custom, 0, s)
}

func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		s := ULEB(uint64(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = append(s, ULEB(uint64(len(t.params)))...)
			s = append(s, t.params...)
			s = append(s, ULEB(uint64(len(t.results)))...)
			s = append(s, t.results...)
		}
		out = appendSection(out, 1, s)
	}
	if len(b.imports) > 0 {
		s := ULEB(uint64(len(b.imports)))
		for _, imp := range b.imports {
			s = appendName(s, imp.module)
			s = appendName(s, imp.name)
			s = append(s, KindFunc)
			s = append(s, ULEB(uint64(imp.typeIdx))...)
		}
		out = appendSection(out, 2, s)
	}
	if len(b.funcs) > 0 {
		s := ULEB(uint64(len(b.funcs)))
		for _, f := range b.funcs {
			s = append(s, ULEB(uint64(f.typeIdx))...)
		}
		out = appendSection(out, 3, s)
	}
	if len(b.memories) > 0 {
		s := ULEB(uint64(len(b.memories)))
		for i, mem := range b.memories {
			if b.memMax[i] {
				s = append(s, 0x01)
				s = append(s, ULEB(uint64(mem[0]))...)
				s = append(s, ULEB(uint64(mem[1]))...)
			} else {
				s = append(s, 0x00)
				s = append(s, ULEB(uint64(mem[0]))...)
			}
		}
		out = appendSection(out, 5, s)
	}
	if len(b.globals) > 0 {
		s := ULEB(uint64(len(b.globals)))
		for _, g := range b.globals {
			mut := byte(0)
			if g.mutable {
				mut = 1
			}
			s = append(s, g.typ, mut)
			s = append(s, g.init...)
		}
		out = appendSection(out, 6, s)
	}
	if len(b.exports) > 0 {
		s := ULEB(uint64(len(b.exports)))
		for _, e := range b.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = append(s, ULEB(uint64(e.index))...)
		}
		out = appendSection(out, 7, s)
	}
	if b.start != nil {
		out = appendSection(out, 8, ULEB(uint64(*b.start)))
	}
	if len(b.funcs) > 0 {
		s := ULEB(uint64(len(b.funcs)))
		for _, f := range b.funcs {
			body := ULEB(uint64(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.code...)
			body = append(body, 0x0b)
			s = append(s, ULEB(uint64(len(body)))...)
			s = append(s, body...)
		}
		out = appendSection(out, 10, s)
	}
	if len(b.data) > 0 {
		s := ULEB(uint64(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00, 0x41)
			s = append(s, SLEB(int64(d.offset))...)
			s = append(s, 0x0b)
			s = append(s, ULEB(uint64(len(d.bytes)))...)
			s = append(s, d.bytes...)
		}
		out = appendSection(out, 11, s)
	}
	return append(out, b.custom...)
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = append(out, ULEB(uint64(len(payload)))...)
	return append(out, payload...)
}

func appendName(b []byte, s string) []byte {
	b = append(b, ULEB(uint64(len(s)))...)
	return append(b, s...)
}

// ULEB encodes v as unsigned LEB128.
func ULEB(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// SLEB encodes v as signed LEB128.
func SLEB(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}
