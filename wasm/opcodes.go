package wasm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"
)

const blockTypeEmpty byte = 0x40

// instr is one decoded instruction. code[offset:offset+size] holds its bytes.
type instr struct {
	op     wabin.Opcode
	sub    uint32 // 0xfc prefix sub-opcode
	offset int
	size   int
	// blockType is the block type byte of block/loop/if when it is a single
	// value type or empty; 0 for a type index.
	blockType byte
	// index is the function of call, the type of call_indirect and typed
	// blocks, or the global of global.get/set.
	index uint32
	// table is the table of call_indirect.
	table uint32
}

// walk decodes an instruction stream and calls fn for each instruction.
// Opcodes outside the supported set (MVP, sign extension, saturating
// truncation, memory.copy and memory.fill) are rejected.
func walk(code []byte, fn func(instr) error) error {
	r := bytes.NewReader(code)
	for r.Len() > 0 {
		in := instr{offset: len(code) - r.Len()}
		in.op, _ = r.ReadByte()
		if err := readImmediates(r, &in); err != nil {
			return fmt.Errorf("opcode 0x%02x at %d: %w", in.op, in.offset, err)
		}
		in.size = len(code) - r.Len() - in.offset
		if err := fn(in); err != nil {
			return err
		}
	}
	return nil
}

func u32(r *bytes.Reader) (uint32, error) {
	v, _, err := leb128.DecodeUint32(r)
	return v, err
}

func skip(r *bytes.Reader, n int) error {
	if r.Len() < n {
		return errTruncated
	}
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}

func validValueType(t byte) bool {
	switch t {
	case wabin.ValueTypeI32, wabin.ValueTypeI64, wabin.ValueTypeF32, wabin.ValueTypeF64:
		return true
	}
	return false
}

func isFloatType(t byte) bool {
	return t == wabin.ValueTypeF32 || t == wabin.ValueTypeF64
}

func readImmediates(r *bytes.Reader, in *instr) error {
	var err error
	switch op := in.op; {
	case op == wabin.OpcodeUnreachable, op == wabin.OpcodeNop, op == wabin.OpcodeElse,
		op == wabin.OpcodeEnd, op == wabin.OpcodeReturn, op == wabin.OpcodeDrop, op == wabin.OpcodeSelect:
		return nil
	case op == wabin.OpcodeBlock, op == wabin.OpcodeLoop, op == wabin.OpcodeIf:
		c, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		if c == blockTypeEmpty || validValueType(c) {
			in.blockType = c
			return nil
		}
		_ = r.UnreadByte()
		idx, _, err := leb128.DecodeInt33AsInt64(r)
		if err != nil {
			return err
		}
		if idx < 0 {
			return fmt.Errorf("invalid block type %d", idx)
		}
		in.index = uint32(idx)
		return nil
	case op == wabin.OpcodeCall, op == wabin.OpcodeGlobalGet, op == wabin.OpcodeGlobalSet:
		in.index, err = u32(r)
		return err
	case op == wabin.OpcodeBr, op == wabin.OpcodeBrIf,
		op == wabin.OpcodeLocalGet, op == wabin.OpcodeLocalSet, op == wabin.OpcodeLocalTee:
		_, err = u32(r)
		return err
	case op == wabin.OpcodeBrTable:
		n, err := u32(r)
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := u32(r); err != nil {
				return err
			}
		}
		return nil
	case op == wabin.OpcodeCallIndirect:
		if in.index, err = u32(r); err != nil {
			return err
		}
		in.table, err = u32(r)
		return err
	case op >= wabin.OpcodeI32Load && op <= wabin.OpcodeI64Store32:
		if _, err := u32(r); err != nil {
			return err
		}
		_, err = u32(r)
		return err
	case op == wabin.OpcodeMemorySize, op == wabin.OpcodeMemoryGrow:
		c, err := r.ReadByte()
		if err != nil {
			return errTruncated
		}
		if c != 0 {
			return fmt.Errorf("non-zero memory index")
		}
		return nil
	case op == wabin.OpcodeI32Const:
		_, _, err = leb128.DecodeInt32(r)
		return err
	case op == wabin.OpcodeI64Const:
		_, _, err = leb128.DecodeInt64(r)
		return err
	case op == wabin.OpcodeF32Const:
		return skip(r, 4)
	case op == wabin.OpcodeF64Const:
		return skip(r, 8)
	case op >= 0x45 && op <= wabin.OpcodeI64Extend32S:
		return nil
	case op == wabin.OpcodeMiscPrefix:
		if in.sub, err = u32(r); err != nil {
			return err
		}
		switch {
		case in.sub <= 7: // saturating truncation
			return nil
		case in.sub == uint32(wabin.OpcodeMiscMemoryCopy):
			return skip(r, 2)
		case in.sub == uint32(wabin.OpcodeMiscMemoryFill):
			return skip(r, 1)
		}
		// memory.init and data.drop need the data count section, which the
		// encoder does not write back.
		return fmt.Errorf("unsupported 0xfc sub-opcode %d", in.sub)
	}
	return fmt.Errorf("unsupported opcode")
}

// usesFloat reports whether an instruction operates on floating point values.
func (in instr) usesFloat() bool {
	op := in.op
	switch {
	case op == 0x2a, op == 0x2b, op == 0x38, op == 0x39: // f32/f64 load/store
		return true
	case op == wabin.OpcodeF32Const, op == wabin.OpcodeF64Const:
		return true
	case op >= 0x5b && op <= 0x66: // comparisons
		return true
	case op >= 0x8b && op <= 0xa6: // arithmetic
		return true
	case op >= 0xa8 && op <= 0xab, op >= 0xae && op <= 0xbf: // conversions
		return true
	case op == wabin.OpcodeMiscPrefix && in.sub <= 7:
		return true
	case op == wabin.OpcodeBlock, op == wabin.OpcodeLoop, op == wabin.OpcodeIf:
		return isFloatType(in.blockType)
	}
	return false
}

// typedBlock reports whether a block/loop/if refers to a type index.
func (in instr) typedBlock() bool {
	switch in.op {
	case wabin.OpcodeBlock, wabin.OpcodeLoop, wabin.OpcodeIf:
		return in.blockType == 0
	}
	return false
}

// isBoundary reports whether a new metered block starts after the instruction.
func (in instr) isBoundary() bool {
	switch in.op {
	case wabin.OpcodeBlock, wabin.OpcodeLoop, wabin.OpcodeIf, wabin.OpcodeElse, wabin.OpcodeEnd, wabin.OpcodeBrIf:
		return true
	}
	return false
}
