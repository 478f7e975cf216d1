package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// Features are the core features a contract module may be decoded with.
// Instructions outside the supported set are rejected later by Validate.
const Features = wabin.CoreFeaturesV2

// maxLocals bounds the locals a single function may declare. The decoder
// expands local declarations, so the bound is enforced before decoding.
const maxLocals = 50000

var errTruncated = errors.New("unexpected end of input")

// Module is a decoded contract binary.
type Module struct {
	*wabin.Module
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrUnsupportedModule, fmt.Sprintf(format, args...))
}

// Parse decodes a module. Every structural error is reported as
// ErrUnsupportedModule.
func Parse(b []byte) (*Module, error) {
	if err := scan(b); err != nil {
		return nil, malformed("%v", err)
	}
	m, err := binary.DecodeModule(b, Features)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return &Module{Module: m}, nil
}

// Encode serialises the module. Custom sections are written after the data
// section and a data count section is not emitted.
func (m *Module) Encode() []byte {
	return binary.EncodeModule(m.Module)
}

// ExportNamed returns the export with the given name.
func (m *Module) ExportNamed(name string) (*wabin.Export, bool) {
	for _, e := range m.ExportSection {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

func (m *Module) numFuncs() uint32 {
	return m.ImportFuncCount() + uint32(len(m.FunctionSection))
}

func (m *Module) numGlobals() uint32 {
	return m.ImportGlobalCount() + uint32(len(m.GlobalSection))
}

func (m *Module) numTables() uint32 {
	return m.ImportTableCount() + uint32(len(m.TableSection))
}

func (m *Module) numMemories() uint32 {
	n := m.ImportMemoryCount()
	if m.MemorySection != nil {
		n++
	}
	return n
}

// sectionRank is the position of a known section in a module.
func sectionRank(id wabin.SectionID) int {
	switch id {
	case wabin.SectionIDDataCount:
		return 10 // between element and code
	case wabin.SectionIDCode:
		return 11
	case wabin.SectionIDData:
		return 12
	default:
		return int(id)
	}
}

// scan checks the section layout ahead of the decoder: known ids in
// canonical order, vector counts that fit their section and bounded locals.
// The decoder preallocates vectors and expands locals from the declared
// counts, which must not be trusted.
func scan(b []byte) error {
	if len(b) < 8 {
		return errors.New("not a wasm v1 binary")
	}
	r := bytes.NewReader(b[8:])
	lastRank := 0
	for r.Len() > 0 {
		id, _ := r.ReadByte()
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("section %d size: %w", id, err)
		}
		payload, err := next(r, size)
		if err != nil {
			return fmt.Errorf("section %d: %w", id, err)
		}
		if id == wabin.SectionIDCustom {
			continue
		}
		if id > wabin.SectionIDDataCount {
			return fmt.Errorf("unknown section id %d", id)
		}
		rank := sectionRank(id)
		if rank <= lastRank {
			return fmt.Errorf("section %d out of order", id)
		}
		lastRank = rank

		switch id {
		case wabin.SectionIDStart, wabin.SectionIDDataCount:
		case wabin.SectionIDCode:
			err = scanCode(payload)
		default:
			err = scanVector(payload)
		}
		if err != nil {
			return fmt.Errorf("section %d: %w", id, err)
		}
	}
	return nil
}

// next returns the following n bytes of r.
func next(r *bytes.Reader, n uint32) ([]byte, error) {
	if int64(n) > int64(r.Len()) {
		return nil, errTruncated
	}
	out := make([]byte, n)
	_, err := io.ReadFull(r, out)
	return out, err
}

func scanVector(payload []byte) error {
	r := bytes.NewReader(payload)
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	if int64(n) > int64(r.Len()) {
		return fmt.Errorf("vector of %d entries in %d bytes", n, r.Len())
	}
	return nil
}

func scanCode(payload []byte) error {
	if err := scanVector(payload); err != nil {
		return err
	}
	r := bytes.NewReader(payload)
	n, _, _ := leb128.DecodeUint32(r)
	for i := uint32(0); i < n; i++ {
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		body, err := next(r, size)
		if err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
		if err := scanLocals(bytes.NewReader(body)); err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
	}
	return nil
}

func scanLocals(r *bytes.Reader) error {
	decls, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	var total uint64
	for j := uint32(0); j < decls; j++ {
		count, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		if total += uint64(count); total > maxLocals {
			return fmt.Errorf("more than %d locals", maxLocals)
		}
		if _, err := r.ReadByte(); err != nil {
			return errTruncated
		}
	}
	return nil
}
