package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/internal/wasmtest"
)

func answerModule() []byte {
	b := wasmtest.New()
	b.Memory(1, 16)
	fn := b.Func(nil, []byte{wasmtest.I32}, nil, 0x41, 0x2a) // i32.const 42
	b.Export("answer", wasmtest.KindFunc, fn)
	b.Export("memory", wasmtest.KindMemory, 0)
	b.Export(ExportMarkerV1, wasmtest.KindFunc, fn)
	b.Data(8, []byte("hello"))
	b.Custom("producers", []byte{0x00})
	return b.Bytes()
}

func TestParseEncodeRoundTrip(t *testing.T) {
	code := answerModule()

	m, err := Parse(code)
	require.NoError(t, err)
	require.Len(t, m.TypeSection, 1)
	require.Len(t, m.FunctionSection, 1)
	require.Len(t, m.CodeSection, 1)
	require.Equal(t, &wabin.Memory{Min: 1, Max: 16, IsMaxEncoded: true}, m.MemorySection)
	require.Nil(t, m.StartSection)
	require.Len(t, m.CustomSections, 1)

	e, ok := m.ExportNamed("answer")
	require.True(t, ok)
	require.Equal(t, wabin.ExternTypeFunc, e.Type)

	require.Equal(t, code, m.Encode())
}

func TestParseRejects(t *testing.T) {
	valid := answerModule()

	// a type section after a memory section
	outOfOrder := append(wasmtest.New().Bytes(),
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x01, 0x01, 0x00)

	cases := map[string][]byte{
		"empty":        nil,
		"bad magic":    append([]byte{0x00, 0x61, 0x73, 0x6e}, valid[4:]...),
		"truncated":    valid[:len(valid)-3],
		"out of order": outOfOrder,
		"unknown id":   append(wasmtest.New().Bytes(), 0x0d, 0x00),
		// one body declaring 2^32-1 i32 locals
		"locals": append(wasmtest.New().Bytes(),
			0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
			0x03, 0x02, 0x01, 0x00,
			0x0a, 0x0a, 0x01, 0x08, 0x01, 0xff, 0xff, 0xff, 0xff, 0x0f, 0x7f, 0x0b),
		// a global vector claiming more entries than its section holds
		"vector count": append(wasmtest.New().Bytes(), 0x06, 0x02, 0xff, 0x01),
	}
	for name, code := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(code)
			require.ErrorIs(t, err, interfaces.ErrUnsupportedModule)
		})
	}
}
