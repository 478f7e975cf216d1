package wasmtest

import "encoding/binary"

// Memory layout of the test contract.
const (
	keyRegionAddr    = 16
	outputRegionAddr = 32
	keyAddr          = 64
	prefixAddr       = 96
	suffixAddr       = 112
	outputAddr       = 128
	heapStart        = 1024

	// StateKey is the storage key the test contract reads and writes.
	StateKey = "k"

	queryPrefix = `{"ok":"`
	querySuffix = `"}`
)

type ContractOptions struct {
	// V010 builds the init/handle/query interface instead of
	// instantiate/execute/query.
	V010 bool
	// Output is returned by init and handle. Defaults to {"ok":"done"}.
	Output string
	// RemoveOnHandle makes handle delete StateKey instead of writing it.
	RemoveOnHandle bool
	// Floats adds an exported function using f64.
	Floats bool
}

// Contract builds a contract that stores its message under StateKey on init
// and handle and answers queries with {"ok":"<stored value>"}. The message
// is also sent to the host debug function.
func Contract(opts ContractOptions) []byte {
	if opts.Output == "" {
		opts.Output = `{"ok":"done"}`
	}

	b := New()
	debugName, marker := "debug", "interface_version_8"
	if opts.V010 {
		debugName, marker = "debug_print", "cosmwasm_vm_version_3"
	}
	dbRead := b.ImportFunc("env", "db_read", []byte{I32}, []byte{I32})
	dbWrite := b.ImportFunc("env", "db_write", []byte{I32, I32}, nil)
	dbRemove := b.ImportFunc("env", "db_remove", []byte{I32}, nil)
	debug := b.ImportFunc("env", debugName, []byte{I32}, nil)

	b.Memory(1, -1)
	heap := b.Global(I32, true, heapStart)

	allocate := b.Func([]byte{I32}, []byte{I32}, []byte{I32}, cat(
		[]byte{0x23}, ULEB(uint64(heap)), []byte{0x21, 0x01},
		[]byte{0x20, 0x01, 0x20, 0x01}, i32c(regionSize), []byte{0x6a}, store(0),
		[]byte{0x20, 0x01, 0x20, 0x00}, store(4),
		[]byte{0x20, 0x01}, i32c(0), store(8),
		[]byte{0x23}, ULEB(uint64(heap)), i32c(regionSize), []byte{0x6a, 0x20, 0x00, 0x6a, 0x24}, ULEB(uint64(heap)),
		[]byte{0x20, 0x01},
	)...)
	deallocate := b.Func([]byte{I32}, nil, nil)

	// parameters: (env, info, msg) or (env, msg)
	callParams := []byte{I32, I32, I32}
	queryParams := []byte{I32, I32}
	if opts.V010 {
		callParams = []byte{I32, I32}
		queryParams = []byte{I32}
	}
	msg := byte(len(callParams) - 1)

	var mutate []byte
	if opts.RemoveOnHandle {
		mutate = cat(i32c(keyRegionAddr), call(dbRemove))
	}
	write := cat(i32c(keyRegionAddr), []byte{0x20, msg}, call(dbWrite))
	if !opts.RemoveOnHandle {
		mutate = write
	}
	trace := cat([]byte{0x20, msg}, call(debug))

	initFn := b.Func(callParams, []byte{I32}, nil, cat(write, trace, i32c(outputRegionAddr))...)
	handleFn := b.Func(callParams, []byte{I32}, nil, cat(mutate, trace, i32c(outputRegionAddr))...)

	val := byte(len(queryParams))
	n, out := val+1, val+2
	loadOut := cat([]byte{0x20, out}, load(0))
	queryFn := b.Func(queryParams, []byte{I32}, []byte{I32, I32, I32}, cat(
		i32c(keyRegionAddr), call(dbRead), []byte{0x21, val},
		[]byte{0x20, val}, load(8), []byte{0x21, n},
		[]byte{0x20, n}, i32c(int64(len(queryPrefix)+len(querySuffix))), []byte{0x6a}, call(allocate), []byte{0x21, out},
		loadOut, i32c(prefixAddr), i32c(int64(len(queryPrefix))), memoryCopy(),
		loadOut, i32c(int64(len(queryPrefix))), []byte{0x6a, 0x20, val}, load(0), []byte{0x20, n}, memoryCopy(),
		loadOut, i32c(int64(len(queryPrefix))), []byte{0x6a, 0x20, n, 0x6a}, i32c(suffixAddr), i32c(int64(len(querySuffix))), memoryCopy(),
		[]byte{0x20, out, 0x20, n}, i32c(int64(len(queryPrefix)+len(querySuffix))), []byte{0x6a}, store(8),
		[]byte{0x20, out},
	)...)
	markerFn := b.Func(nil, nil, nil)

	b.Export("memory", KindMemory, 0)
	b.Export("allocate", KindFunc, allocate)
	b.Export("deallocate", KindFunc, deallocate)
	if opts.V010 {
		b.Export("init", KindFunc, initFn)
		b.Export("handle", KindFunc, handleFn)
	} else {
		b.Export("instantiate", KindFunc, initFn)
		b.Export("execute", KindFunc, handleFn)
	}
	b.Export("query", KindFunc, queryFn)
	b.Export(marker, KindFunc, markerFn)

	if opts.Floats {
		// local.get 0; local.get 0; f64.add
		floatFn := b.Func([]byte{F64}, []byte{F64}, nil, 0x20, 0x00, 0x20, 0x00, 0xa0)
		b.Export("float_op", KindFunc, floatFn)
	}

	b.Data(keyRegionAddr, regionBytes(keyAddr, uint32(len(StateKey))))
	b.Data(outputRegionAddr, regionBytes(outputAddr, uint32(len(opts.Output))))
	b.Data(keyAddr, []byte(StateKey))
	b.Data(prefixAddr, []byte(queryPrefix))
	b.Data(suffixAddr, []byte(querySuffix))
	b.Data(outputAddr, []byte(opts.Output))
	return b.Bytes()
}

const regionSize = 12

func regionBytes(offset, length uint32) []byte {
	out := make([]byte, regionSize)
	binary.LittleEndian.PutUint32(out[0:], offset)
	binary.LittleEndian.PutUint32(out[4:], length)
	binary.LittleEndian.PutUint32(out[8:], length)
	return out
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func i32c(v int64) []byte {
	return append([]byte{0x41}, SLEB(v)...)
}

func call(fn uint32) []byte {
	return append([]byte{0x10}, ULEB(uint64(fn))...)
}

func load(offset uint32) []byte {
	return append([]byte{0x28, 0x02}, ULEB(uint64(offset))...)
}

func store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, ULEB(uint64(offset))...)
}

func memoryCopy() []byte {
	return []byte{0xfc, 0x0a, 0x00, 0x00}
}
