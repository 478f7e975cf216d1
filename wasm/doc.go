// Package wasm holds the bytecode tooling applied to contract code before it
// is compiled: module decoding and encoding on wabin, deployment rule
// validation, interface version detection and gas meter injection.
package wasm
