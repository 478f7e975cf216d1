package interfaces

import (
	"errors"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
)

var (
	// ErrMalformedInput is returned for envelopes that are too short, bad base64 or bad JSON.
	ErrMalformedInput = errors.New("malformed input")

	// ErrAuthenticationFailure is returned on contract key mismatch or AEAD tag mismatch.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrKeyUnavailable is returned when a seed or epoch key is requested before it exists.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrHostIO is returned when the untrusted key-value store cannot be reached.
	ErrHostIO = errors.New("host io failure")

	// ErrGasExhausted is returned when a call runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")

	// ErrUnsupportedModule is returned for modules failing memory, float or start-section validation.
	ErrUnsupportedModule = errors.New("unsupported module")

	// ErrInternalPanic is returned when an unexpected panic was recovered at the call boundary.
	ErrInternalPanic = errors.New("internal panic")

	// ErrOutOfMemory is the memory-safety class of ErrInternalPanic.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBusy is returned when every execution slot is taken.
	ErrBusy = errors.New("no free execution slot")

	// ErrExecution is returned when the contract trapped or broke the region ABI.
	ErrExecution = errors.New("contract execution failed")
)

// ErrorKind classifies an error returned from a call entry point.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindMalformedInput
	KindAuthenticationFailure
	KindKeyUnavailable
	KindHostIO
	KindGasExhausted
	KindUnsupportedModule
	KindInternalPanic
	KindOutOfMemory
	KindBusy
	KindExecution
	KindUnknown
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindMalformedInput, ErrMalformedInput},
	{KindAuthenticationFailure, ErrAuthenticationFailure},
	{KindAuthenticationFailure, cryptoutils.ErrDecryption},
	{KindKeyUnavailable, ErrKeyUnavailable},
	{KindHostIO, ErrHostIO},
	{KindGasExhausted, ErrGasExhausted},
	{KindUnsupportedModule, ErrUnsupportedModule},
	{KindOutOfMemory, ErrOutOfMemory},
	{KindInternalPanic, ErrInternalPanic},
	{KindBusy, ErrBusy},
	{KindExecution, ErrExecution},
}

// KindOf maps a (possibly wrapped) error to its kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// Recoverable reports whether the caller can act on the failure (bad input,
// failed authentication, bad module, out of gas, busy) as opposed to a fatal one.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindMalformedInput, KindAuthenticationFailure, KindUnsupportedModule, KindGasExhausted, KindBusy, KindExecution:
		return true
	default:
		return false
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMalformedInput:
		return "malformed_input"
	case KindAuthenticationFailure:
		return "authentication_failure"
	case KindKeyUnavailable:
		return "key_unavailable"
	case KindHostIO:
		return "host_io_failure"
	case KindGasExhausted:
		return "gas_exhausted"
	case KindUnsupportedModule:
		return "unsupported_module"
	case KindInternalPanic:
		return "internal_panic"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindBusy:
		return "busy"
	case KindExecution:
		return "execution_failure"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k := KindNone; k < KindUnknown; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinel returns the error a kind is matched against, or nil for KindNone
// and KindUnknown.
func (k ErrorKind) Sentinel() error {
	for _, s := range kindSentinels {
		if s.kind == k {
			return s.err
		}
	}
	return nil
}
