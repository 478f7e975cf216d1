package engine

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// scratch is memory held in reserve for reporting allocation failures.
type scratch struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newScratch(size int) *scratch {
	s := &scratch{size: size}
	s.reserve()
	return s
}

// reserve re-allocates the buffer after it was released.
func (s *scratch) reserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil && s.size > 0 {
		s.buf = make([]byte, s.size)
	}
}

func (s *scratch) release() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	debug.FreeOSMemory()
}

// recovered converts a panic caught at the call boundary into an error. Gas
// accounting is not trusted after a panic, so the caller reports none.
func (e *Engine) recovered(op interfaces.ContractOperation, r any) error {
	if isOutOfMemory(r) {
		e.scratch.release()
		e.log.Error("contract call ran out of memory", "op", op.String(), "panic", fmt.Sprint(r))
		return fmt.Errorf("%w: %w: %v", interfaces.ErrInternalPanic, interfaces.ErrOutOfMemory, r)
	}

	e.log.Error("recovered panic in contract call",
		"op", op.String(),
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
	return fmt.Errorf("%w: %v", interfaces.ErrInternalPanic, r)
}

func isOutOfMemory(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	if errors.Is(err, interfaces.ErrOutOfMemory) {
		return true
	}
	var rtErr runtime.Error
	if errors.As(err, &rtErr) {
		msg := rtErr.Error()
		return strings.Contains(msg, "makeslice") || strings.Contains(msg, "out of memory")
	}
	return false
}
