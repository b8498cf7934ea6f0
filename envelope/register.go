package envelope

import "sync/atomic"

// ResultRegister is the invocation-result shared register: single-writer
// (any producer, via the completing-event interceptor), many-reader (the
// lifecycle orchestrator at finalization). An atomic int32 suffices; no
// locking is needed since every write is a full replacement of the
// tri-state value.
type ResultRegister struct {
	v atomic.Int32
}

// Set stores r, overwriting whatever was previously observed.
func (reg *ResultRegister) Set(r Result) { reg.v.Store(int32(r)) }

// Get returns the most recently stored result, or ResultUnknown if Set was
// never called.
func (reg *ResultRegister) Get() Result { return Result(reg.v.Load()) }

// Intercept implements the completing-event interception rule: if
// hasExitCode is true, exitCode 0 maps to ResultSucceeded and any other value
// to ResultFailed; a non-completing event (hasExitCode false) leaves the
// register unchanged.
func (reg *ResultRegister) Intercept(hasExitCode bool, exitCode int) {
	if !hasExitCode {
		return
	}
	if exitCode == 0 {
		reg.Set(ResultSucceeded)
	} else {
		reg.Set(ResultFailed)
	}
}
