// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package status defines the status codes shared by every IPC module.
//
// Each module declares its own sentinel errors with [New]. Sentinels of
// different modules are distinct values but compare equal by [Code]:
//
//	errors.Is(gate.ErrInvalidArg, status.InvalidArg)       // true
//	errors.Is(nameserver.ErrInvalidArg, status.InvalidArg) // true
//	errors.Is(gate.ErrInvalidArg, nameserver.ErrInvalidArg) // false
//
// [Full] additionally matches [code.hybscloud.com/iox.ErrWouldBlock], so
// ring backpressure composes with iox retry loops.
package status

import (
	"errors"

	"code.hybscloud.com/iox"
)

// Code is a module-independent status code.
type Code int32

const (
	Success Code = iota
	InvalidArg
	NotFound
	AlreadyExists
	Full
	Timeout
	Down
	Reset
	Memory
	InvalidState
	NotSupported
	NotRegistered
	Unblocked
	Fail
)

var codeNames = [...]string{
	Success:       "success",
	InvalidArg:    "invalid argument",
	NotFound:      "not found",
	AlreadyExists: "already exists",
	Full:          "full",
	Timeout:       "timeout",
	Down:          "peer down",
	Reset:         "peer reset",
	Memory:        "out of memory",
	InvalidState:  "invalid state",
	NotSupported:  "not supported",
	NotRegistered: "event not registered",
	Unblocked:     "unblocked",
	Fail:          "failure",
}

// String returns the human readable code name.
func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "unknown status"
}

// Error makes a bare Code usable as an errors.Is target.
func (c Code) Error() string { return c.String() }

// Module identifies the originating module in the wire encoding.
type Module uint8

const (
	ModuleCore Module = iota
	ModuleMultiProc
	ModuleSharedRegion
	ModuleGate
	ModuleNotify
	ModuleNameServer
	ModuleTransport
	ModuleMessageQ
	ModuleHeap
)

// failureBit marks a failing wire status, as in the legacy ioctl ABI.
const failureBit = int32(-0x80000000)

// Wire encodes c for the driver boundary: failures carry the high bit,
// the module in bits 16..23 and the code in the low 16 bits.
func (c Code) Wire(m Module) int32 {
	if c == Success {
		return 0
	}
	return failureBit | int32(m)<<16 | int32(c)
}

// FromWire decodes a wire status produced by [Code.Wire].
// Non-failing values decode to Success.
func FromWire(v int32) (Module, Code) {
	if v&failureBit == 0 {
		return ModuleCore, Success
	}
	return Module(v >> 16 & 0xff), Code(v & 0xffff)
}

// Error is a module-qualified status.
type Error struct {
	Module string
	Code   Code
}

// New returns a sentinel error for module with code c.
func New(module string, c Code) *Error {
	return &Error{Module: module, Code: c}
}

func (e *Error) Error() string {
	return e.Module + ": " + e.Code.String()
}

// Is reports whether target is the same code, either as a bare Code or as
// the identical sentinel. Full also matches iox.ErrWouldBlock.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e == t
	}
	return e.Code == Full && target == iox.ErrWouldBlock
}

// CodeOf extracts the status code carried by err.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	if iox.IsWouldBlock(err) {
		return Full
	}
	return Fail
}
