// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gate provides mutual exclusion for IPC structures.
//
// Four variants share the [Gate] capability set and are chosen when a
// structure is created:
//
//   - [Peterson]: two-party lock in shared memory, using the two-flag turn
//     protocol. One creator and one opener; a second opener is refused.
//   - [SharedSpinlock]: lock in shared memory for any number of
//     processors, one lock word taken by compare-and-swap.
//   - [Spinlock]: process-local busy-wait lock.
//   - [Mutex]: process-local blocking lock.
//
// # Nesting
//
// The first [Gate.Enter] acquires the gate and returns a [Key]. While
// holding it the caller may nest with [Gate.Reenter], which never
// re-executes the wait. Every enter is balanced by a [Gate.Leave] with its
// own key, innermost first; the gate is released when the outermost key is
// left. Key mismatches are checked only in builds tagged ipcdebug.
//
// # Waiting
//
// Shared gates spin until the holder leaves. There is no timeout: a peer
// that halts inside the critical section blocks the gate forever. Callers
// must not hold a gate across a blocking call. A SpinWarn duration logs
// rate-limited warnings while a wait drags on.
package gate

import (
	"code.hybscloud.com/ipc/status"
)

var (
	ErrInvalidArg    = status.New("gate", status.InvalidArg)
	ErrNotFound      = status.New("gate", status.NotFound)
	ErrInvalidState  = status.New("gate", status.InvalidState)
	ErrAlreadyExists = status.New("gate", status.AlreadyExists)
)

// Kind names a gate variant.
type Kind uint8

const (
	KindMutex Kind = iota
	KindSpinlock
	KindPeterson
	KindSharedSpinlock
)

func (k Kind) String() string {
	switch k {
	case KindMutex:
		return "mutex"
	case KindSpinlock:
		return "spinlock"
	case KindPeterson:
		return "peterson"
	case KindSharedSpinlock:
		return "shared-spinlock"
	}
	return "unknown"
}

// Key is returned by an enter and consumed by the matching leave.
type Key uint64

func makeKey(gen, depth uint32) Key { return Key(uint64(gen)<<32 | uint64(depth)) }

// Depth returns the nesting depth the key was issued at.
func (k Key) Depth() uint32 { return uint32(k) }

func (k Key) gen() uint32 { return uint32(k >> 32) }

// Gate is the mutual exclusion capability set.
type Gate interface {
	// Enter acquires the gate, waiting as long as necessary.
	Enter() Key
	// Reenter nests an entry by the current holder of k.
	Reenter(k Key) Key
	// Leave undoes the enter that returned k.
	Leave(k Key)
	// Kind reports the variant.
	Kind() Kind
}

// nesting tracks the holder's enter depth. Only the holder touches it.
type nesting struct {
	gen   uint32
	depth uint32
}

func (n *nesting) first() Key {
	n.gen++
	n.depth = 1
	return makeKey(n.gen, 1)
}

func (n *nesting) reenter(k Key) Key {
	if debug && (n.depth == 0 || k.gen() != n.gen) {
		panic("gate: reenter with a key that does not hold the gate")
	}
	n.depth++
	return makeKey(n.gen, n.depth)
}

// leave reports whether the outermost enter was left.
func (n *nesting) leave(k Key) bool {
	if debug && k != makeKey(n.gen, n.depth) {
		panic("gate: leave with mismatched key")
	}
	n.depth--
	return n.depth == 0
}
