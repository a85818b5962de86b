// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sharedregion translates between local addresses and
// processor-neutral shared region pointers.
//
// Every processor registers the same regions under the same indices but at
// its own local base. Only an [SRPtr] (region index plus offset) ever
// crosses processors; each side re-applies its own base on the way in:
//
//	A: base 0x9800_0000, addr 0x9800_0040 → SRPtr(0, 0x40)
//	B: base 0x4000_0040, SRPtr(0, 0x40)   → addr 0x4000_0080
package sharedregion

import (
	"math/bits"
	"slices"
	"sync"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

// SRPtr is a shared region pointer: the region index in the high bits and
// the offset within the region in the low bits.
type SRPtr uint32

// InvalidSRPtr never resolves.
const InvalidSRPtr SRPtr = 0xFFFFFFFF

// MaxEntries bounds the table size.
const MaxEntries = 256

var (
	ErrInvalidArg = status.New("sharedregion", status.InvalidArg)
	ErrNotFound   = status.New("sharedregion", status.NotFound)
)

// Entry describes one region as seen by the local processor.
type Entry struct {
	// Base is the local address the region is mapped at.
	Base uintptr
	// Len is the region length in bytes.
	Len uint32
	// Owner is the processor that creates the region's shared structures.
	Owner multiproc.ID
	Name  string
	// Segment backs the region with addressable memory. Regions without a
	// segment still translate but cannot be resolved to bytes.
	Segment *shmem.Segment
}

// Table is the process-wide region table.
type Table struct {
	mu         sync.RWMutex
	entries    []Entry
	valid      []bool
	sorted     []uint16
	offsetBits uint
}

// New creates a table with numEntries slots, a power of two up to MaxEntries.
func New(numEntries int) (*Table, error) {
	if numEntries < 1 || numEntries > MaxEntries || numEntries&(numEntries-1) != 0 {
		return nil, ErrInvalidArg
	}
	return &Table{
		entries:    make([]Entry, numEntries),
		valid:      make([]bool, numEntries),
		offsetBits: 32 - uint(bits.TrailingZeros(uint(numEntries))),
	}, nil
}

// NumEntries returns the number of index slots.
func (t *Table) NumEntries() int { return len(t.entries) }

// MaxRegionLen returns the largest length a single region may have.
func (t *Table) MaxRegionLen() uint64 { return 1 << t.offsetBits }

// Add registers region index.
func (t *Table) Add(index uint16, e Entry) error {
	if int(index) >= len(t.entries) || e.Len == 0 || uint64(e.Len) > t.MaxRegionLen() {
		return ErrInvalidArg
	}
	if uint64(e.Base)+uint64(e.Len) < uint64(e.Base) {
		return ErrInvalidArg
	}
	if e.Segment != nil && e.Segment.Len() < int(e.Len) {
		return ErrInvalidArg
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.valid[index] {
		return ErrInvalidArg
	}
	for _, i := range t.sorted {
		o := &t.entries[i]
		if e.Base < o.Base+uintptr(o.Len) && o.Base < e.Base+uintptr(e.Len) {
			return ErrInvalidArg
		}
	}
	t.entries[index] = e
	t.valid[index] = true
	pos, _ := slices.BinarySearchFunc(t.sorted, e.Base, func(i uint16, base uintptr) int {
		switch {
		case t.entries[i].Base < base:
			return -1
		case t.entries[i].Base > base:
			return 1
		}
		return 0
	})
	t.sorted = slices.Insert(t.sorted, pos, index)
	return nil
}

// Remove unregisters region index.
func (t *Table) Remove(index uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.entries) || !t.valid[index] {
		return ErrNotFound
	}
	t.valid[index] = false
	t.entries[index] = Entry{}
	t.sorted = slices.DeleteFunc(t.sorted, func(i uint16) bool { return i == index })
	return nil
}

// Entry returns the registered entry at index.
func (t *Table) Entry(index uint16) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.entries) || !t.valid[index] {
		return Entry{}, ErrNotFound
	}
	return t.entries[index], nil
}

// Index returns the region containing addr.
func (t *Table) Index(addr uintptr) (uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index(addr)
}

func (t *Table) index(addr uintptr) (uint16, error) {
	// first region whose base is above addr; the candidate precedes it
	n, _ := slices.BinarySearchFunc(t.sorted, addr, func(i uint16, a uintptr) int {
		if t.entries[i].Base <= a {
			return -1
		}
		return 1
	})
	if n == 0 {
		return 0, ErrNotFound
	}
	i := t.sorted[n-1]
	e := &t.entries[i]
	if addr-e.Base >= uintptr(e.Len) {
		return 0, ErrNotFound
	}
	return i, nil
}

// SRPtr converts a local address to a shared region pointer.
func (t *Table) SRPtr(addr uintptr) (SRPtr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, err := t.index(addr)
	if err != nil {
		return InvalidSRPtr, err
	}
	return t.make(i, uint32(addr-t.entries[i].Base)), nil
}

// Make builds the SRPtr for offset within region index.
func (t *Table) Make(index uint16, offset uint32) (SRPtr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.entries) || !t.valid[index] {
		return InvalidSRPtr, ErrNotFound
	}
	if offset >= t.entries[index].Len {
		return InvalidSRPtr, ErrInvalidArg
	}
	return t.make(index, offset), nil
}

func (t *Table) make(index uint16, offset uint32) SRPtr {
	return SRPtr(uint32(index)<<t.offsetBits | offset)
}

// Split returns the region index and offset encoded in p.
func (t *Table) Split(p SRPtr) (uint16, uint32) {
	return uint16(uint32(p) >> t.offsetBits), uint32(p) & (1<<t.offsetBits - 1)
}

// Ptr converts a shared region pointer to a local address.
func (t *Table) Ptr(p SRPtr) (uintptr, error) {
	if p == InvalidSRPtr {
		return 0, ErrInvalidArg
	}
	index, off := t.Split(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.entries) || !t.valid[index] {
		return 0, ErrNotFound
	}
	e := &t.entries[index]
	if off >= e.Len {
		return 0, ErrInvalidArg
	}
	return e.Base + uintptr(off), nil
}

// Resolve returns the backing segment and byte offset of p.
func (t *Table) Resolve(p SRPtr) (*shmem.Segment, uint32, error) {
	if p == InvalidSRPtr {
		return nil, 0, ErrInvalidArg
	}
	index, off := t.Split(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(index) >= len(t.entries) || !t.valid[index] {
		return nil, 0, ErrNotFound
	}
	e := &t.entries[index]
	if off >= e.Len || e.Segment == nil {
		return nil, 0, ErrInvalidArg
	}
	return e.Segment, off, nil
}
