// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmem provides the shared memory segments the IPC structures live in.
//
// A [Segment] is a contiguous byte range visible to every participating
// processor. Structures inside a segment are addressed by byte offset, never
// by pointer, so that the same layout is valid in every address space.
// Shared words are accessed through [Segment.Word], which returns an atomix
// word with explicit memory ordering.
package shmem

import (
	"unsafe"

	"code.hybscloud.com/atomix"

	"code.hybscloud.com/ipc/status"
)

// CacheLine is the padding unit for shared structures. Fields written by
// different processors never share a cache line.
const CacheLine = 128

var (
	ErrInvalidArg   = status.New("shmem", status.InvalidArg)
	ErrNotSupported = status.New("shmem", status.NotSupported)
)

// Cache is the cache maintenance hook for non-coherent platforms.
// Writeback flushes local writes of [off, off+n) to memory; Invalidate
// discards stale local copies before reading.
type Cache interface {
	Writeback(off, n uint32)
	Invalidate(off, n uint32)
}

type nopCache struct{}

func (nopCache) Writeback(uint32, uint32)  {}
func (nopCache) Invalidate(uint32, uint32) {}

// Segment is a block of shared memory.
type Segment struct {
	buf   []byte
	cache Cache
	unmap func() error
}

// Align rounds n up to a multiple of a, a power of two.
func Align(n, a uint32) uint32 {
	return (n + a - 1) &^ (a - 1)
}

// New allocates a process-local segment of size bytes aligned to CacheLine.
// It models on-chip memory in tests and single-process deployments.
func New(size int) *Segment {
	if size <= 0 {
		panic("shmem: size must be > 0")
	}
	raw := make([]byte, size+CacheLine)
	pad := int(Align(uint32(uintptr(unsafe.Pointer(&raw[0]))), CacheLine) - uint32(uintptr(unsafe.Pointer(&raw[0]))))
	return &Segment{buf: raw[pad : pad+size : pad+size], cache: nopCache{}}
}

// SetCache installs cache maintenance hooks; nil restores the no-op default.
func (s *Segment) SetCache(c Cache) {
	if c == nil {
		c = nopCache{}
	}
	s.cache = c
}

// Len returns the segment size in bytes.
func (s *Segment) Len() int { return len(s.buf) }

// Addr returns the local address of the first byte.
func (s *Segment) Addr() uintptr {
	return uintptr(unsafe.Pointer(&s.buf[0]))
}

// Bytes returns the n bytes at off.
func (s *Segment) Bytes(off, n uint32) []byte {
	end := uint64(off) + uint64(n)
	if end > uint64(len(s.buf)) {
		panic("shmem: range out of segment")
	}
	return s.buf[off:end:end]
}

// Word returns the 8-byte shared word at off.
func (s *Segment) Word(off uint32) *atomix.Uint64 {
	if off&7 != 0 || uint64(off)+8 > uint64(len(s.buf)) {
		panic("shmem: misaligned or out of range word")
	}
	return (*atomix.Uint64)(unsafe.Pointer(&s.buf[off]))
}

// Contains reports whether [off, off+n) lies within the segment.
func (s *Segment) Contains(off, n uint32) bool {
	return uint64(off)+uint64(n) <= uint64(len(s.buf))
}

// Writeback flushes [off, off+n) through the installed cache hook.
func (s *Segment) Writeback(off, n uint32) { s.cache.Writeback(off, n) }

// Invalidate refreshes [off, off+n) through the installed cache hook.
func (s *Segment) Invalidate(off, n uint32) { s.cache.Invalidate(off, n) }

// Zero clears [off, off+n).
func (s *Segment) Zero(off, n uint32) {
	clear(s.Bytes(off, n))
	s.cache.Writeback(off, n)
}

// Close releases a mapped segment. Heap segments are left to the GC.
func (s *Segment) Close() error {
	if s.unmap == nil {
		return nil
	}
	f := s.unmap
	s.unmap = nil
	return f()
}
