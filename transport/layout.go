// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"code.hybscloud.com/atomix"

	"code.hybscloud.com/ipc/gate"
	"code.hybscloud.com/ipc/shmem"
)

// Block layout, every part on its own cache line:
//
//	gate     [gate.PetersonSize]
//	control  {magic, generation, slots, side0 up, side1 up}
//	ring 0   head | tail | slots   creator to opener
//	ring 1   head | tail | slots   opener to creator
//
// A side's up word holds the generation it joined; zero means absent.
const (
	blockMagic = 0x4d51_5452_414e_5331 // "MQTRANS1"

	offControl = gate.PetersonSize
	offRings   = offControl + shmem.CacheLine

	ctlMagic      = 0
	ctlGeneration = 8
	ctlSlots      = 16
	ctlSide       = 24 // + 8*side

	ringHead  = 0
	ringTail  = shmem.CacheLine
	ringSlots = 2 * shmem.CacheLine

	slotSize = 8
)

// MaxSlots bounds the ring capacity.
const MaxSlots = 1 << 16

func ringSize(slots uint32) uint32 {
	return ringSlots + shmem.Align(slots*slotSize, shmem.CacheLine)
}

// SharedMemReq returns the block size for rings of the given capacity.
func SharedMemReq(slots int) (uint32, error) {
	if slots <= 0 || slots > MaxSlots {
		return 0, ErrInvalidArg
	}
	return offRings + 2*ringSize(uint32(slots)), nil
}

type block struct {
	seg   *shmem.Segment
	off   uint32
	slots uint32
}

func (b block) ctl(field uint32) *atomix.Uint64 {
	return b.seg.Word(b.off + offControl + field)
}

func (b block) loadCtl(field uint32) uint64 {
	b.seg.Invalidate(b.off+offControl, shmem.CacheLine)
	return b.ctl(field).LoadAcquire()
}

func (b block) storeCtl(field uint32, v uint64) {
	b.ctl(field).StoreRelease(v)
	b.seg.Writeback(b.off+offControl, shmem.CacheLine)
}

func (b block) side(s uint32) uint64 { return b.loadCtl(ctlSide + 8*s) }

func (b block) setSide(s uint32, gen uint64) { b.storeCtl(ctlSide+8*s, gen) }

// ring returns ring r; ring 0 is written by the creator.
func (b block) ring(r uint32) ring {
	return ring{seg: b.seg, off: b.off + offRings + r*ringSize(b.slots), slots: b.slots}
}

// ring is a single-producer single-consumer ring of SRPtr slots. Head and
// tail count messages ever produced and consumed. Callers hold the gate.
type ring struct {
	seg   *shmem.Segment
	off   uint32
	slots uint32
}

func (r ring) head() uint64 {
	r.seg.Invalidate(r.off+ringHead, 8)
	return r.seg.Word(r.off + ringHead).LoadAcquire()
}

func (r ring) tail() uint64 {
	r.seg.Invalidate(r.off+ringTail, 8)
	return r.seg.Word(r.off + ringTail).LoadAcquire()
}

func (r ring) slot(n uint64) uint32 {
	return r.off + ringSlots + uint32(n%uint64(r.slots))*slotSize
}

func (r ring) reset() {
	r.seg.Zero(r.off, ringSize(r.slots))
	r.seg.Writeback(r.off, ringSize(r.slots))
}

// push stores v unless the ring is full and returns the new head.
func (r ring) push(v uint64) (uint64, bool) {
	h, t := r.head(), r.tail()
	if h-t >= uint64(r.slots) {
		return h, false
	}
	o := r.slot(h)
	r.seg.Word(o).StoreRelaxed(v)
	r.seg.Writeback(o, slotSize)
	r.seg.Word(r.off + ringHead).StoreRelease(h + 1)
	r.seg.Writeback(r.off+ringHead, 8)
	return h + 1, true
}

// drain appends every produced slot to dst and marks them consumed.
func (r ring) drain(dst []uint64) []uint64 {
	h, t := r.head(), r.tail()
	if h-t > uint64(r.slots) {
		// corrupt indices, drop what cannot be trusted
		h = t + uint64(r.slots)
	}
	for n := t; n < h; n++ {
		o := r.slot(n)
		r.seg.Invalidate(o, slotSize)
		dst = append(dst, r.seg.Word(o).LoadRelaxed())
	}
	r.seg.Word(r.off + ringTail).StoreRelease(h)
	r.seg.Writeback(r.off+ringTail, 8)
	return dst
}

func (r ring) len() int {
	return int(r.head() - r.tail())
}
