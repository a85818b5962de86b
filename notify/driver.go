// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notify

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/ipc/shmem"
)

// Shared driver block for one processor pair. The lower processor owns
// half 0, the higher half 1. A half describes its owner as a receiver:
//
//	line 0:   up, registered mask, enabled mask
//	line 1+e: event e {flag, payload}
//
// Senders set flags in the receiver's half; the receiver clears them.
const (
	fieldUp         = 0
	fieldRegistered = 8
	fieldEnabled    = 16

	eventFlag    = 0
	eventPayload = 8
)

// DriverSize is the shared block size for a pair with numEvents events.
func DriverSize(numEvents int) uint32 {
	return 2 * halfSize(numEvents)
}

func halfSize(numEvents int) uint32 {
	return uint32(1+numEvents) * shmem.CacheLine
}

// half is one processor's side of a driver block.
type half struct {
	seg *shmem.Segment
	off uint32
}

func (h half) word(o uint32) *atomix.Uint64 { return h.seg.Word(h.off + o) }

func (h half) eventOff(ev EventNo) uint32 {
	return h.off + uint32(1+ev)*shmem.CacheLine
}

func (h half) up() bool {
	h.seg.Invalidate(h.off, shmem.CacheLine)
	return h.word(fieldUp).LoadAcquire() == 1
}

func (h half) registered(ev EventNo) bool {
	return h.word(fieldRegistered).LoadAcquire()&(1<<ev) != 0
}

func (h half) enabled(ev EventNo) bool {
	return h.word(fieldEnabled).LoadAcquire()&(1<<ev) != 0
}

// setBit updates a mask word owned by this half's processor.
func (h half) setBit(field uint32, ev EventNo, on bool) {
	w := h.word(field)
	v := w.LoadRelaxed()
	if on {
		v |= 1 << ev
	} else {
		v &^= 1 << ev
	}
	w.StoreRelease(v)
	h.seg.Writeback(h.off, shmem.CacheLine)
}

func (h half) reset(numEvents int) {
	h.seg.Zero(h.off, halfSize(numEvents))
}

func (h half) setUp(up bool) {
	var v uint64
	if up {
		v = 1
	}
	h.word(fieldUp).StoreRelease(v)
	h.seg.Writeback(h.off, shmem.CacheLine)
}

// post writes payload and raises ev's flag. With waitClear it first spins
// until the receiver consumed the previous event; it gives up returning
// false when the receiver goes down meanwhile.
func (h half) post(ev EventNo, payload uint32, waitClear bool) bool {
	off := h.eventOff(ev)
	flag := h.seg.Word(off + eventFlag)
	if waitClear {
		sw := spin.Wait{}
		for {
			h.seg.Invalidate(off, 16)
			if flag.LoadAcquire() == 0 {
				break
			}
			if !h.up() {
				return false
			}
			sw.Once()
		}
	}
	h.seg.Word(off + eventPayload).StoreRelaxed(uint64(payload))
	flag.StoreRelease(1)
	h.seg.Writeback(off, 16)
	return true
}

// take consumes ev if pending.
func (h half) take(ev EventNo) (uint32, bool) {
	off := h.eventOff(ev)
	h.seg.Invalidate(off, 16)
	flag := h.seg.Word(off + eventFlag)
	if flag.LoadAcquire() == 0 {
		return 0, false
	}
	payload := uint32(h.seg.Word(off + eventPayload).LoadRelaxed())
	if !flag.CompareAndSwapAcqRel(1, 0) {
		return 0, false
	}
	h.seg.Writeback(off, 16)
	return payload, true
}
