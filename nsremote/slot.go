// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nsremote

import (
	"code.hybscloud.com/atomix"

	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

// Message slot layout. Each processor of the pair owns the slot it sends
// requests through; the peer answers in the same slot.
//
//	line 0: control {seq<<8 | state}, status, value length, buffer length,
//	        instance length, name length
//	line 1: instance name [32], entry name [32]
//	line 2: value
const (
	offControl  = 0
	offStatus   = 8
	offValueLen = 16
	offBufLen   = 24
	offInstLen  = 32
	offNameLen  = 40
	offInstance = shmem.CacheLine
	offName     = shmem.CacheLine + MaxNameLen
	offValue    = 2 * shmem.CacheLine
)

// MaxNameLen bounds instance and entry names carried in a request.
const MaxNameLen = 32

const (
	stateIdle uint64 = iota
	stateWriting
	stateRequest
	stateResponse
)

func control(seq, state uint64) uint64 { return seq<<8 | state }

func slotSize(maxValueLen int) uint32 {
	return shmem.Align(offValue+uint32(maxValueLen), shmem.CacheLine)
}

// SharedMemReq is the scratch block size for one processor pair.
func SharedMemReq(maxValueLen int) uint32 {
	return 2 * slotSize(maxValueLen)
}

type slot struct {
	seg *shmem.Segment
	off uint32
	max int
}

func (s slot) word(o uint32) *atomix.Uint64 { return s.seg.Word(s.off + o) }

func (s slot) control() uint64 {
	s.seg.Invalidate(s.off, shmem.CacheLine)
	return s.word(offControl).LoadAcquire()
}

// rebind clears the slot for a new binding and returns the last sequence
// number it carried. Numbering continues from there so a reply meant for
// an earlier binding never matches a new request.
func (s slot) rebind() uint64 {
	seq := s.control() >> 8
	s.seg.Zero(s.off, slotSize(s.max))
	s.word(offControl).StoreRelease(control(seq, stateIdle))
	s.seg.Writeback(s.off, shmem.CacheLine)
	return seq
}

type request struct {
	instance string
	name     string
	bufLen   int
}

type reply struct {
	code  status.Code
	value []byte
}

// postRequest publishes req under seq.
func (s slot) postRequest(seq uint64, req request) {
	s.word(offControl).StoreRelease(control(seq, stateWriting))
	inst := s.seg.Bytes(s.off+offInstance, MaxNameLen)
	name := s.seg.Bytes(s.off+offName, MaxNameLen)
	clear(inst)
	clear(name)
	copy(inst, req.instance)
	copy(name, req.name)
	s.word(offInstLen).StoreRelaxed(uint64(len(req.instance)))
	s.word(offNameLen).StoreRelaxed(uint64(len(req.name)))
	s.word(offBufLen).StoreRelaxed(uint64(req.bufLen))
	s.seg.Writeback(s.off+offInstance, 2*MaxNameLen)
	s.word(offControl).StoreRelease(control(seq, stateRequest))
	s.seg.Writeback(s.off, shmem.CacheLine)
}

// readRequest copies the pending request. ok is false when no request is
// pending or the requester rewrote the slot while it was read.
func (s slot) readRequest() (seq uint64, req request, ok bool) {
	c := s.control()
	if c&0xff != stateRequest {
		return 0, request{}, false
	}
	s.seg.Invalidate(s.off+offInstance, 2*MaxNameLen)
	il := min(s.word(offInstLen).LoadRelaxed(), MaxNameLen)
	nl := min(s.word(offNameLen).LoadRelaxed(), MaxNameLen)
	req = request{
		instance: string(s.seg.Bytes(s.off+offInstance, uint32(il))),
		name:     string(s.seg.Bytes(s.off+offName, uint32(nl))),
		bufLen:   int(min(s.word(offBufLen).LoadRelaxed(), uint64(s.max))),
	}
	if s.control() != c {
		return 0, request{}, false
	}
	return c >> 8, req, true
}

// postReply answers request seq. It reports false when the requester
// abandoned that request meanwhile.
func (s slot) postReply(seq uint64, r reply) bool {
	n := copy(s.seg.Bytes(s.off+offValue, uint32(s.max)), r.value)
	s.word(offStatus).StoreRelaxed(uint64(r.code))
	s.word(offValueLen).StoreRelaxed(uint64(n))
	s.seg.Writeback(s.off+offValue, uint32(n))
	ok := s.word(offControl).CompareAndSwapAcqRel(control(seq, stateRequest), control(seq, stateResponse))
	s.seg.Writeback(s.off, shmem.CacheLine)
	return ok
}

// takeReply consumes the answer to seq if it arrived.
func (s slot) takeReply(seq uint64) (reply, bool) {
	if s.control() != control(seq, stateResponse) {
		return reply{}, false
	}
	n := min(int(s.word(offValueLen).LoadRelaxed()), s.max)
	s.seg.Invalidate(s.off+offValue, uint32(n))
	r := reply{
		code:  status.Code(s.word(offStatus).LoadRelaxed()),
		value: append([]byte(nil), s.seg.Bytes(s.off+offValue, uint32(n))...),
	}
	s.word(offControl).StoreRelease(control(seq, stateIdle))
	s.seg.Writeback(s.off, shmem.CacheLine)
	return r, true
}
