// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package messageq

import (
	"encoding/binary"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/transport"
)

// HeaderSize is the size of the message header every message starts with.
const HeaderSize = transport.HeaderSize

// Header layout, little endian.
const (
	hdrSize       = 0  // uint32, header included
	hdrFlags      = 4  // uint16
	hdrMsgID      = 6  // uint16
	hdrDstQueue   = 8  // uint32
	hdrReplyQueue = 12 // uint32
	hdrSrcQueue   = 16 // uint32
	hdrHeapID     = 20 // uint16
	hdrSeqNum     = 22 // uint16
)

// QueueID addresses a queue: processor id in the high half, local queue
// index in the low half.
type QueueID uint32

// InvalidQueueID addresses no queue.
const InvalidQueueID QueueID = 0xFFFFFFFF

// MakeQueueID builds the id of queue index on proc.
func MakeQueueID(proc multiproc.ID, index uint16) QueueID {
	return QueueID(uint32(proc)<<16 | uint32(index))
}

// Proc returns the processor owning the queue.
func (q QueueID) Proc() multiproc.ID { return multiproc.ID(q >> 16) }

// Index returns the queue index on its processor.
func (q QueueID) Index() uint16 { return uint16(q) }

// Msg is a message resident in a shared heap block.
type Msg struct {
	ptr sharedregion.SRPtr
	seg *shmem.Segment
	off uint32
}

func (m *Msg) u16(o uint32) uint16 {
	return binary.LittleEndian.Uint16(m.seg.Bytes(m.off+o, 2))
}

func (m *Msg) u32(o uint32) uint32 {
	return binary.LittleEndian.Uint32(m.seg.Bytes(m.off+o, 4))
}

func (m *Msg) putU16(o uint32, v uint16) {
	binary.LittleEndian.PutUint16(m.seg.Bytes(m.off+o, 2), v)
}

func (m *Msg) putU32(o uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.seg.Bytes(m.off+o, 4), v)
}

func (m *Msg) init(size uint32, heapID uint16) {
	clear(m.seg.Bytes(m.off, HeaderSize))
	m.putU32(hdrSize, size)
	m.putU32(hdrDstQueue, uint32(InvalidQueueID))
	m.putU32(hdrReplyQueue, uint32(InvalidQueueID))
	m.putU32(hdrSrcQueue, uint32(InvalidQueueID))
	m.putU16(hdrHeapID, heapID)
}

// SRPtr returns the message's shared region pointer.
func (m *Msg) SRPtr() sharedregion.SRPtr { return m.ptr }

// Size returns the message size, header included.
func (m *Msg) Size() uint32 { return m.u32(hdrSize) }

// Header accessors. Setters only touch local cache; Put writes the
// message back before it is sent.

func (m *Msg) Flags() uint16 { return m.u16(hdrFlags) }
func (m *Msg) SetFlags(f uint16) { m.putU16(hdrFlags, f) }
func (m *Msg) MsgID() uint16 { return m.u16(hdrMsgID) }
func (m *Msg) SetMsgID(id uint16) { m.putU16(hdrMsgID, id) }
func (m *Msg) DstQueue() QueueID { return QueueID(m.u32(hdrDstQueue)) }
func (m *Msg) SrcQueue() QueueID { return QueueID(m.u32(hdrSrcQueue)) }
func (m *Msg) ReplyQueue() QueueID { return QueueID(m.u32(hdrReplyQueue)) }
func (m *Msg) SetReplyQueue(q QueueID) { m.putU32(hdrReplyQueue, uint32(q)) }
func (m *Msg) SetSrcQueue(q QueueID) { m.putU32(hdrSrcQueue, uint32(q)) }
func (m *Msg) HeapID() uint16 { return m.u16(hdrHeapID) }
func (m *Msg) SeqNum() uint16 { return m.u16(hdrSeqNum) }

// Payload returns the bytes after the header. They alias shared memory.
func (m *Msg) Payload() []byte {
	size := m.Size()
	if size <= HeaderSize {
		return nil
	}
	return m.seg.Bytes(m.off+HeaderSize, size-HeaderSize)
}

func (m *Msg) writeback() { m.seg.Writeback(m.off, m.Size()) }

func (m *Msg) invalidate() {
	m.seg.Invalidate(m.off, HeaderSize)
	if size := m.Size(); size > HeaderSize {
		m.seg.Invalidate(m.off+HeaderSize, size-HeaderSize)
	}
}
