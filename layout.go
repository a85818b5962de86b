// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"code.hybscloud.com/ipc/heapbuf"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/nsremote"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/transport"
)

// PairBlock gives the offsets in region 0 of the structures one processor
// pair shares.
type PairBlock struct {
	Notify     uint32
	Transport  uint32
	NameServer uint32
}

// Layout is the fixed address map of region 0: one block per processor
// pair, pairs (i, j) with i < j in ascending order, each part aligned to
// a cache line.
//
//	pair block: [notify driver][transport gate and rings][nameserver scratch]
type Layout struct {
	n         int
	notify    uint32
	transport uint32
	scratch   uint32
}

func line(n uint32) uint32 { return shmem.Align(n, shmem.CacheLine) }

func heapReq(h HeapConfig) uint32 { return heapbuf.SharedMemReq(h.BlockSize, h.NumBlocks) }

// NewLayout computes the map for c. c must carry valid tunables.
func NewLayout(c *Config) Layout {
	tr, _ := transport.SharedMemReq(c.Transport.Slots)
	return Layout{
		n:         len(c.Processors),
		notify:    line(notify.DriverSize(c.Notify.NumEvents)),
		transport: line(tr),
		scratch:   line(nsremote.SharedMemReq(c.NameServer.MaxValueLen)),
	}
}

// PairSize is the size of one pair block.
func (l Layout) PairSize() uint32 { return l.notify + l.transport + l.scratch }

// Pairs is the number of processor pairs.
func (l Layout) Pairs() int { return l.n * (l.n - 1) / 2 }

// Size is the number of bytes region 0 reserves for pair blocks.
func (l Layout) Size() uint32 { return uint32(l.Pairs()) * l.PairSize() }

// Pair returns the block shared by a and b, in either order.
func (l Layout) Pair(a, b multiproc.ID) (PairBlock, bool) {
	if a == b || int(a) >= l.n || int(b) >= l.n {
		return PairBlock{}, false
	}
	i, j := int(min(a, b)), int(max(a, b))
	index := i*l.n - i*(i+1)/2 + (j - i - 1)
	base := uint32(index) * l.PairSize()
	return PairBlock{
		Notify:     base,
		Transport:  base + l.notify,
		NameServer: base + l.notify + l.transport,
	}, true
}
