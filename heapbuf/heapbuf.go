// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package heapbuf is a fixed-size block heap in shared memory.
//
// A heap is created by one processor and opened by name by any number of
// others. All of them allocate and free blocks, addressed by SRPtr so they
// stay valid in every address space. The free list lives in the blocks
// themselves; a bitmap marks allocated blocks. Both are guarded by a
// shared spinlock at the start of the heap:
//
//	[gate][header][allocation bitmap][block 0][block 1]...
//
// Heaps are registered in the NameServer instance [InstanceName] under
// their name, with the SRPtr of the heap as value.
package heapbuf

import (
	"context"
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/gate"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

// InstanceName is the NameServer instance heaps are registered in.
const InstanceName = "HeapBufMP"

var (
	ErrInvalidArg   = status.New("heapbuf", status.InvalidArg)
	ErrNotFound     = status.New("heapbuf", status.NotFound)
	ErrMemory       = status.New("heapbuf", status.Memory)
	ErrInvalidState = status.New("heapbuf", status.InvalidState)
)

const (
	heapMagic = 0x4845_4150_4255_4631 // "HEAPBUF1"

	offHeader = gate.SharedSpinlockSize
	offBitmap = offHeader + shmem.CacheLine

	hdrMagic     = 0
	hdrBlockSize = 8
	hdrNumBlocks = 16
	hdrFreeHead  = 24
	hdrNumFree   = 32
	hdrMinFree   = 40
	hdrID        = 48
)

func bitmapLen(numBlocks uint32) uint32 {
	return shmem.Align((numBlocks+63)/64*8, shmem.CacheLine)
}

func blocksOff(numBlocks uint32) uint32 { return offBitmap + bitmapLen(numBlocks) }

// SharedMemReq returns the shared memory a heap needs. Block sizes are
// rounded up to a multiple of 8.
func SharedMemReq(blockSize, numBlocks uint32) uint32 {
	return blocksOff(numBlocks) + shmem.Align(blockSize, 8)*numBlocks
}

// Params configures a heap.
type Params struct {
	Name string
	// ID tags messages allocated from this heap.
	ID uint16
	// Region holds the heap at Offset; it must have a backing segment.
	Regions *sharedregion.Table
	Region  uint16
	Offset  uint32

	BlockSize uint32
	NumBlocks uint32

	Proc     multiproc.ID
	Logger   *zap.Logger
	Registry *nameserver.Instance
	// SpinWarn logs when the heap's gate is contended this long.
	SpinWarn time.Duration
}

// Stats describes heap occupancy.
type Stats struct {
	BlockSize uint32
	NumBlocks uint32
	NumFree   uint32
	// MinFree is the lowest NumFree ever observed.
	MinFree uint32
}

// Heap is one processor's handle on a shared block heap.
type Heap struct {
	name      string
	id        uint16
	regions   *sharedregion.Table
	region    uint16
	seg       *shmem.Segment
	off       uint32
	blockSize uint32
	numBlocks uint32
	blocks    uint32
	g         *gate.SharedSpinlock
	entry     *nameserver.Entry
	registry  *nameserver.Instance
	log       *zap.Logger
}

func resolveRegion(p Params) (*shmem.Segment, error) {
	if p.Regions == nil || p.Offset%shmem.CacheLine != 0 {
		return nil, ErrInvalidArg
	}
	e, err := p.Regions.Entry(p.Region)
	if err != nil || e.Segment == nil {
		return nil, ErrInvalidArg
	}
	return e.Segment, nil
}

// Create lays out a heap and registers it by name when Registry is set.
func Create(p Params) (*Heap, error) {
	seg, err := resolveRegion(p)
	if err != nil {
		return nil, err
	}
	if p.Name == "" || p.BlockSize == 0 || p.NumBlocks == 0 {
		return nil, ErrInvalidArg
	}
	bs := shmem.Align(p.BlockSize, 8)
	if !seg.Contains(p.Offset, SharedMemReq(bs, p.NumBlocks)) {
		return nil, ErrInvalidArg
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	g, err := gate.CreateSharedSpinlock(seg, p.Offset, gate.SharedParams{
		Proc: p.Proc, Name: "heap:" + p.Name, SpinWarn: p.SpinWarn, Logger: p.Logger,
	})
	if err != nil {
		return nil, err
	}
	h := &Heap{
		name: p.Name, id: p.ID,
		regions: p.Regions, region: p.Region,
		seg: seg, off: p.Offset,
		blockSize: bs, numBlocks: p.NumBlocks, blocks: blocksOff(p.NumBlocks),
		g: g, registry: p.Registry, log: p.Logger,
	}
	seg.Zero(p.Offset+offBitmap, bitmapLen(p.NumBlocks))
	// free list threads every block in address order; links are index+1
	for i := uint32(0); i < p.NumBlocks; i++ {
		next := uint64(i + 2)
		if i == p.NumBlocks-1 {
			next = 0
		}
		h.seg.Word(h.blockOff(i)).StoreRelaxed(next)
	}
	h.hdr(hdrBlockSize).StoreRelaxed(uint64(bs))
	h.hdr(hdrNumBlocks).StoreRelaxed(uint64(p.NumBlocks))
	h.hdr(hdrFreeHead).StoreRelaxed(1)
	h.hdr(hdrNumFree).StoreRelaxed(uint64(p.NumBlocks))
	h.hdr(hdrMinFree).StoreRelaxed(uint64(p.NumBlocks))
	h.hdr(hdrID).StoreRelaxed(uint64(p.ID))
	h.hdr(hdrMagic).StoreRelease(heapMagic)
	seg.Writeback(p.Offset+offHeader, SharedMemReq(bs, p.NumBlocks)-offHeader)

	if p.Registry != nil {
		ptr, err := p.Regions.Make(p.Region, p.Offset)
		if err == nil {
			h.entry, err = p.Registry.AddUInt32(p.Name, uint32(ptr))
		}
		if err != nil {
			_ = g.Delete()
			return nil, err
		}
	}
	h.log.Debug("heap created", zap.String("heap", p.Name),
		zap.Uint32("blockSize", bs), zap.Uint32("numBlocks", p.NumBlocks))
	return h, nil
}

// OpenParams locates a heap created by another processor.
type OpenParams struct {
	Name     string
	Regions  *sharedregion.Table
	Registry *nameserver.Instance
	// ProcIDs lists where to look the name up; nil asks everyone.
	ProcIDs  []multiproc.ID
	Proc     multiproc.ID
	SpinWarn time.Duration
	Logger   *zap.Logger
}

// Open finds a heap by name and joins it.
func Open(ctx context.Context, p OpenParams) (*Heap, error) {
	if p.Regions == nil || p.Registry == nil || p.Name == "" {
		return nil, ErrInvalidArg
	}
	v, err := p.Registry.GetUInt32(ctx, p.Name, p.ProcIDs)
	if err != nil {
		return nil, err
	}
	ptr := sharedregion.SRPtr(v)
	seg, off, err := p.Regions.Resolve(ptr)
	if err != nil {
		return nil, err
	}
	region, _ := p.Regions.Split(ptr)
	return OpenAt(Params{
		Name: p.Name, Regions: p.Regions, Region: region, Offset: off,
		Proc: p.Proc, SpinWarn: p.SpinWarn, Logger: p.Logger,
	}, seg)
}

// OpenAt joins the heap at p.Region and p.Offset. seg may be nil to look
// the segment up in p.Regions.
func OpenAt(p Params, seg *shmem.Segment) (*Heap, error) {
	if seg == nil {
		var err error
		if seg, err = resolveRegion(p); err != nil {
			return nil, err
		}
	}
	if !seg.Contains(p.Offset, offBitmap) {
		return nil, ErrInvalidArg
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	seg.Invalidate(p.Offset+offHeader, shmem.CacheLine)
	if seg.Word(p.Offset+offHeader+hdrMagic).LoadAcquire() != heapMagic {
		return nil, ErrNotFound
	}
	g, err := gate.OpenSharedSpinlock(seg, p.Offset, gate.SharedParams{
		Proc: p.Proc, Name: "heap:" + p.Name, SpinWarn: p.SpinWarn, Logger: p.Logger,
	})
	if err != nil {
		return nil, err
	}
	h := &Heap{
		name: p.Name, regions: p.Regions, region: p.Region,
		seg: seg, off: p.Offset, g: g, log: p.Logger,
	}
	h.blockSize = uint32(h.hdr(hdrBlockSize).LoadRelaxed())
	h.numBlocks = uint32(h.hdr(hdrNumBlocks).LoadRelaxed())
	h.id = uint16(h.hdr(hdrID).LoadRelaxed())
	h.blocks = blocksOff(h.numBlocks)
	if !seg.Contains(p.Offset, SharedMemReq(h.blockSize, h.numBlocks)) {
		_ = g.Close()
		return nil, ErrInvalidState
	}
	return h, nil
}

func (h *Heap) hdr(field uint32) *atomix.Uint64 {
	return h.seg.Word(h.off + offHeader + field)
}

func (h *Heap) blockOff(i uint32) uint32 {
	return h.off + h.blocks + i*h.blockSize
}

// mark flips the allocation bit of block i and reports its previous value.
// The caller holds the gate.
func (h *Heap) mark(i uint32, allocated bool) bool {
	off := h.off + offBitmap + i/64*8
	bit := uint64(1) << (i % 64)
	h.seg.Invalidate(off, 8)
	w := h.seg.Word(off)
	old := w.LoadRelaxed()
	if allocated {
		w.StoreRelaxed(old | bit)
	} else {
		w.StoreRelaxed(old &^ bit)
	}
	h.seg.Writeback(off, 8)
	return old&bit != 0
}

// Name returns the heap name.
func (h *Heap) Name() string { return h.name }

// ID returns the heap id carried in message headers.
func (h *Heap) ID() uint16 { return h.id }

// BlockSize returns the usable size of every block.
func (h *Heap) BlockSize() uint32 { return h.blockSize }

// Alloc takes one block of at least size bytes.
func (h *Heap) Alloc(size uint32) (sharedregion.SRPtr, error) {
	if size == 0 || size > h.blockSize {
		return sharedregion.InvalidSRPtr, ErrInvalidArg
	}
	k := h.g.Enter()
	h.seg.Invalidate(h.off+offHeader, shmem.CacheLine)
	head := uint32(h.hdr(hdrFreeHead).LoadRelaxed())
	if head == 0 {
		h.g.Leave(k)
		return sharedregion.InvalidSRPtr, ErrMemory
	}
	i := head - 1
	h.seg.Invalidate(h.blockOff(i), 8)
	h.hdr(hdrFreeHead).StoreRelaxed(h.seg.Word(h.blockOff(i)).LoadRelaxed())
	h.mark(i, true)
	free := h.hdr(hdrNumFree).LoadRelaxed() - 1
	h.hdr(hdrNumFree).StoreRelaxed(free)
	if free < h.hdr(hdrMinFree).LoadRelaxed() {
		h.hdr(hdrMinFree).StoreRelaxed(free)
	}
	h.seg.Writeback(h.off+offHeader, shmem.CacheLine)
	h.g.Leave(k)
	return h.regions.Make(h.region, h.blockOff(i))
}

// Free returns the block at p to the heap. Freeing a block that is not
// allocated fails with ErrInvalidState.
func (h *Heap) Free(p sharedregion.SRPtr) error {
	i, err := h.blockIndex(p)
	if err != nil {
		return err
	}
	k := h.g.Enter()
	defer h.g.Leave(k)
	h.seg.Invalidate(h.off+offHeader, shmem.CacheLine)
	if !h.mark(i, false) {
		return ErrInvalidState
	}
	h.seg.Word(h.blockOff(i)).StoreRelaxed(h.hdr(hdrFreeHead).LoadRelaxed())
	h.seg.Writeback(h.blockOff(i), 8)
	h.hdr(hdrFreeHead).StoreRelaxed(uint64(i + 1))
	h.hdr(hdrNumFree).StoreRelaxed(h.hdr(hdrNumFree).LoadRelaxed() + 1)
	h.seg.Writeback(h.off+offHeader, shmem.CacheLine)
	return nil
}

// Contains reports whether p addresses a block of this heap.
func (h *Heap) Contains(p sharedregion.SRPtr) bool {
	_, err := h.blockIndex(p)
	return err == nil
}

func (h *Heap) blockIndex(p sharedregion.SRPtr) (uint32, error) {
	seg, off, err := h.regions.Resolve(p)
	if err != nil || seg != h.seg || off < h.off+h.blocks {
		return 0, ErrInvalidArg
	}
	rel := off - h.off - h.blocks
	if rel%h.blockSize != 0 || rel/h.blockSize >= h.numBlocks {
		return 0, ErrInvalidArg
	}
	return rel / h.blockSize, nil
}

// Stats reports occupancy.
func (h *Heap) Stats() Stats {
	k := h.g.Enter()
	defer h.g.Leave(k)
	h.seg.Invalidate(h.off+offHeader, shmem.CacheLine)
	return Stats{
		BlockSize: h.blockSize,
		NumBlocks: h.numBlocks,
		NumFree:   uint32(h.hdr(hdrNumFree).LoadRelaxed()),
		MinFree:   uint32(h.hdr(hdrMinFree).LoadRelaxed()),
	}
}

// Close detaches from the heap. The creator also unregisters the name and
// invalidates the heap.
func (h *Heap) Close() error {
	if !h.g.Creator() {
		return h.g.Close()
	}
	if h.entry != nil {
		if err := h.registry.RemoveEntry(h.entry); err != nil {
			h.log.Warn("heap name not removed", zap.String("heap", h.name), zap.Error(err))
		}
		h.entry = nil
	}
	h.hdr(hdrMagic).StoreRelease(0)
	h.seg.Writeback(h.off+offHeader, shmem.CacheLine)
	return h.g.Delete()
}
