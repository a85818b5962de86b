// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gate

import (
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/shmem"
)

const (
	petersonMagic   = 0x5045_5445_5253_4f4e // "PETERSON"
	petersonVersion = 1

	hdrMagic   = 0
	hdrVersion = 8
	hdrCreator = 16
	hdrOpener  = 24

	offFlag0 = shmem.CacheLine
	offFlag1 = 2 * shmem.CacheLine
	offTurn  = 3 * shmem.CacheLine
)

// PetersonSize is the shared memory footprint of one Peterson gate.
const PetersonSize = 4 * shmem.CacheLine

// Peterson is a two-party gate in shared memory. The creator contends
// through flag 0, the single opener through flag 1.
type Peterson struct {
	seg     *shmem.Segment
	off     uint32
	me      uint64
	proc    uint64
	creator bool
	local   Gate
	lkey    Key
	n       nesting
	name    string
	warn    time.Duration
	log     *zap.Logger
}

func checkBlock(seg *shmem.Segment, off, size uint32) error {
	if seg == nil || off%shmem.CacheLine != 0 || !seg.Contains(off, size) {
		return ErrInvalidArg
	}
	return nil
}

// CreatePeterson initialises a gate at off and joins it as the creator.
// Any previous contents of the block are overwritten.
func CreatePeterson(seg *shmem.Segment, off uint32, params SharedParams) (*Peterson, error) {
	if err := checkBlock(seg, off, PetersonSize); err != nil {
		return nil, err
	}
	params = params.withDefaults()
	seg.Word(off + hdrMagic).StoreRelaxed(0)
	seg.Writeback(off, shmem.CacheLine)
	for _, o := range []uint32{offFlag0, offFlag1, offTurn} {
		seg.Word(off + o).StoreRelaxed(0)
		seg.Writeback(off+o, 8)
	}
	seg.Word(off + hdrVersion).StoreRelaxed(petersonVersion)
	seg.Word(off + hdrCreator).StoreRelaxed(uint64(params.Proc))
	seg.Word(off + hdrOpener).StoreRelaxed(0)
	seg.Word(off + hdrMagic).StoreRelease(petersonMagic)
	seg.Writeback(off, shmem.CacheLine)

	params.Logger.Debug("peterson gate created",
		zap.String("gate", params.Name), zap.Uint32("offset", off))
	return newPeterson(seg, off, 0, params), nil
}

// OpenPeterson joins an initialised gate at off as the opener. A gate has
// one opener at a time; a second fails with ErrAlreadyExists until the
// first closes.
func OpenPeterson(seg *shmem.Segment, off uint32, params SharedParams) (*Peterson, error) {
	if err := checkBlock(seg, off, PetersonSize); err != nil {
		return nil, err
	}
	params = params.withDefaults()
	seg.Invalidate(off, shmem.CacheLine)
	if seg.Word(off+hdrMagic).LoadAcquire() != petersonMagic {
		return nil, ErrNotFound
	}
	if seg.Word(off+hdrVersion).LoadRelaxed() != petersonVersion {
		return nil, ErrInvalidState
	}
	if !seg.Word(off+hdrOpener).CompareAndSwapAcqRel(0, uint64(params.Proc)+1) {
		return nil, ErrAlreadyExists
	}
	seg.Writeback(off, shmem.CacheLine)

	params.Logger.Debug("peterson gate opened",
		zap.String("gate", params.Name), zap.Uint32("offset", off))
	return newPeterson(seg, off, 1, params), nil
}

func newPeterson(seg *shmem.Segment, off uint32, me uint64, params SharedParams) *Peterson {
	return &Peterson{
		seg:     seg,
		off:     off,
		me:      me,
		proc:    uint64(params.Proc) + 1,
		creator: me == 0,
		local:   params.Local,
		name:    params.Name,
		warn:    params.SpinWarn,
		log:     params.Logger,
	}
}

func (g *Peterson) flagOff(i uint64) uint32 {
	if i == 0 {
		return g.off + offFlag0
	}
	return g.off + offFlag1
}

func (g *Peterson) word(o uint32) *atomix.Uint64 { return g.seg.Word(o) }

// Enter acquires the local gate and then the shared protocol.
func (g *Peterson) Enter() Key {
	lkey := g.local.Enter()
	other := 1 - g.me
	mine, theirs, turn := g.flagOff(g.me), g.flagOff(other), g.off+offTurn

	g.word(mine).StoreRelaxed(1)
	g.seg.Writeback(mine, 8)
	t := g.word(turn)
	for {
		old := t.LoadRelaxed()
		if t.CompareAndSwapAcqRel(old, other) {
			break
		}
	}
	g.seg.Writeback(turn, 8)

	sp := spinner{name: g.name, warn: g.warn, log: g.log}
	for {
		g.seg.Invalidate(theirs, 8)
		g.seg.Invalidate(turn, 8)
		if g.word(theirs).LoadAcquire() != 1 || t.LoadRelaxed() != other {
			break
		}
		sp.once()
	}
	g.lkey = lkey
	return g.n.first()
}

func (g *Peterson) Reenter(k Key) Key { return g.n.reenter(k) }

// Leave releases the shared protocol and then the local gate once the
// outermost key is left.
func (g *Peterson) Leave(k Key) {
	if !g.n.leave(k) {
		return
	}
	mine := g.flagOff(g.me)
	lkey := g.lkey
	g.word(mine).StoreRelease(0)
	g.seg.Writeback(mine, 8)
	g.local.Leave(lkey)
}

func (*Peterson) Kind() Kind { return KindPeterson }

// Creator reports whether this side initialised the gate.
func (g *Peterson) Creator() bool { return g.creator }

// Offset returns the gate's offset in its segment.
func (g *Peterson) Offset() uint32 { return g.off }

// Close detaches the opener from the header. The shared block stays valid.
func (g *Peterson) Close() error {
	if !g.creator {
		g.word(g.off+hdrOpener).CompareAndSwapAcqRel(g.proc, 0)
		g.seg.Writeback(g.off, shmem.CacheLine)
	}
	return nil
}

// Delete invalidates the shared block. Only the creator may delete.
func (g *Peterson) Delete() error {
	if !g.creator {
		return ErrInvalidState
	}
	g.word(g.off + hdrMagic).StoreRelease(0)
	g.seg.Writeback(g.off, shmem.CacheLine)
	return nil
}
