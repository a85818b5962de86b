// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gate

import (
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/joeycumines/go-catrate"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/shmem"
)

// spinCheck is the number of spins between clock reads while waiting.
const spinCheck = 1 << 10

var spinWarnings = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
})

// SharedParams configures a gate living in shared memory.
type SharedParams struct {
	// Local serialises threads of this processor before the shared
	// protocol. Peterson only; defaults to a Mutex.
	Local Gate
	// Proc is the local processor, recorded in the header.
	Proc multiproc.ID
	// Name identifies the gate in log output.
	Name string
	// SpinWarn logs a warning after waiting this long. Zero disables.
	SpinWarn time.Duration
	Logger   *zap.Logger
}

func (p SharedParams) withDefaults() SharedParams {
	if p.Local == nil {
		p.Local = NewMutex()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p
}

// spinner busy-waits for a shared gate and reports long waits.
type spinner struct {
	sw    spin.Wait
	start time.Time
	spins int
	name  string
	warn  time.Duration
	log   *zap.Logger
}

func (s *spinner) once() {
	s.sw.Once()
	if s.warn <= 0 {
		return
	}
	s.spins++
	if s.spins%spinCheck != 0 {
		return
	}
	if s.start.IsZero() {
		s.start = time.Now()
		return
	}
	if waited := time.Since(s.start); waited >= s.warn {
		if _, ok := spinWarnings.Allow(s.name); ok {
			s.log.Warn("shared gate still waiting",
				zap.String("gate", s.name), zap.Duration("waited", waited))
		}
	}
}

const (
	spinlockMagic   = 0x5350_494e_4c4f_434b // "SPINLOCK"
	spinlockVersion = 1

	offLock = shmem.CacheLine
)

// SharedSpinlockSize is the shared memory footprint of one SharedSpinlock.
const SharedSpinlockSize = 2 * shmem.CacheLine

// SharedSpinlock is a gate in shared memory for any number of processors.
// The lock word holds the owner's processor id plus one, the way a
// hardware spinlock register would.
type SharedSpinlock struct {
	seg     *shmem.Segment
	off     uint32
	me      uint64
	creator bool
	n       nesting
	name    string
	warn    time.Duration
	log     *zap.Logger
}

// CreateSharedSpinlock initialises a spinlock at off and joins it.
func CreateSharedSpinlock(seg *shmem.Segment, off uint32, params SharedParams) (*SharedSpinlock, error) {
	if err := checkBlock(seg, off, SharedSpinlockSize); err != nil {
		return nil, err
	}
	params = params.withDefaults()
	seg.Word(off + hdrMagic).StoreRelaxed(0)
	seg.Word(off + offLock).StoreRelaxed(0)
	seg.Writeback(off+offLock, 8)
	seg.Word(off + hdrVersion).StoreRelaxed(spinlockVersion)
	seg.Word(off + hdrCreator).StoreRelaxed(uint64(params.Proc))
	seg.Word(off + hdrMagic).StoreRelease(spinlockMagic)
	seg.Writeback(off, shmem.CacheLine)
	return newSharedSpinlock(seg, off, true, params), nil
}

// OpenSharedSpinlock joins an initialised spinlock at off.
func OpenSharedSpinlock(seg *shmem.Segment, off uint32, params SharedParams) (*SharedSpinlock, error) {
	if err := checkBlock(seg, off, SharedSpinlockSize); err != nil {
		return nil, err
	}
	params = params.withDefaults()
	seg.Invalidate(off, shmem.CacheLine)
	if seg.Word(off+hdrMagic).LoadAcquire() != spinlockMagic {
		return nil, ErrNotFound
	}
	if seg.Word(off+hdrVersion).LoadRelaxed() != spinlockVersion {
		return nil, ErrInvalidState
	}
	return newSharedSpinlock(seg, off, false, params), nil
}

func newSharedSpinlock(seg *shmem.Segment, off uint32, creator bool, params SharedParams) *SharedSpinlock {
	return &SharedSpinlock{
		seg:     seg,
		off:     off,
		me:      uint64(params.Proc) + 1,
		creator: creator,
		name:    params.Name,
		warn:    params.SpinWarn,
		log:     params.Logger,
	}
}

func (g *SharedSpinlock) word() *atomix.Uint64 { return g.seg.Word(g.off + offLock) }

func (g *SharedSpinlock) Enter() Key {
	w := g.word()
	s := spinner{name: g.name, warn: g.warn, log: g.log}
	for {
		g.seg.Invalidate(g.off+offLock, 8)
		if w.LoadRelaxed() == 0 && w.CompareAndSwapAcqRel(0, g.me) {
			break
		}
		s.once()
	}
	g.seg.Writeback(g.off+offLock, 8)
	return g.n.first()
}

func (g *SharedSpinlock) Reenter(k Key) Key { return g.n.reenter(k) }

func (g *SharedSpinlock) Leave(k Key) {
	if g.n.leave(k) {
		g.word().StoreRelease(0)
		g.seg.Writeback(g.off+offLock, 8)
	}
}

func (*SharedSpinlock) Kind() Kind { return KindSharedSpinlock }

// Creator reports whether this side initialised the spinlock.
func (g *SharedSpinlock) Creator() bool { return g.creator }

// Close detaches locally. The shared block stays valid.
func (g *SharedSpinlock) Close() error { return nil }

// Delete invalidates the shared block. Only the creator may delete.
func (g *SharedSpinlock) Delete() error {
	if !g.creator {
		return ErrInvalidState
	}
	g.seg.Word(g.off + hdrMagic).StoreRelease(0)
	g.seg.Writeback(g.off, shmem.CacheLine)
	return nil
}
