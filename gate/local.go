// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gate

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Mutex is a process-local gate that blocks waiters in the scheduler.
type Mutex struct {
	mu sync.Mutex
	n  nesting
}

// NewMutex returns an unlocked mutex gate.
func NewMutex() *Mutex { return &Mutex{} }

func (g *Mutex) Enter() Key {
	g.mu.Lock()
	return g.n.first()
}

func (g *Mutex) Reenter(k Key) Key { return g.n.reenter(k) }

func (g *Mutex) Leave(k Key) {
	if g.n.leave(k) {
		g.mu.Unlock()
	}
}

func (*Mutex) Kind() Kind { return KindMutex }

// Spinlock is a process-local gate that busy-waits.
// Suitable where the holder never blocks, e.g. notification context.
type Spinlock struct {
	_    [64]byte
	word atomix.Uint64
	_    [56]byte
	n    nesting
}

// NewSpinlock returns an unlocked spinlock gate.
func NewSpinlock() *Spinlock { return &Spinlock{} }

func (g *Spinlock) Enter() Key {
	sw := spin.Wait{}
	for !g.word.CompareAndSwapAcqRel(0, 1) {
		sw.Once()
	}
	return g.n.first()
}

func (g *Spinlock) Reenter(k Key) Key { return g.n.reenter(k) }

func (g *Spinlock) Leave(k Key) {
	if g.n.leave(k) {
		g.word.StoreRelease(0)
	}
}

func (*Spinlock) Kind() Kind { return KindSpinlock }
