// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport carries MessageQ messages between two processors over
// a shared-memory block.
//
// The block holds one ring per direction. A message already resident in
// shared memory travels as its SRPtr: [Transport.Put] appends the SRPtr to
// the outbound ring under the block's Peterson gate and raises a notify
// event; the peer's notify callback drains its inbound ring under the same
// gate and hands each SRPtr to its [Receiver]. One gate covers both
// directions of a pair, so a put on one side and a drain on the other are
// serialised even when they touch different rings.
//
// A transport moves through
//
//	Created → Ready → Up ↔ Down → Deleted
//
// Ready means the local side is bound and waits for the peer. Put only
// succeeds while Up and fails fast with [ErrDown] otherwise.
package transport

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/gate"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

var (
	ErrInvalidArg   = status.New("transport", status.InvalidArg)
	ErrNotFound     = status.New("transport", status.NotFound)
	ErrFull         = status.New("transport", status.Full)
	ErrDown         = status.New("transport", status.Down)
	ErrInvalidState = status.New("transport", status.InvalidState)
)

// HeaderSize is the smallest valid message. Every message starts with its
// total size as a little-endian uint32.
const HeaderSize = 32

// State is the lifecycle state of a transport.
type State uint32

const (
	StateCreated State = iota
	StateReady
	StateUp
	StateDown
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// Status is the peer condition reported to higher layers.
type Status uint8

const (
	StatusUp Status = iota
	StatusDown
	// StatusReset means the creator re-initialised the block under us.
	StatusReset
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	case StatusReset:
		return "reset"
	}
	return "unknown"
}

// Receiver accepts delivered messages. Deliver runs in notify delivery
// context and must not block.
type Receiver interface {
	Deliver(src multiproc.ID, msg sharedregion.SRPtr)
}

// Hooks observe transport activity. Any field may be nil.
type Hooks struct {
	Put     func(remote multiproc.ID)
	Full    func(remote multiproc.ID)
	Deliver func(remote multiproc.ID, n int)
	State   func(remote multiproc.ID, s State)
}

// Params configures one side of a transport.
type Params struct {
	Self, Remote multiproc.ID
	Segment      *shmem.Segment
	// Offset of the block, a multiple of shmem.CacheLine.
	Offset uint32
	// Regions resolves message SRPtrs to check their size.
	Regions *sharedregion.Table
	Notify  *notify.Notify
	EventNo notify.EventNo
	// Slots is the ring capacity. The opener takes it from the block.
	Slots      int
	MaxMsgSize uint32
	// WaitClear makes Put wait until the peer consumed the previous event.
	WaitClear bool
	Receiver  Receiver
	Hooks     Hooks
	// SpinWarn logs when the block's gate is contended this long.
	SpinWarn time.Duration
	Logger   *zap.Logger
}

// Transport is one processor's end of a shared-memory transport.
type Transport struct {
	self, remote multiproc.ID
	blk          block
	side         uint32
	gen          uint64
	g            *gate.Peterson
	regions      *sharedregion.Table
	ntf          *notify.Notify
	ev           notify.EventNo
	maxMsg       uint32
	waitClear    bool
	rx           Receiver
	hooks        Hooks
	log          *zap.Logger

	state  atomix.Uint64
	forced atomix.Uint64
	reset  atomix.Uint64

	dmu  sync.Mutex
	scr  []uint64
	once sync.Once
}

func (p Params) check() error {
	if p.Segment == nil || p.Regions == nil || p.Notify == nil || p.Receiver == nil ||
		p.Self == p.Remote || p.Offset%shmem.CacheLine != 0 || p.MaxMsgSize < HeaderSize {
		return ErrInvalidArg
	}
	return nil
}

func newTransport(p Params, blk block, side uint32) *Transport {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Transport{
		self:      p.Self,
		remote:    p.Remote,
		blk:       blk,
		side:      side,
		regions:   p.Regions,
		ntf:       p.Notify,
		ev:        p.EventNo,
		maxMsg:    p.MaxMsgSize,
		waitClear: p.WaitClear,
		rx:        p.Receiver,
		hooks:     p.Hooks,
		log:       p.Logger.With(zap.String("component", "transport"), zap.Uint16("remote", p.Remote)),
	}
}

// Create initialises the block and joins it as the creator. The block's
// generation advances on every Create, so an opener still bound to an
// earlier one observes StatusReset.
func Create(p Params) (*Transport, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	size, err := SharedMemReq(p.Slots)
	if err != nil {
		return nil, err
	}
	if !p.Segment.Contains(p.Offset, size) {
		return nil, ErrInvalidArg
	}
	blk := block{seg: p.Segment, off: p.Offset, slots: uint32(p.Slots)}
	gen := blk.loadCtl(ctlGeneration) + 1
	t := newTransport(p, blk, 0)
	t.gen = gen
	t.g, err = gate.CreatePeterson(p.Segment, p.Offset, gate.SharedParams{
		Proc: p.Self, Name: "transport", SpinWarn: p.SpinWarn, Logger: t.log,
	})
	if err != nil {
		return nil, err
	}
	blk.storeCtl(ctlMagic, 0)
	blk.ring(0).reset()
	blk.ring(1).reset()
	blk.storeCtl(ctlSlots, uint64(p.Slots))
	blk.setSide(1, 0)
	blk.storeCtl(ctlGeneration, gen)
	blk.storeCtl(ctlMagic, blockMagic)
	t.setState(StateCreated)

	if err := t.bind(); err != nil {
		_ = t.g.Delete()
		return nil, err
	}
	t.log.Debug("transport created", zap.Uint64("generation", gen), zap.Int("slots", p.Slots))
	return t, nil
}

// Open joins a block initialised by the peer.
func Open(p Params) (*Transport, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if !p.Segment.Contains(p.Offset, offRings) {
		return nil, ErrInvalidArg
	}
	blk := block{seg: p.Segment, off: p.Offset}
	if blk.loadCtl(ctlMagic) != blockMagic {
		return nil, ErrNotFound
	}
	blk.slots = uint32(blk.loadCtl(ctlSlots))
	size, err := SharedMemReq(int(blk.slots))
	if err != nil || !p.Segment.Contains(p.Offset, size) {
		return nil, ErrInvalidState
	}
	t := newTransport(p, blk, 1)
	t.gen = blk.loadCtl(ctlGeneration)
	t.g, err = gate.OpenPeterson(p.Segment, p.Offset, gate.SharedParams{
		Proc: p.Self, Name: "transport", SpinWarn: p.SpinWarn, Logger: t.log,
	})
	if err != nil {
		return nil, err
	}
	t.setState(StateCreated)
	if err := t.bind(); err != nil {
		_ = t.g.Close()
		return nil, err
	}
	t.log.Debug("transport opened", zap.Uint64("generation", t.gen), zap.Uint32("slots", blk.slots))
	return t, nil
}

// bind registers the receive callback and announces this side.
func (t *Transport) bind() error {
	if err := t.ntf.RegisterEvent(t.remote, t.ev, t.onEvent); err != nil {
		return err
	}
	t.setState(StateReady)
	t.blk.setSide(t.side, t.gen)
	t.refresh()
	return nil
}

func (t *Transport) setState(s State) {
	for {
		old := t.state.LoadAcquire()
		if State(old) == s {
			return
		}
		if t.state.CompareAndSwapAcqRel(old, uint64(s)) {
			break
		}
	}
	if t.hooks.State != nil {
		t.hooks.State(t.remote, s)
	}
}

func (t *Transport) loadState() State { return State(t.state.LoadAcquire()) }

// refresh folds the peer's side of the block into the local state.
func (t *Transport) refresh() State {
	s := t.loadState()
	if s == StateDeleted || t.forced.LoadAcquire() != 0 || t.reset.LoadAcquire() != 0 {
		return s
	}
	if t.blk.loadCtl(ctlMagic) != blockMagic || t.blk.loadCtl(ctlGeneration) != t.gen {
		t.reset.StoreRelease(1)
		if s != StateDown {
			t.setState(StateDown)
		}
		return StateDown
	}
	peerUp := t.blk.side(1-t.side) == t.gen
	switch {
	case peerUp && (s == StateReady || s == StateDown):
		t.setState(StateUp)
		return StateUp
	case !peerUp && s == StateUp:
		t.setState(StateDown)
		return StateDown
	}
	return s
}

// State returns the lifecycle state.
func (t *Transport) State() State { return t.refresh() }

// Status reports whether the peer is reachable without blocking.
func (t *Transport) Status() Status {
	switch t.refresh() {
	case StateUp:
		return StatusUp
	}
	if t.reset.LoadAcquire() != 0 {
		return StatusReset
	}
	return StatusDown
}

// SetDown marks the peer as failed. The transport stays down until it is
// deleted and recreated. Put calls it when notify reports the peer down.
func (t *Transport) SetDown() {
	if t.loadState() == StateDeleted {
		return
	}
	t.forced.StoreRelease(1)
	t.setState(StateDown)
}

// Remote returns the peer processor.
func (t *Transport) Remote() multiproc.ID { return t.remote }

// Slots returns the ring capacity.
func (t *Transport) Slots() int { return int(t.blk.slots) }

// Pending returns the number of messages sent but not yet drained by the
// peer.
func (t *Transport) Pending() int {
	k := t.g.Enter()
	defer t.g.Leave(k)
	return t.blk.ring(t.side).len()
}

// Put sends the message at msg to the peer. The message must already be
// in shared memory. A full ring fails with ErrFull; Put never waits for
// space.
func (t *Transport) Put(msg sharedregion.SRPtr) error {
	if t.refresh() != StateUp {
		return ErrDown
	}
	seg, off, err := t.regions.Resolve(msg)
	if err != nil || !seg.Contains(off, HeaderSize) {
		return ErrInvalidArg
	}
	seg.Invalidate(off, HeaderSize)
	if size := binary.LittleEndian.Uint32(seg.Bytes(off, 4)); size < HeaderSize || size > t.maxMsg {
		return ErrInvalidArg
	}

	k := t.g.Enter()
	head, ok := t.blk.ring(t.side).push(uint64(msg))
	t.g.Leave(k)
	if !ok {
		if t.hooks.Full != nil {
			t.hooks.Full(t.remote)
		}
		return ErrFull
	}
	if t.hooks.Put != nil {
		t.hooks.Put(t.remote)
	}

	err = t.ntf.SendEvent(t.remote, t.ev, uint32(head), t.waitClear)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrDown), errors.Is(err, notify.ErrNotFound):
		t.SetDown()
		return ErrDown
	default:
		// the message is in the ring; the next event or open drains it
		t.log.Debug("transport event not raised", zap.Error(err))
	}
	return nil
}

func (t *Transport) onEvent(multiproc.ID, notify.EventNo, uint32) {
	t.drain()
}

// Drain delivers every message waiting in the inbound ring and returns how
// many there were. The notify callback calls it on every event.
func (t *Transport) Drain() int {
	return t.drain()
}

func (t *Transport) drain() int {
	t.dmu.Lock()
	defer t.dmu.Unlock()
	if t.loadState() == StateDeleted {
		return 0
	}
	k := t.g.Enter()
	t.scr = t.blk.ring(1 - t.side).drain(t.scr[:0])
	t.g.Leave(k)
	for _, v := range t.scr {
		t.rx.Deliver(t.remote, sharedregion.SRPtr(v))
	}
	if n := len(t.scr); n > 0 && t.hooks.Deliver != nil {
		t.hooks.Deliver(t.remote, n)
	}
	return len(t.scr)
}

// Delete unbinds this side. The creator also invalidates the block.
// Messages still in the rings are dropped.
func (t *Transport) Delete() error {
	var err error
	t.once.Do(func() {
		if uerr := t.ntf.UnregisterEvent(t.remote, t.ev); uerr != nil && !errors.Is(uerr, notify.ErrNotFound) {
			err = uerr
		}
		t.dmu.Lock()
		t.setState(StateDeleted)
		t.dmu.Unlock()
		current := t.blk.loadCtl(ctlGeneration) == t.gen
		if current {
			t.blk.setSide(t.side, 0)
		}
		switch {
		case t.side == 0:
			t.blk.storeCtl(ctlMagic, 0)
			if gerr := t.g.Delete(); err == nil {
				err = gerr
			}
		case current:
			// a recreated block has its own opener
			if gerr := t.g.Close(); err == nil {
				err = gerr
			}
		}
		t.log.Debug("transport deleted")
	})
	return err
}
