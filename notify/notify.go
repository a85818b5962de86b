// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package notify delivers small events between processors.
//
// An event is a number in [0, MaxEvents) plus a 32-bit payload, sent to a
// remote processor over a shared driver block. The receiver runs the
// callback registered for the event in its delivery goroutine, which plays
// the role of interrupt context: callbacks must not block.
//
// Each processor pair shares one driver block of [DriverSize] bytes. Both
// processors [Notify.Attach] the same block; a sender then needs the
// receiver to be attached (up) and to have registered the event.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

// MaxEvents is the number of event numbers per processor pair.
const MaxEvents = 32

var (
	ErrInvalidArg    = status.New("notify", status.InvalidArg)
	ErrNotFound      = status.New("notify", status.NotFound)
	ErrAlreadyExists = status.New("notify", status.AlreadyExists)
	ErrDown          = status.New("notify", status.Down)
	ErrNotRegistered = status.New("notify", status.NotRegistered)
	ErrInvalidState  = status.New("notify", status.InvalidState)
)

// EventNo identifies an event on a processor pair.
type EventNo uint8

// Callback runs in the delivery goroutine for each delivered event.
type Callback func(src multiproc.ID, ev EventNo, payload uint32)

// Params configures a Notify module.
type Params struct {
	Self multiproc.ID
	// Interrupt raises the remote line after posting an event.
	Interrupt Interrupt
	// NumEvents sizes driver blocks. Defaults to MaxEvents.
	NumEvents int
	// PollInterval rescans attached drivers periodically, for peers that
	// cannot raise this processor's line. Zero disables polling.
	PollInterval time.Duration
	Logger       *zap.Logger
}

type link struct {
	remote multiproc.ID
	local  half
	peer   half
	cbs    [MaxEvents]Callback
}

// Notify is one processor's notification module.
type Notify struct {
	self      multiproc.ID
	intr      Interrupt
	numEvents int
	poll      time.Duration
	log       *zap.Logger

	mu     sync.RWMutex
	links  map[multiproc.ID]*link
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a notify module for params.Self.
func New(params Params) (*Notify, error) {
	if params.Interrupt == nil || params.Self == multiproc.InvalidID {
		return nil, ErrInvalidArg
	}
	if params.NumEvents == 0 {
		params.NumEvents = MaxEvents
	}
	if params.NumEvents < 0 || params.NumEvents > MaxEvents {
		return nil, ErrInvalidArg
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	return &Notify{
		self:      params.Self,
		intr:      params.Interrupt,
		numEvents: params.NumEvents,
		poll:      params.PollInterval,
		log:       params.Logger.With(zap.Uint16("proc", params.Self)),
		links:     make(map[multiproc.ID]*link),
	}, nil
}

// NumEvents returns the configured events per pair.
func (n *Notify) NumEvents() int { return n.numEvents }

// DriverSize is the block size this module expects in Attach.
func (n *Notify) DriverSize() uint32 { return DriverSize(n.numEvents) }

// Attach initialises this processor's half of the driver block shared with
// remote and marks it up.
func (n *Notify) Attach(remote multiproc.ID, seg *shmem.Segment, off uint32) error {
	if remote == n.self || remote == multiproc.InvalidID || seg == nil ||
		off%shmem.CacheLine != 0 || !seg.Contains(off, n.DriverSize()) {
		return ErrInvalidArg
	}
	hs := halfSize(n.numEvents)
	lo, hi := half{seg, off}, half{seg, off + hs}
	l := &link{remote: remote, local: lo, peer: hi}
	if n.self > remote {
		l.local, l.peer = hi, lo
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrInvalidState
	}
	if _, ok := n.links[remote]; ok {
		return ErrAlreadyExists
	}
	l.local.reset(n.numEvents)
	l.local.setUp(true)
	n.links[remote] = l
	n.log.Debug("notify driver attached", zap.Uint16("remote", remote), zap.Uint32("offset", off))
	return nil
}

// Detach marks this processor down towards remote and drops its callbacks.
func (n *Notify) Detach(remote multiproc.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[remote]
	if !ok {
		return ErrNotFound
	}
	l.local.setUp(false)
	l.local.word(fieldRegistered).StoreRelease(0)
	l.local.word(fieldEnabled).StoreRelease(0)
	delete(n.links, remote)
	n.log.Debug("notify driver detached", zap.Uint16("remote", remote))
	return nil
}

// Attached reports whether a driver to remote is attached.
func (n *Notify) Attached(remote multiproc.ID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.links[remote]
	return ok
}

func (n *Notify) lookup(remote multiproc.ID, ev EventNo) (*link, error) {
	if int(ev) >= n.numEvents {
		return nil, ErrInvalidArg
	}
	l, ok := n.links[remote]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// RegisterEvent installs cb for ev sent by remote and enables the event.
func (n *Notify) RegisterEvent(remote multiproc.ID, ev EventNo, cb Callback) error {
	if cb == nil {
		return ErrInvalidArg
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.lookup(remote, ev)
	if err != nil {
		return err
	}
	if l.cbs[ev] != nil {
		return ErrAlreadyExists
	}
	l.cbs[ev] = cb
	l.local.setBit(fieldEnabled, ev, true)
	l.local.setBit(fieldRegistered, ev, true)
	return nil
}

// UnregisterEvent removes the callback for ev sent by remote.
func (n *Notify) UnregisterEvent(remote multiproc.ID, ev EventNo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.lookup(remote, ev)
	if err != nil {
		return err
	}
	if l.cbs[ev] == nil {
		return ErrNotRegistered
	}
	l.local.setBit(fieldRegistered, ev, false)
	l.local.setBit(fieldEnabled, ev, false)
	l.cbs[ev] = nil
	return nil
}

// SendEvent posts ev with payload to remote and raises its line.
func (n *Notify) SendEvent(remote multiproc.ID, ev EventNo, payload uint32, waitClear bool) error {
	n.mu.RLock()
	l, err := n.lookup(remote, ev)
	n.mu.RUnlock()
	if err != nil {
		return err
	}
	if !l.peer.up() {
		return ErrDown
	}
	if !l.peer.registered(ev) {
		return ErrNotRegistered
	}
	if !l.peer.post(ev, payload, waitClear) {
		return ErrDown
	}
	n.intr.Raise(remote)
	return nil
}

// DisableEvent holds back delivery of ev from remote. Events sent
// meanwhile stay pending.
func (n *Notify) DisableEvent(remote multiproc.ID, ev EventNo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, err := n.lookup(remote, ev)
	if err != nil {
		return err
	}
	l.local.setBit(fieldEnabled, ev, false)
	return nil
}

// EnableEvent resumes delivery of ev from remote, including any event
// that arrived while disabled.
func (n *Notify) EnableEvent(remote multiproc.ID, ev EventNo) error {
	n.mu.Lock()
	l, err := n.lookup(remote, ev)
	if err == nil {
		l.local.setBit(fieldEnabled, ev, true)
	}
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.intr.Raise(n.self)
	return nil
}

type delivery struct {
	cb      Callback
	src     multiproc.ID
	ev      EventNo
	payload uint32
}

// Poll delivers every pending enabled event once, lowest event number
// first per remote. It returns the number of callbacks run.
func (n *Notify) Poll() int {
	var batch []delivery
	n.mu.RLock()
	for _, l := range n.links {
		for ev := EventNo(0); int(ev) < n.numEvents; ev++ {
			if l.cbs[ev] == nil || !l.local.enabled(ev) {
				continue
			}
			if payload, ok := l.local.take(ev); ok {
				batch = append(batch, delivery{l.cbs[ev], l.remote, ev, payload})
			}
		}
	}
	n.mu.RUnlock()
	for _, d := range batch {
		d.cb(d.src, d.ev, d.payload)
	}
	return len(batch)
}

// Start runs the delivery goroutine until ctx is done or Close.
func (n *Notify) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || n.done != nil {
		return ErrInvalidState
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	go n.run(ctx, n.done)
	return nil
}

func (n *Notify) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var tick <-chan time.Time
	if n.poll > 0 {
		t := time.NewTicker(n.poll)
		defer t.Stop()
		tick = t.C
	}
	line := n.intr.Line(n.self)
	for {
		select {
		case <-ctx.Done():
			return
		case <-line:
		case <-tick:
		}
		n.Poll()
	}
}

// Close stops delivery and detaches every driver.
func (n *Notify) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel, done := n.cancel, n.done
	for remote, l := range n.links {
		l.local.setUp(false)
		delete(n.links, remote)
	}
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
