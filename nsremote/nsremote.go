// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nsremote answers NameServer lookups across a processor pair.
//
// A [Driver] implements [nameserver.Remote] for one peer. The pair shares
// a scratch block of [SharedMemReq] bytes holding one message slot per
// requesting side and one notify event. A lookup writes its request into
// the local slot and raises the event; the peer's responder reads its own
// local NameServer tables, never modifying them, writes the answer back
// into the same slot and raises the event in turn.
//
// Both directions are session protocols: the requester runs
// send-request, receive-reply, close and the responder runs a loop of
// receive-request, send-reply. Each is stepped one effect at a time and
// parked on the notify callback between steps, so a lookup never holds a
// lock while it waits and gives up with [ErrTimeout] at its deadline.
package nsremote

import (
	"context"
	"errors"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/lfq"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/session"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
)

var (
	ErrInvalidArg   = status.New("nsremote", status.InvalidArg)
	ErrNotFound     = status.New("nsremote", status.NotFound)
	ErrTimeout      = status.New("nsremote", status.Timeout)
	ErrDown         = status.New("nsremote", status.Down)
	ErrInvalidState = status.New("nsremote", status.InvalidState)
)

// intakeCapacity bounds request tokens queued for the responder.
const intakeCapacity = 8

// Params configures a Driver.
type Params struct {
	Self, Remote multiproc.ID
	Segment      *shmem.Segment
	// Offset of the scratch block, a multiple of shmem.CacheLine.
	Offset  uint32
	Notify  *notify.Notify
	EventNo notify.EventNo
	// NameServer answers the peer's requests.
	NameServer  *nameserver.Module
	MaxValueLen int
	Logger      *zap.Logger
}

// Driver is the remote NameServer driver for one peer.
type Driver struct {
	self, remote multiproc.ID
	local, peer  slot
	ntf          *notify.Notify
	ev           notify.EventNo
	ns           *nameserver.Module
	log          *zap.Logger

	mu      sync.Mutex
	seq     uint64
	client  *session.Endpoint
	replyCh chan struct{}

	intake  *lfq.SPSC[uint64]
	server  *session.Endpoint
	reqCh   chan struct{}
	lastReq uint64

	smu    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// New binds a driver to the scratch block and registers its notify event.
// Each side clears only the slot it sends requests through.
func New(params Params) (*Driver, error) {
	if params.Segment == nil || params.Notify == nil || params.NameServer == nil ||
		params.Self == params.Remote || params.MaxValueLen <= 0 ||
		params.Offset%shmem.CacheLine != 0 ||
		!params.Segment.Contains(params.Offset, SharedMemReq(params.MaxValueLen)) {
		return nil, ErrInvalidArg
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	size := slotSize(params.MaxValueLen)
	lo := slot{params.Segment, params.Offset, params.MaxValueLen}
	hi := slot{params.Segment, params.Offset + size, params.MaxValueLen}
	d := &Driver{
		self:    params.Self,
		remote:  params.Remote,
		local:   lo,
		peer:    hi,
		ntf:     params.Notify,
		ev:      params.EventNo,
		ns:      params.NameServer,
		log:     params.Logger.With(zap.Uint16("remote", params.Remote)),
		replyCh: make(chan struct{}, 1),
		intake:  lfq.NewSPSC[uint64](intakeCapacity),
		reqCh:   make(chan struct{}, 1),
	}
	if params.Self > params.Remote {
		d.local, d.peer = hi, lo
	}
	d.seq = d.local.rebind()
	d.client = session.NewEndpoint(&requester{d: d})
	d.server = session.NewEndpoint(&responder{d: d})
	if err := d.ntf.RegisterEvent(d.remote, d.ev, d.onEvent); err != nil {
		return nil, err
	}
	return d, nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// onEvent runs in notify delivery context. Requests and replies share one
// event, so both slots are checked on every delivery.
func (d *Driver) onEvent(_ multiproc.ID, _ notify.EventNo, _ uint32) {
	if c := d.peer.control(); c&0xff == stateRequest {
		seq := c >> 8
		if err := d.intake.Enqueue(&seq); err != nil {
			d.log.Debug("nameserver request intake full", zap.Uint64("seq", seq))
		}
		signal(d.reqCh)
	}
	signal(d.replyCh)
}

// Get implements nameserver.Remote.
func (d *Driver) Get(ctx context.Context, instance, name string, buf []byte) (int, error) {
	if len(instance) > MaxNameLen || len(name) > MaxNameLen || name == "" {
		return 0, ErrInvalidArg
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	req := request{instance: instance, name: name, bufLen: len(buf)}

	protocol := session.Call(req, func(r reply) kont.Eff[[]byte] {
		if r.code != status.Success {
			return kont.ThrowError[status.Code, []byte](r.code)
		}
		return session.CloseDone(r.value)
	})
	result, err := session.DriveError[status.Code](d.client, protocol, func() error {
		select {
		case <-d.replyCh:
			return nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		}
	})
	if err != nil {
		return 0, err
	}
	if code, failed := result.GetLeft(); failed {
		return 0, codeError(code)
	}
	value, _ := result.GetRight()
	if len(value) > len(buf) {
		return 0, ErrInvalidArg
	}
	return copy(buf, value), nil
}

func codeError(c status.Code) error {
	switch c {
	case status.NotFound:
		return ErrNotFound
	case status.InvalidArg:
		return ErrInvalidArg
	case status.Timeout:
		return ErrTimeout
	case status.Down:
		return ErrDown
	}
	return status.New("nsremote", c)
}

// answer looks req up in the local tables.
func (d *Driver) answer(req request) reply {
	buf := make([]byte, min(req.bufLen, d.peer.max))
	n, err := d.ns.GetLocal(req.instance, req.name, buf)
	if err != nil {
		return reply{code: status.CodeOf(err)}
	}
	return reply{code: status.Success, value: buf[:n]}
}

// serveProtocol answers requests until the intake is drained.
func (d *Driver) serveProtocol() kont.Eff[int] {
	return session.Loop(0, func(served int) kont.Eff[kont.Either[int, int]] {
		return session.Serve(d.answer, func() kont.Eff[kont.Either[int, int]] {
			return kont.Pure(d.next(served + 1))
		})
	})
}

// next continues the loop while a request is pending. An answered
// request has left stateRequest, so a pending one is always new.
func (d *Driver) next(served int) kont.Either[int, int] {
	if d.peer.control()&0xff == stateRequest {
		return kont.Left[int, int](served)
	}
	return kont.Right[int, int](served)
}

// Start runs the responder until ctx is done or Close.
func (d *Driver) Start(ctx context.Context) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.closed || d.done != nil {
		return ErrInvalidState
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.serve(ctx, d.done)
	// a request posted before the responder started
	signal(d.reqCh)
	return nil
}

func (d *Driver) serve(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reqCh:
		}
		if d.peer.control()&0xff != stateRequest {
			continue
		}
		// blocking means the loop ran past the last pending request
		if _, err := session.Drive(d.server, d.serveProtocol(), nil); err != nil && !iox.IsWouldBlock(err) {
			d.log.Warn("nameserver responder failed", zap.Error(err))
		}
	}
}

// Close stops the responder and unregisters the notify event.
func (d *Driver) Close() error {
	d.smu.Lock()
	if d.closed {
		d.smu.Unlock()
		return nil
	}
	d.closed = true
	cancel, done := d.cancel, d.done
	d.smu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	err := d.ntf.UnregisterEvent(d.remote, d.ev)
	if errors.Is(err, notify.ErrNotFound) {
		// notify already detached from the peer
		return nil
	}
	return err
}

// requester is the client transport over the local slot.
type requester struct {
	d *Driver
}

func (r *requester) Send(v any) error {
	req, ok := v.(request)
	if !ok {
		return session.ErrProtocol
	}
	r.d.local.postRequest(r.d.seq, req)
	if err := r.d.ntf.SendEvent(r.d.remote, r.d.ev, uint32(r.d.seq), false); err != nil {
		r.d.log.Debug("nameserver request not delivered", zap.Error(err))
		return ErrDown
	}
	return nil
}

func (r *requester) Recv() (any, error) {
	rep, ok := r.d.local.takeReply(r.d.seq)
	if !ok {
		return nil, iox.ErrWouldBlock
	}
	return rep, nil
}

func (*requester) Close() error { return nil }

// responder is the server transport over the peer's slot.
type responder struct {
	d *Driver
}

func (r *responder) Recv() (any, error) {
	for {
		seq, err := r.d.intake.Dequeue()
		if err != nil {
			// a request whose token was dropped or not yet queued
			s, req, ok := r.d.peer.readRequest()
			if !ok {
				return nil, iox.ErrWouldBlock
			}
			r.d.lastReq = s
			return req, nil
		}
		s, req, ok := r.d.peer.readRequest()
		if !ok || s != seq {
			continue
		}
		r.d.lastReq = s
		return req, nil
	}
}

func (r *responder) Send(v any) error {
	rep, ok := v.(reply)
	if !ok {
		return session.ErrProtocol
	}
	if !r.d.peer.postReply(r.d.lastReq, rep) {
		// requester gave up and moved on
		return nil
	}
	if err := r.d.ntf.SendEvent(r.d.remote, r.d.ev, uint32(r.d.lastReq), false); err != nil {
		r.d.log.Debug("nameserver reply not delivered", zap.Error(err))
	}
	return nil
}

func (*responder) Close() error { return nil }
