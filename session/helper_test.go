// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session_test

import (
	"context"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/lfq"

	"code.hybscloud.com/ipc/session"
)

// pipeCapacity is the bounded capacity of each in-memory direction.
const pipeCapacity = 4

// pipe is one side of an in-memory transport pair.
type pipe struct {
	sendQ *lfq.SPSC[any]
	recvQ *lfq.SPSC[any]
	self  *atomix.Uint64
	peer  *atomix.Uint64
	slot  any
}

func (p *pipe) Send(v any) error {
	if p.self.LoadAcquire() != 0 || p.peer.LoadAcquire() != 0 {
		return session.ErrClosed
	}
	p.slot = v
	return p.sendQ.Enqueue(&p.slot)
}

func (p *pipe) Recv() (any, error) {
	v, err := p.recvQ.Dequeue()
	if err == nil {
		return v, nil
	}
	if p.peer.LoadAcquire() == 0 {
		return nil, err
	}
	// peer closed: anything it sent before closing is still delivered
	if v, err = p.recvQ.Dequeue(); err == nil {
		return v, nil
	}
	return nil, session.ErrClosed
}

func (p *pipe) Close() error {
	p.self.StoreRelease(1)
	return nil
}

type pipePair struct {
	a, b             pipe
	closedA, closedB atomix.Uint64
	ab, ba           lfq.SPSC[any]
}

// newPair returns two endpoints connected by bounded SPSC queues.
func newPair() (*session.Endpoint, *session.Endpoint) {
	pp := &pipePair{}
	pp.ab.Init(pipeCapacity)
	pp.ba.Init(pipeCapacity)
	pp.a = pipe{sendQ: &pp.ab, recvQ: &pp.ba, self: &pp.closedA, peer: &pp.closedB}
	pp.b = pipe{sendQ: &pp.ba, recvQ: &pp.ab, self: &pp.closedB, peer: &pp.closedA}
	return session.NewEndpoint(&pp.a), session.NewEndpoint(&pp.b)
}

// stepAll drives a protocol to completion on ep via the Step+Advance loop,
// retrying on iox.ErrWouldBlock (peer not ready yet).
func stepAll[R any](ep *session.Endpoint, protocol kont.Eff[R]) (R, error) {
	result, susp := session.Step[R](kont.Reify(protocol))
	for susp != nil {
		var err error
		result, susp, err = session.Advance(ep, susp)
		if err != nil && !iox.IsWouldBlock(err) {
			susp.Discard()
			return result, err
		}
	}
	return result, nil
}

// backoff returns a Drive wait callback that backs off until ctx is done.
func backoff(ctx context.Context) func() error {
	var bo iox.Backoff
	return func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		bo.Wait()
		return nil
	}
}

func exec[R any](ctx context.Context, ep *session.Endpoint, protocol kont.Eff[R]) (R, error) {
	return session.Drive(ep, protocol, backoff(ctx))
}

func execError[E, R any](ctx context.Context, ep *session.Endpoint, protocol kont.Eff[R]) (kont.Either[E, R], error) {
	return session.DriveError[E](ep, protocol, backoff(ctx))
}

// run interleaves both protocols over a fresh pair on the calling
// goroutine, backing off while neither side makes progress.
func run[A, B any](ctx context.Context, a kont.Eff[A], b kont.Eff[B]) (A, B, error) {
	epA, epB := newPair()
	resultA, suspA := session.Step[A](kont.Reify(a))
	resultB, suspB := session.Step[B](kont.Reify(b))
	var bo iox.Backoff
	fail := func(err error) (A, B, error) {
		if suspA != nil {
			suspA.Discard()
		}
		if suspB != nil {
			suspB.Discard()
		}
		var za A
		var zb B
		return za, zb, err
	}
	for suspA != nil || suspB != nil {
		progress := false
		if suspA != nil {
			r, next, err := session.Advance(epA, suspA)
			if err == nil {
				resultA, suspA = r, next
				progress = true
			} else if !iox.IsWouldBlock(err) {
				return fail(err)
			}
		}
		if suspB != nil {
			r, next, err := session.Advance(epB, suspB)
			if err == nil {
				resultB, suspB = r, next
				progress = true
			} else if !iox.IsWouldBlock(err) {
				return fail(err)
			}
		}
		if progress {
			bo.Reset()
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		bo.Wait()
	}
	return resultA, resultB, nil
}

// runError is run for protocols that throw E.
func runError[E, A, B any](ctx context.Context, a kont.Eff[A], b kont.Eff[B]) (kont.Either[E, A], kont.Either[E, B], error) {
	epA, epB := newPair()
	resultA, suspA := session.StepError[E, A](kont.Reify(a))
	resultB, suspB := session.StepError[E, B](kont.Reify(b))
	var bo iox.Backoff
	fail := func(err error) (kont.Either[E, A], kont.Either[E, B], error) {
		if suspA != nil {
			suspA.Discard()
		}
		if suspB != nil {
			suspB.Discard()
		}
		var za kont.Either[E, A]
		var zb kont.Either[E, B]
		return za, zb, err
	}
	for suspA != nil || suspB != nil {
		progress := false
		if suspA != nil {
			r, next, err := session.AdvanceError[E](epA, suspA)
			if err == nil {
				resultA, suspA = r, next
				progress = true
			} else if !iox.IsWouldBlock(err) {
				return fail(err)
			}
		}
		if suspB != nil {
			r, next, err := session.AdvanceError[E](epB, suspB)
			if err == nil {
				resultB, suspB = r, next
				progress = true
			} else if !iox.IsWouldBlock(err) {
				return fail(err)
			}
		}
		if progress {
			bo.Reset()
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		bo.Wait()
	}
	return resultA, resultB, nil
}
