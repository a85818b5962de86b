// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// Step evaluates a protocol until the first effect suspension.
// It returns (result, nil) on completion, or (zero, suspension) if pending.
func Step[R any](protocol kont.Expr[R]) (R, *kont.Suspension[R]) {
	return kont.StepExpr(protocol)
}

// Advance dispatches the suspended operation on the endpoint.
//
// On success the suspension is consumed and the protocol advances to the
// next effect or completes. On iox.ErrWouldBlock the suspension is kept and
// may be retried once the peer made progress. Any other error is a
// transport failure; the caller should Discard the suspension.
func Advance[R any](ep *Endpoint, susp *kont.Suspension[R]) (R, *kont.Suspension[R], error) {
	sop, ok := susp.Op().(dispatcher)
	if !ok {
		panic("session: unhandled effect in Advance")
	}
	v, err := sop.DispatchSession(ep)
	if err != nil {
		var zero R
		return zero, susp, err
	}
	result, next := susp.Resume(v)
	return result, next, nil
}

// Drive steps protocol on ep to completion. Each time the transport would
// block it calls wait, which returns nil once the peer may have progressed
// or an error to abandon the protocol. A nil wait abandons it on the first
// block with iox.ErrWouldBlock. The pending suspension is discarded on
// every error.
func Drive[R any](ep *Endpoint, protocol kont.Eff[R], wait func() error) (R, error) {
	result, susp := Step[R](kont.Reify(protocol))
	for susp != nil {
		r, next, err := Advance(ep, susp)
		if err == nil {
			result, susp = r, next
			continue
		}
		if iox.IsWouldBlock(err) && wait != nil {
			err = wait()
		}
		if err != nil {
			susp.Discard()
			var zero R
			return zero, err
		}
	}
	return result, nil
}
