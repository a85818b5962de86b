// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// errorDispatcher is the structural interface of kont error effects.
type errorDispatcher[E any] interface {
	DispatchError(ctx *kont.ErrorContext[E]) (kont.Resumed, bool)
}

// StepError evaluates a session protocol with error support until the first
// effect suspension. Returns (Either[E, R], nil) on completion or error,
// or (zero, suspension) if pending.
func StepError[E, R any](protocol kont.Expr[R]) (kont.Either[E, R], *kont.Suspension[kont.Either[E, R]]) {
	wrapped := kont.ExprMap(protocol, func(r R) kont.Either[E, R] {
		return kont.Right[E, R](r)
	})
	return kont.StepExpr(wrapped)
}

// AdvanceError dispatches the suspended operation on the endpoint.
// Session ops are non-blocking (ErrWouldBlock). Error ops are eager:
// Throw discards the suspension and returns Left.
func AdvanceError[E, R any](ep *Endpoint, susp *kont.Suspension[kont.Either[E, R]]) (kont.Either[E, R], *kont.Suspension[kont.Either[E, R]], error) {
	if sop, ok := susp.Op().(dispatcher); ok {
		v, err := sop.DispatchSession(ep)
		if err != nil {
			var zero kont.Either[E, R]
			return zero, susp, err
		}
		result, next := susp.Resume(v)
		return result, next, nil
	}
	if eop, ok := susp.Op().(errorDispatcher[E]); ok {
		var ctx kont.ErrorContext[E]
		v, _ := eop.DispatchError(&ctx)
		if ctx.HasErr {
			susp.Discard()
			return kont.Left[E, R](ctx.Err), nil, nil
		}
		result, next := susp.Resume(v)
		return result, next, nil
	}
	panic("session: unhandled effect in AdvanceError")
}

// DriveError is Drive for protocols that throw E. A throw completes the
// protocol with Left; wait and transport errors are returned as the error.
func DriveError[E, R any](ep *Endpoint, protocol kont.Eff[R], wait func() error) (kont.Either[E, R], error) {
	result, susp := StepError[E, R](kont.Reify(protocol))
	for susp != nil {
		r, next, err := AdvanceError[E](ep, susp)
		if err == nil {
			result, susp = r, next
			continue
		}
		if iox.IsWouldBlock(err) && wait != nil {
			err = wait()
		}
		if err != nil {
			susp.Discard()
			var zero kont.Either[E, R]
			return zero, err
		}
	}
	return result, nil
}
