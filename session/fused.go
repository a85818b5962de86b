// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"code.hybscloud.com/kont"
)

// SendThen sends a value and then continues with next.
func SendThen[T, B any](v T, next kont.Eff[B]) kont.Eff[B] {
	return kont.Then(kont.Perform(Send[T]{Value: v}), next)
}

// RecvBind receives a value and passes it to f.
func RecvBind[T, B any](f func(T) kont.Eff[B]) kont.Eff[B] {
	return kont.Bind(kont.Perform(Recv[T]{}), f)
}

// CloseDone closes the session and returns a.
func CloseDone[A any](a A) kont.Eff[A] {
	return kont.Then(kont.Perform(Close{}), kont.Pure(a))
}

// Call is the requester half of one exchange: send req, then hand the
// reply to f.
func Call[Req, Rep, B any](req Req, f func(Rep) kont.Eff[B]) kont.Eff[B] {
	return SendThen(req, RecvBind(f))
}

// Serve is the responder half of one exchange: receive a request, send
// handle's reply, then continue with next.
func Serve[Req, Rep, B any](handle func(Req) Rep, next func() kont.Eff[B]) kont.Eff[B] {
	return RecvBind(func(req Req) kont.Eff[B] {
		return SendThen(handle(req), next())
	})
}

// Loop runs a recursive protocol. step returns Left(next state) to go on
// or Right(result) to finish.
func Loop[S, A any](initial S, step func(S) kont.Eff[kont.Either[S, A]]) kont.Eff[A] {
	return kont.Bind(step(initial), func(e kont.Either[S, A]) kont.Eff[A] {
		if next, ok := e.GetLeft(); ok {
			return Loop(next, step)
		}
		result, _ := e.GetRight()
		return kont.Pure(result)
	})
}
