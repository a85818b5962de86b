// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session_test

import (
	"context"
	"testing"

	"code.hybscloud.com/kont"

	"code.hybscloud.com/ipc/session"
)

// BenchmarkSendRecv measures a single send/recv round-trip.
func BenchmarkSendRecv(b *testing.B) {
	skipRace(b)
	b.ReportAllocs()
	ctx := context.Background()
	for b.Loop() {
		sender := session.SendThen(42, session.CloseDone(struct{}{}))
		receiver := session.RecvBind(func(n int) kont.Eff[int] {
			return session.CloseDone(n)
		})
		_, _, _ = run[struct{}, int](ctx, sender, receiver)
	}
}

// BenchmarkRequestReply measures a request, reply, close exchange.
func BenchmarkRequestReply(b *testing.B) {
	skipRace(b)
	b.ReportAllocs()
	ctx := context.Background()
	for b.Loop() {
		client := session.SendThen(1,
			session.RecvBind(func(n int) kont.Eff[int] {
				return session.CloseDone(n)
			}),
		)
		server := session.RecvBind(func(n int) kont.Eff[int] {
			return session.SendThen(n*2, session.CloseDone(n*2))
		})
		_, _, _ = run[int, int](ctx, client, server)
	}
}

// BenchmarkServeLoop measures a responder answering three requests.
func BenchmarkServeLoop(b *testing.B) {
	skipRace(b)
	b.ReportAllocs()
	ctx := context.Background()
	for b.Loop() {
		client := session.Loop(0, func(i int) kont.Eff[kont.Either[int, int]] {
			if i == 3 {
				return session.CloseDone(kont.Right[int, int](i))
			}
			return session.Call(i, func(int) kont.Eff[kont.Either[int, int]] {
				return kont.Pure(kont.Left[int, int](i + 1))
			})
		})
		server := session.Loop(0, func(n int) kont.Eff[kont.Either[int, int]] {
			if n == 3 {
				return session.CloseDone(kont.Right[int, int](n))
			}
			return session.Serve(func(q int) int { return q * 2 }, func() kont.Eff[kont.Either[int, int]] {
				return kont.Pure(kont.Left[int, int](n + 1))
			})
		})
		_, _, _ = run[int, int](ctx, client, server)
	}
}
