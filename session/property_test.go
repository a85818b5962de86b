// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session_test

import (
	"context"
	"reflect"
	"testing"
	"testing/quick"

	"code.hybscloud.com/kont"

	"code.hybscloud.com/ipc/session"
)

// TestPropertyTransportFIFO checks that any sequence of integers is
// delivered in order without loss or duplication.
func TestPropertyTransportFIFO(t *testing.T) {
	skipRace(t)

	propertyFIFO := func(payload []int) bool {
		// length-prefixed stream: !int.(!int)^n.end
		sender := session.SendThen(len(payload),
			session.Loop(payload, func(s []int) kont.Eff[kont.Either[[]int, struct{}]] {
				if len(s) == 0 {
					return session.CloseDone(kont.Right[[]int, struct{}](struct{}{}))
				}
				return session.SendThen(s[0], kont.Pure(kont.Left[[]int, struct{}](s[1:])))
			}))
		receiver := session.RecvBind(func(n int) kont.Eff[[]int] {
			return session.Loop(make([]int, 0, n), func(acc []int) kont.Eff[kont.Either[[]int, []int]] {
				if len(acc) == n {
					return session.CloseDone(kont.Right[[]int, []int](acc))
				}
				return session.RecvBind(func(v int) kont.Eff[kont.Either[[]int, []int]] {
					return kont.Pure(kont.Left[[]int, []int](append(acc, v)))
				})
			})
		})

		_, received, err := run[struct{}, []int](context.Background(), sender, receiver)
		if err != nil {
			return false
		}
		if len(payload) == 0 && len(received) == 0 {
			return true
		}
		return reflect.DeepEqual(payload, received)
	}

	if err := quick.Check(propertyFIFO, nil); err != nil {
		t.Error(err)
	}
}

// TestPropertyErrorShortCircuit checks that a throw at any point ends the
// protocol with exactly the thrown value.
func TestPropertyErrorShortCircuit(t *testing.T) {
	skipRace(t)

	propertyError := func(throwAt uint) bool {
		throwMsg := "forced_error"
		n := throwAt % 3

		sender := session.Loop(uint(0), func(i uint) kont.Eff[kont.Either[uint, string]] {
			if i == n {
				return kont.Map(kont.ThrowError[string, string](throwMsg), func(s string) kont.Either[uint, string] {
					return kont.Right[uint, string](s)
				})
			}
			return session.SendThen(i, kont.Pure(kont.Left[uint, string](i+1)))
		})

		ep, _ := newPair()
		result, susp := session.StepError[string, string](kont.Reify(sender))
		for susp != nil {
			var err error
			result, susp, err = session.AdvanceError[string](ep, susp)
			if err != nil {
				return false
			}
		}
		errVal, isErr := result.GetLeft()
		return isErr && errVal == throwMsg
	}

	if err := quick.Check(propertyError, nil); err != nil {
		t.Error(err)
	}
}
