// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package gate_test

import "testing"

// skipRace skips tests that share a Peterson block between goroutines.
// The protocol orders accesses across the flag and turn words, which the
// race detector cannot see, so it reports the protected counter.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: Peterson uses cross-variable memory ordering")
}
