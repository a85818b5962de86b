// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package transport_test

import "testing"

// skipRace skips tests where both sides run concurrently. Ring slots are
// ordered by the Peterson gate and the head word, which the race detector
// cannot see.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: ring slots are ordered through shared-memory words")
}
