// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package heapbuf_test

import "testing"

// skipRace skips tests where two handles contend on one heap. The free
// list is ordered by the shared spinlock, which the race detector cannot see.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: heap free list is guarded by a shared-memory gate")
}
