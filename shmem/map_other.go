// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package shmem

// Map is only available on unix platforms.
func Map(path string, size int) (*Segment, error) {
	return nil, ErrNotSupported
}
