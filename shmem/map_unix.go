// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package shmem

import (
	"golang.org/x/sys/unix"
)

// Map maps size bytes of the file at path as a shared segment, creating
// and extending the file as needed. Every process mapping the same path
// sees the same bytes; each maps them at its own address.
func Map(path string, size int) (*Segment, error) {
	if size <= 0 || size%CacheLine != 0 {
		return nil, ErrInvalidArg
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	if st.Size < int64(size) {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, err
		}
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Segment{
		buf:   buf,
		cache: nopCache{},
		unmap: func() error { return unix.Munmap(buf) },
	}, nil
}
