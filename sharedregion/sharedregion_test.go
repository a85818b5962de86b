// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sharedregion_test

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
)

func newTable(t *testing.T) *sharedregion.Table {
	t.Helper()
	tbl, err := sharedregion.New(4)
	require.NoError(t, err)
	return tbl
}

// Two processors register region 0 at different local bases; the same
// offset resolves on both.
func TestCrossProcessorTranslation(t *testing.T) {
	a := newTable(t)
	b := newTable(t)
	require.NoError(t, a.Add(0, sharedregion.Entry{Base: 0x9800_0000, Len: 0x1000}))
	require.NoError(t, b.Add(0, sharedregion.Entry{Base: 0x4000_0040, Len: 0x1000}))

	p, err := a.SRPtr(0x9800_0040)
	require.NoError(t, err)
	index, off := a.Split(p)
	assert.Equal(t, uint16(0), index)
	assert.Equal(t, uint32(0x40), off)

	addr, err := b.Ptr(p)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4000_0080), addr)
}

func TestRoundTripProperty(t *testing.T) {
	tbl := newTable(t)
	regions := []sharedregion.Entry{
		{Base: 0x1000_0000, Len: 0x10000},
		{Base: 0x8000_0000, Len: 0x200},
		{Base: 0x2000_0000, Len: 0x4000_0000},
	}
	for i, e := range regions {
		require.NoError(t, tbl.Add(uint16(i), e))
	}
	roundTrip := func(region uint8, off uint32) bool {
		e := regions[int(region)%len(regions)]
		addr := e.Base + uintptr(off%e.Len)
		p, err := tbl.SRPtr(addr)
		if err != nil {
			return false
		}
		back, err := tbl.Ptr(p)
		return err == nil && back == addr
	}
	require.NoError(t, quick.Check(roundTrip, nil))
}

func TestAddRejects(t *testing.T) {
	tbl := newTable(t)
	require.NoError(t, tbl.Add(1, sharedregion.Entry{Base: 0x1000, Len: 0x1000}))

	assert.ErrorIs(t, tbl.Add(1, sharedregion.Entry{Base: 0x9000, Len: 0x10}), sharedregion.ErrInvalidArg, "index in use")
	assert.ErrorIs(t, tbl.Add(2, sharedregion.Entry{Base: 0x1800, Len: 0x1000}), sharedregion.ErrInvalidArg, "overlap above")
	assert.ErrorIs(t, tbl.Add(2, sharedregion.Entry{Base: 0x0800, Len: 0x1000}), sharedregion.ErrInvalidArg, "overlap below")
	assert.ErrorIs(t, tbl.Add(2, sharedregion.Entry{Base: 0x0800, Len: 0}), sharedregion.ErrInvalidArg, "empty")
	assert.ErrorIs(t, tbl.Add(4, sharedregion.Entry{Base: 0x9000, Len: 0x10}), sharedregion.ErrInvalidArg, "index range")
	assert.ErrorIs(t, tbl.Add(2, sharedregion.Entry{Base: 0x9000, Len: 0x100, Segment: shmem.New(0x80)}), sharedregion.ErrInvalidArg, "segment too small")

	// adjacent regions do not overlap
	require.NoError(t, tbl.Add(2, sharedregion.Entry{Base: 0x2000, Len: 0x1000}))
	require.NoError(t, tbl.Add(0, sharedregion.Entry{Base: 0x0000, Len: 0x1000}))
}

func TestLookupFailures(t *testing.T) {
	tbl := newTable(t)
	require.NoError(t, tbl.Add(0, sharedregion.Entry{Base: 0x1000, Len: 0x100}))
	require.NoError(t, tbl.Add(1, sharedregion.Entry{Base: 0x3000, Len: 0x100}))

	_, err := tbl.SRPtr(0x0fff)
	assert.ErrorIs(t, err, sharedregion.ErrNotFound)
	_, err = tbl.SRPtr(0x1100)
	assert.ErrorIs(t, err, sharedregion.ErrNotFound)
	_, err = tbl.SRPtr(0x5000)
	assert.ErrorIs(t, err, sharedregion.ErrNotFound)

	i, err := tbl.Index(0x30ff)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), i)

	_, err = tbl.Ptr(sharedregion.InvalidSRPtr)
	assert.ErrorIs(t, err, sharedregion.ErrInvalidArg)

	p, err := tbl.Make(1, 0x10)
	require.NoError(t, err)
	require.NoError(t, tbl.Remove(1))
	_, err = tbl.Ptr(p)
	assert.ErrorIs(t, err, sharedregion.ErrNotFound)
	assert.ErrorIs(t, tbl.Remove(1), sharedregion.ErrNotFound)

	_, err = tbl.Make(0, 0x100)
	assert.ErrorIs(t, err, sharedregion.ErrInvalidArg)
}

func TestResolve(t *testing.T) {
	seg := shmem.New(0x1000)
	tbl := newTable(t)
	require.NoError(t, tbl.Add(2, sharedregion.Entry{Base: seg.Addr(), Len: 0x1000, Segment: seg}))
	require.NoError(t, tbl.Add(3, sharedregion.Entry{Base: 0x1000, Len: 0x1000}))

	p, err := tbl.Make(2, 0x80)
	require.NoError(t, err)
	got, off, err := tbl.Resolve(p)
	require.NoError(t, err)
	assert.Same(t, seg, got)
	assert.Equal(t, uint32(0x80), off)

	p, err = tbl.Make(3, 0)
	require.NoError(t, err)
	_, _, err = tbl.Resolve(p)
	assert.ErrorIs(t, err, sharedregion.ErrInvalidArg)
}

func TestNewRejectsSize(t *testing.T) {
	for _, n := range []int{0, 3, 512} {
		_, err := sharedregion.New(n)
		assert.ErrorIs(t, err, sharedregion.ErrInvalidArg, n)
	}
	tbl, err := sharedregion.New(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32, tbl.MaxRegionLen())
}
