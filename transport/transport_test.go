// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/transport"
)

const (
	eventNo = 2
	msgSize = 64
	numMsgs = 64
	maxMsg  = 128
)

type inbox struct {
	mu   sync.Mutex
	got  []sharedregion.SRPtr
	wake chan struct{}
}

func newInbox() *inbox { return &inbox{wake: make(chan struct{}, 1)} }

func (r *inbox) Deliver(_ multiproc.ID, msg sharedregion.SRPtr) {
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *inbox) take() []sharedregion.SRPtr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

type fixture struct {
	seg     *shmem.Segment
	regions *sharedregion.Table
	ntf     [2]*notify.Notify
	rx      [2]*inbox
	t       [2]*transport.Transport
	msgs    uint32
	off     uint32
}

// newFixture lays out [notify driver][transport][messages] in one segment
// and binds processor 0 as creator, processor 1 as opener. Notify delivery
// is left to the test.
func newFixture(t *testing.T, slots int, hooks transport.Hooks) *fixture {
	t.Helper()
	drv := shmem.Align(notify.DriverSize(4), shmem.CacheLine)
	req, err := transport.SharedMemReq(slots)
	require.NoError(t, err)
	f := &fixture{off: drv, msgs: drv + req}
	f.seg = shmem.New(int(f.msgs + numMsgs*msgSize))
	f.regions, err = sharedregion.New(2)
	require.NoError(t, err)
	require.NoError(t, f.regions.Add(0, sharedregion.Entry{Base: f.seg.Addr(), Len: uint32(f.seg.Len()), Segment: f.seg}))

	mb := notify.NewMailbox(2)
	for i := range 2 {
		n, err := notify.New(notify.Params{Self: multiproc.ID(i), Interrupt: mb, NumEvents: 4})
		require.NoError(t, err)
		require.NoError(t, n.Attach(multiproc.ID(1-i), f.seg, 0))
		t.Cleanup(func() { _ = n.Close() })
		f.ntf[i] = n
		f.rx[i] = newInbox()
	}
	params := func(i int) transport.Params {
		return transport.Params{
			Self: multiproc.ID(i), Remote: multiproc.ID(1 - i),
			Segment: f.seg, Offset: f.off, Regions: f.regions,
			Notify: f.ntf[i], EventNo: eventNo,
			Slots: slots, MaxMsgSize: maxMsg,
			Receiver: f.rx[i], Hooks: hooks,
			Logger: zaptest.NewLogger(t),
		}
	}
	f.t[0], err = transport.Create(params(0))
	require.NoError(t, err)
	f.t[1], err = transport.Open(params(1))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.t[1].Delete()
		_ = f.t[0].Delete()
	})
	return f
}

// msg writes a message header of size bytes into message slot i.
func (f *fixture) msg(t *testing.T, i int, size uint32) sharedregion.SRPtr {
	t.Helper()
	off := f.msgs + uint32(i)*msgSize
	binary.LittleEndian.PutUint32(f.seg.Bytes(off, 4), size)
	p, err := f.regions.Make(0, off)
	require.NoError(t, err)
	return p
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, 4, transport.Hooks{})
	assert.Equal(t, transport.StateUp, f.t[0].State())
	assert.Equal(t, transport.StatusUp, f.t[0].Status())
	assert.Equal(t, transport.StatusUp, f.t[1].Status())
	assert.Equal(t, 4, f.t[1].Slots())
	assert.Equal(t, multiproc.ID(1), f.t[0].Remote())

	require.NoError(t, f.t[1].Delete())
	assert.Equal(t, transport.StateDeleted, f.t[1].State())
	assert.Equal(t, transport.StatusDown, f.t[0].Status(), "opener left")
	assert.ErrorIs(t, f.t[0].Put(f.msg(t, 0, msgSize)), transport.ErrDown)
	assert.ErrorIs(t, f.t[1].Put(f.msg(t, 0, msgSize)), transport.ErrDown)
}

// Ring capacity 4: four puts succeed, the fifth is Full, the receiver
// drains all four in order, and the next put succeeds.
func TestRingBackpressure(t *testing.T) {
	var mu sync.Mutex
	var full int
	f := newFixture(t, 4, transport.Hooks{Full: func(multiproc.ID) {
		mu.Lock()
		full++
		mu.Unlock()
	}})
	var sent []sharedregion.SRPtr
	for i := range 4 {
		p := f.msg(t, i, msgSize)
		require.NoError(t, f.t[0].Put(p))
		sent = append(sent, p)
	}
	assert.Equal(t, 4, f.t[0].Pending())
	err := f.t[0].Put(f.msg(t, 4, msgSize))
	assert.ErrorIs(t, err, transport.ErrFull)
	mu.Lock()
	assert.Equal(t, 1, full)
	mu.Unlock()

	assert.Equal(t, 1, f.ntf[1].Poll(), "one pending event for four puts")
	assert.Equal(t, sent, f.rx[1].take())
	assert.Equal(t, 0, f.t[0].Pending())

	require.NoError(t, f.t[0].Put(f.msg(t, 4, msgSize)))
	assert.Equal(t, 1, f.t[1].Drain())
	assert.Len(t, f.rx[1].take(), 1)
}

// Forcing Down makes put fail immediately.
func TestDownFailsFast(t *testing.T) {
	f := newFixture(t, 4, transport.Hooks{})
	f.t[0].SetDown()
	start := time.Now()
	for range 100 {
		assert.ErrorIs(t, f.t[0].Put(f.msg(t, 0, msgSize)), transport.ErrDown)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, transport.StatusDown, f.t[0].Status())
	assert.Equal(t, transport.StateDown, f.t[0].State(), "stays down while the peer is up")
	assert.Equal(t, 0, f.t[0].Pending())
}

// Notify reporting the peer's driver down takes the transport down.
func TestNotifyDown(t *testing.T) {
	f := newFixture(t, 4, transport.Hooks{})
	require.NoError(t, f.ntf[1].Detach(0))
	assert.ErrorIs(t, f.t[0].Put(f.msg(t, 0, msgSize)), transport.ErrDown)
	assert.Equal(t, transport.StatusDown, f.t[0].Status())
}

func TestPutValidation(t *testing.T) {
	f := newFixture(t, 4, transport.Hooks{})
	assert.ErrorIs(t, f.t[0].Put(f.msg(t, 0, transport.HeaderSize-1)), transport.ErrInvalidArg)
	assert.ErrorIs(t, f.t[0].Put(f.msg(t, 0, maxMsg+1)), transport.ErrInvalidArg)
	assert.ErrorIs(t, f.t[0].Put(sharedregion.InvalidSRPtr), transport.ErrInvalidArg)
	assert.Equal(t, 0, f.t[0].Pending(), "rejected before touching the ring")
	require.NoError(t, f.t[0].Put(f.msg(t, 0, maxMsg)))
}

// Re-creating the block under a bound opener reports Reset to it.
func TestReset(t *testing.T) {
	f := newFixture(t, 4, transport.Hooks{})
	require.NoError(t, f.t[0].Delete())
	assert.Equal(t, transport.StatusReset, f.t[1].Status())

	// a fresh creator needs the event slot free again
	again, err := transport.Create(transport.Params{
		Self: 0, Remote: 1, Segment: f.seg, Offset: f.off, Regions: f.regions,
		Notify: f.ntf[0], EventNo: eventNo, Slots: 4, MaxMsgSize: maxMsg,
		Receiver: f.rx[0],
	})
	require.NoError(t, err)
	defer again.Delete()
	assert.Equal(t, transport.StatusReset, f.t[1].Status())
	assert.Equal(t, transport.StatusDown, again.Status(), "old opener is not counted")
	assert.ErrorIs(t, f.t[1].Put(f.msg(t, 0, msgSize)), transport.ErrDown)
}

func TestParamsValidation(t *testing.T) {
	_, err := transport.SharedMemReq(0)
	assert.ErrorIs(t, err, transport.ErrInvalidArg)
	_, err = transport.SharedMemReq(transport.MaxSlots + 1)
	assert.ErrorIs(t, err, transport.ErrInvalidArg)
	n4, err := transport.SharedMemReq(4)
	require.NoError(t, err)
	n16, err := transport.SharedMemReq(16)
	require.NoError(t, err)
	assert.Equal(t, n4, n16, "slots share cache lines")
	assert.Zero(t, n4%shmem.CacheLine)

	_, err = transport.Create(transport.Params{})
	assert.ErrorIs(t, err, transport.ErrInvalidArg)

	seg := shmem.New(int(n4))
	regions, err := sharedregion.New(1)
	require.NoError(t, err)
	ntf, err := notify.New(notify.Params{Self: 0, Interrupt: notify.NewMailbox(2), NumEvents: 4})
	require.NoError(t, err)
	p := transport.Params{
		Self: 0, Remote: 1, Segment: seg, Regions: regions, Notify: ntf,
		Slots: 4, MaxMsgSize: maxMsg, Receiver: newInbox(),
	}
	_, err = transport.Open(p)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	p.Slots = 64
	_, err = transport.Create(p)
	assert.ErrorIs(t, err, transport.ErrInvalidArg, "block does not fit")
	p.Slots = 4
	_, err = transport.Create(p)
	assert.ErrorIs(t, err, notify.ErrNotFound, "notify not attached to the peer")
}

// Messages from one sender arrive in the order they were put.
func TestFIFOProperty(t *testing.T) {
	f := newFixture(t, 8, transport.Hooks{})
	fifo := func(batches []uint8) bool {
		var sent []sharedregion.SRPtr
		next := 0
		for _, b := range batches {
			for range int(b%8) + 1 {
				p := f.msg(t, next%numMsgs, msgSize)
				next++
				if err := f.t[1].Put(p); err != nil {
					f.t[0].Drain()
					if err := f.t[1].Put(p); err != nil {
						return false
					}
				}
				sent = append(sent, p)
			}
			if b%3 == 0 {
				f.t[0].Drain()
			}
		}
		f.t[0].Drain()
		got := f.rx[0].take()
		if len(got) != len(sent) {
			return false
		}
		for i := range got {
			if got[i] != sent[i] {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(fifo, nil))
}

// Both processors stream through running notify loops.
func TestStreaming(t *testing.T) {
	skipRace(t)
	var mu sync.Mutex
	delivered := 0
	f := newFixture(t, 4, transport.Hooks{Deliver: func(_ multiproc.ID, n int) {
		mu.Lock()
		delivered += n
		mu.Unlock()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.ntf[0].Start(ctx))
	require.NoError(t, f.ntf[1].Start(ctx))

	const total = 500
	var wg sync.WaitGroup
	for side := range 2 {
		p := f.msg(t, side, msgSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total; {
				err := f.t[side].Put(p)
				if err == nil {
					i++
					continue
				}
				if err != transport.ErrFull {
					t.Errorf("put: %v", err)
					return
				}
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	counts := [2]int{}
	for counts[0] < total || counts[1] < total {
		select {
		case <-f.rx[0].wake:
		case <-f.rx[1].wake:
		case <-deadline:
			t.Fatalf("delivered %v of %d each way", counts, total)
		}
		counts[0] += len(f.rx[0].take())
		counts[1] += len(f.rx[1].take())
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2*total
	}, time.Second, time.Millisecond)
}
