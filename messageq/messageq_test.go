// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package messageq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"code.hybscloud.com/ipc/heapbuf"
	"code.hybscloud.com/ipc/messageq"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/transport"
)

const (
	heapID    = 7
	blockSize = 128
	numBlocks = 16
)

type env struct {
	mq   *messageq.Module
	heap *heapbuf.Heap
}

func newEnv(t *testing.T, cfg messageq.Config) env {
	t.Helper()
	seg := shmem.New(int(heapbuf.SharedMemReq(blockSize, numBlocks)))
	regions, err := sharedregion.New(2)
	require.NoError(t, err)
	require.NoError(t, regions.Add(0, sharedregion.Entry{Base: seg.Addr(), Len: uint32(seg.Len()), Segment: seg}))
	procs, err := multiproc.New([]string{"HOST", "DSP"})
	require.NoError(t, err)
	require.NoError(t, procs.SetLocalID(0))
	ns, err := nameserver.New(nameserver.Config{Procs: procs, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	heap, err := heapbuf.Create(heapbuf.Params{
		Name: "msgheap", ID: heapID, Regions: regions, Region: 0,
		BlockSize: blockSize, NumBlocks: numBlocks,
	})
	require.NoError(t, err)

	cfg.Procs, cfg.Regions, cfg.NameServer = procs, regions, ns
	cfg.Logger = zaptest.NewLogger(t)
	mq, err := messageq.New(cfg)
	require.NoError(t, err)
	require.NoError(t, mq.RegisterHeap(heap))
	return env{mq: mq, heap: heap}
}

func TestLocalPutGet(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	q, err := e.mq.Create("host.q0")
	require.NoError(t, err)
	assert.Equal(t, messageq.MakeQueueID(0, 0), q.ID())
	assert.Equal(t, "host.q0", q.Name())

	msg, err := e.mq.Alloc(heapID, messageq.HeaderSize+5)
	require.NoError(t, err)
	msg.SetMsgID(42)
	msg.SetReplyQueue(q.ID())
	copy(msg.Payload(), "hello")
	require.NoError(t, e.mq.Put(q.ID(), msg))
	assert.Equal(t, 1, q.Count())

	got, err := q.GetTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.SRPtr(), got.SRPtr())
	assert.Equal(t, uint16(42), got.MsgID())
	assert.Equal(t, q.ID(), got.DstQueue())
	assert.Equal(t, q.ID(), got.ReplyQueue())
	assert.Equal(t, messageq.InvalidQueueID, got.SrcQueue())
	assert.Equal(t, uint16(heapID), got.HeapID())
	assert.Equal(t, uint32(messageq.HeaderSize+5), got.Size())
	assert.Equal(t, "hello", string(got.Payload()))
	assert.NotZero(t, got.SeqNum())
	assert.Equal(t, 0, q.Count())

	require.NoError(t, e.mq.Free(got))
	assert.Equal(t, uint32(numBlocks), e.heap.Stats().NumFree)
}

func TestGetTimeoutAndUnblock(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	q, err := e.mq.Create("")
	require.NoError(t, err)

	start := time.Now()
	_, err = q.GetTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, messageq.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background())
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	q.Unblock()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, messageq.ErrUnblocked)
	case <-time.After(time.Second):
		t.Fatalf("Get not unblocked")
	}
}

func TestNames(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	q, err := e.mq.Create("rx")
	require.NoError(t, err)
	_, err = e.mq.Create("rx")
	assert.ErrorIs(t, err, nameserver.ErrAlreadyExists)

	id, err := e.mq.Open(context.Background(), "rx")
	require.NoError(t, err)
	assert.Equal(t, q.ID(), id)
	_, err = e.mq.Open(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, nameserver.ErrNotFound)

	require.NoError(t, e.mq.Delete(q))
	assert.ErrorIs(t, e.mq.Delete(q), messageq.ErrNotFound)
	_, err = e.mq.Open(context.Background(), "rx", 0)
	assert.ErrorIs(t, err, nameserver.ErrNotFound)

	// the index is reused
	again, err := e.mq.Create("rx")
	require.NoError(t, err)
	assert.Equal(t, q.ID(), again.ID())
}

func TestDeleteFreesQueued(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	q, err := e.mq.Create("q")
	require.NoError(t, err)
	for range 3 {
		msg, err := e.mq.Alloc(heapID, 64)
		require.NoError(t, err)
		require.NoError(t, e.mq.Put(q.ID(), msg))
	}
	assert.Equal(t, uint32(numBlocks-3), e.heap.Stats().NumFree)
	require.NoError(t, e.mq.Delete(q))
	assert.Equal(t, uint32(numBlocks), e.heap.Stats().NumFree)

	msg, err := e.mq.Alloc(heapID, 64)
	require.NoError(t, err)
	assert.ErrorIs(t, e.mq.Put(q.ID(), msg), messageq.ErrNotFound)
}

func TestAllocValidation(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	_, err := e.mq.Alloc(heapID, messageq.HeaderSize-1)
	assert.ErrorIs(t, err, messageq.ErrInvalidArg)
	_, err = e.mq.Alloc(heapID+1, 64)
	assert.ErrorIs(t, err, messageq.ErrNotFound)
	_, err = e.mq.Alloc(heapID, blockSize+1)
	assert.ErrorIs(t, err, heapbuf.ErrInvalidArg)
	for range numBlocks {
		_, err := e.mq.Alloc(heapID, 64)
		require.NoError(t, err)
	}
	_, err = e.mq.Alloc(heapID, 64)
	assert.ErrorIs(t, err, heapbuf.ErrMemory)

	assert.ErrorIs(t, e.mq.RegisterHeap(e.heap), messageq.ErrAlreadyExists)
	require.NoError(t, e.mq.UnregisterHeap(heapID))
	assert.ErrorIs(t, e.mq.UnregisterHeap(heapID), messageq.ErrNotFound)
}

func TestLocalQueueFull(t *testing.T) {
	e := newEnv(t, messageq.Config{QueueCapacity: 2})
	q, err := e.mq.Create("q")
	require.NoError(t, err)
	var err2 error
	for range numBlocks {
		msg, err := e.mq.Alloc(heapID, 64)
		require.NoError(t, err)
		if err2 = e.mq.Put(q.ID(), msg); err2 != nil {
			break
		}
	}
	assert.ErrorIs(t, err2, messageq.ErrFull)
	assert.GreaterOrEqual(t, q.Count(), 2)
}

// fakeTransport rejects the first few puts as full.
type fakeTransport struct {
	mu     sync.Mutex
	full   int
	puts   []sharedregion.SRPtr
	always bool
}

func (f *fakeTransport) Put(p sharedregion.SRPtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always || f.full > 0 {
		f.full--
		return transport.ErrFull
	}
	f.puts = append(f.puts, p)
	return nil
}

func TestRemoteRouting(t *testing.T) {
	e := newEnv(t, messageq.Config{})
	dst := messageq.MakeQueueID(1, 3)
	assert.Equal(t, multiproc.ID(1), dst.Proc())
	assert.Equal(t, uint16(3), dst.Index())

	msg, err := e.mq.Alloc(heapID, 64)
	require.NoError(t, err)
	assert.ErrorIs(t, e.mq.Put(dst, msg), messageq.ErrNotFound, "no transport")
	assert.ErrorIs(t, e.mq.Put(messageq.InvalidQueueID, msg), messageq.ErrInvalidArg)

	ft := &fakeTransport{full: 3}
	assert.ErrorIs(t, e.mq.RegisterTransport(0, ft), messageq.ErrInvalidArg, "self")
	assert.ErrorIs(t, e.mq.RegisterTransport(9, ft), messageq.ErrInvalidArg)
	require.NoError(t, e.mq.RegisterTransport(1, ft))
	assert.ErrorIs(t, e.mq.RegisterTransport(1, ft), messageq.ErrAlreadyExists)

	err = e.mq.Put(dst, msg)
	assert.ErrorIs(t, err, transport.ErrFull)
	assert.True(t, errors.Is(err, iox.ErrWouldBlock))

	require.NoError(t, e.mq.PutWait(context.Background(), dst, msg))
	ft.mu.Lock()
	assert.Equal(t, []sharedregion.SRPtr{msg.SRPtr()}, ft.puts)
	ft.mu.Unlock()
	assert.Equal(t, dst, msg.DstQueue())

	ft.mu.Lock()
	ft.always = true
	ft.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.mq.PutWait(ctx, dst, msg), messageq.ErrTimeout)

	require.NoError(t, e.mq.UnregisterTransport(1))
	assert.ErrorIs(t, e.mq.UnregisterTransport(1), messageq.ErrNotFound)
}

// A message for a queue that does not exist is dropped and freed.
func TestDeliverUnknownQueue(t *testing.T) {
	var mu sync.Mutex
	var dropped, delivered int
	e := newEnv(t, messageq.Config{Hooks: messageq.Hooks{
		Delivered: func(multiproc.ID) { mu.Lock(); delivered++; mu.Unlock() },
		Dropped:   func(multiproc.ID) { mu.Lock(); dropped++; mu.Unlock() },
	}})
	q, err := e.mq.Create("q")
	require.NoError(t, err)

	msg, err := e.mq.Alloc(heapID, 64)
	require.NoError(t, err)
	require.NoError(t, e.mq.Put(q.ID(), msg))
	got, err := q.GetTimeout(time.Second)
	require.NoError(t, err)

	// a peer hands the same message back
	e.mq.Deliver(1, got.SRPtr())
	_, err = q.GetTimeout(time.Second)
	require.NoError(t, err, "redelivered to its destination")

	msg, err = e.mq.Alloc(heapID, 64)
	require.NoError(t, err)
	require.NoError(t, e.mq.Put(q.ID(), msg))
	held, err := q.GetTimeout(time.Second)
	require.NoError(t, err)
	require.NoError(t, e.mq.Delete(q))
	e.mq.Deliver(1, held.SRPtr())
	e.mq.Deliver(1, sharedregion.InvalidSRPtr)

	mu.Lock()
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 2, dropped)
	mu.Unlock()
	assert.Equal(t, uint32(numBlocks-1), e.heap.Stats().NumFree, "only the first message is still held")
}

func TestNewValidation(t *testing.T) {
	_, err := messageq.New(messageq.Config{})
	assert.ErrorIs(t, err, messageq.ErrInvalidArg)
}
