// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package messageq provides named, processor-addressable message queues.
//
// Messages live in shared heaps ([heapbuf]). Put routes by the destination
// queue id: a local queue receives the message directly, a remote one
// through the transport registered for its processor. Incoming messages
// arrive through [Module.Deliver] and wait in the destination queue until
// [Queue.Get] takes them.
//
// Queue names are published in the NameServer instance [InstanceName]
// with the queue id as value, so a peer opens a queue by name.
package messageq

import (
	"context"
	"errors"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/heapbuf"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/status"
)

// InstanceName is the NameServer instance queues are registered in.
const InstanceName = "MessageQ"

var (
	ErrInvalidArg    = status.New("messageq", status.InvalidArg)
	ErrNotFound      = status.New("messageq", status.NotFound)
	ErrAlreadyExists = status.New("messageq", status.AlreadyExists)
	ErrFull          = status.New("messageq", status.Full)
	ErrTimeout       = status.New("messageq", status.Timeout)
	ErrUnblocked     = status.New("messageq", status.Unblocked)
)

const (
	DefaultMaxQueues     = 64
	DefaultQueueCapacity = 256
)

// Transport sends messages to one remote processor.
type Transport interface {
	Put(msg sharedregion.SRPtr) error
}

// Hooks observe message flow. Any field may be nil.
type Hooks struct {
	Delivered func(src multiproc.ID)
	Dropped   func(src multiproc.ID)
}

// Config configures a Module.
type Config struct {
	Procs      *multiproc.Table
	Regions    *sharedregion.Table
	NameServer *nameserver.Module
	// MaxQueues bounds local queues; queue ids use indices below it.
	MaxQueues     int
	QueueCapacity int
	Hooks         Hooks
	Logger        *zap.Logger
}

// Module is the per-processor MessageQ state.
type Module struct {
	self    multiproc.ID
	procs   *multiproc.Table
	regions *sharedregion.Table
	names   *nameserver.Instance
	ns      *nameserver.Module
	qcap    int
	hooks   Hooks
	log     *zap.Logger
	seq     atomix.Uint32

	mu         sync.RWMutex
	queues     []*Queue
	heaps      map[uint16]*heapbuf.Heap
	transports map[multiproc.ID]Transport
}

// New creates the module and its NameServer instance.
func New(cfg Config) (*Module, error) {
	if cfg.Procs == nil || cfg.Regions == nil || cfg.NameServer == nil {
		return nil, ErrInvalidArg
	}
	self := cfg.Procs.Self()
	if !cfg.Procs.Valid(self) {
		return nil, ErrInvalidArg
	}
	if cfg.MaxQueues <= 0 {
		cfg.MaxQueues = DefaultMaxQueues
	}
	if cfg.MaxQueues > 1<<16-1 {
		return nil, ErrInvalidArg
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	cfg.QueueCapacity = max(cfg.QueueCapacity, 2)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	names, err := cfg.NameServer.Create(InstanceName, nameserver.Params{CheckExisting: true})
	if err != nil {
		return nil, err
	}
	return &Module{
		self:       self,
		procs:      cfg.Procs,
		regions:    cfg.Regions,
		names:      names,
		ns:         cfg.NameServer,
		qcap:       cfg.QueueCapacity,
		hooks:      cfg.Hooks,
		log:        cfg.Logger.With(zap.String("component", "messageq")),
		queues:     make([]*Queue, cfg.MaxQueues),
		heaps:      make(map[uint16]*heapbuf.Heap),
		transports: make(map[multiproc.ID]Transport),
	}, nil
}

// Close releases the NameServer instance. Queues must be deleted first.
func (m *Module) Close() error {
	return m.ns.Delete(m.names)
}

// Create makes a local queue. A non-empty name is published for Open.
func (m *Module) Create(name string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := -1
	for i, q := range m.queues {
		if q == nil {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, ErrFull
	}
	q := newQueue(m, name, MakeQueueID(m.self, uint16(index)), m.qcap)
	if name != "" {
		e, err := m.names.AddUInt32(name, uint32(q.id))
		if err != nil {
			return nil, err
		}
		q.entry = e
	}
	m.queues[index] = q
	m.log.Debug("queue created", zap.String("queue", name), zap.Uint32("id", uint32(q.id)))
	return q, nil
}

// Open resolves a queue name, asking remote processors as needed. procIDs
// restricts the lookup as for nameserver.Instance.Get.
func (m *Module) Open(ctx context.Context, name string, procIDs ...multiproc.ID) (QueueID, error) {
	v, err := m.names.GetUInt32(ctx, name, procIDs)
	if err != nil {
		return InvalidQueueID, err
	}
	return QueueID(v), nil
}

// Delete removes q, unpublishes its name and frees messages still queued.
func (m *Module) Delete(q *Queue) error {
	m.mu.Lock()
	i := int(q.id.Index())
	if i >= len(m.queues) || m.queues[i] != q {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.queues[i] = nil
	m.mu.Unlock()

	q.closed.StoreRelease(1)
	q.Unblock()
	if q.entry != nil {
		if err := m.names.RemoveEntry(q.entry); err != nil {
			m.log.Warn("queue name not removed", zap.String("queue", q.name), zap.Error(err))
		}
	}
	q.getMu.Lock()
	defer q.getMu.Unlock()
	for {
		p, err := q.dequeue()
		if err != nil {
			break
		}
		if msg, err := m.msg(p); err == nil {
			_ = m.Free(msg)
		}
	}
	return nil
}

// RegisterHeap makes h available to Alloc and Free under its id.
func (m *Module) RegisterHeap(h *heapbuf.Heap) error {
	if h == nil {
		return ErrInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heaps[h.ID()]; ok {
		return ErrAlreadyExists
	}
	m.heaps[h.ID()] = h
	return nil
}

// UnregisterHeap removes the heap registered under id.
func (m *Module) UnregisterHeap(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heaps[id]; !ok {
		return ErrNotFound
	}
	delete(m.heaps, id)
	return nil
}

func (m *Module) heap(id uint16) *heapbuf.Heap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heaps[id]
}

// RegisterTransport routes messages for proc through t.
func (m *Module) RegisterTransport(proc multiproc.ID, t Transport) error {
	if t == nil || proc == m.self || !m.procs.Valid(proc) {
		return ErrInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transports[proc]; ok {
		return ErrAlreadyExists
	}
	m.transports[proc] = t
	return nil
}

// UnregisterTransport stops routing to proc.
func (m *Module) UnregisterTransport(proc multiproc.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transports[proc]; !ok {
		return ErrNotFound
	}
	delete(m.transports, proc)
	return nil
}

// Alloc takes a message of size bytes, header included, from heap heapID.
func (m *Module) Alloc(heapID uint16, size uint32) (*Msg, error) {
	if size < HeaderSize {
		return nil, ErrInvalidArg
	}
	h := m.heap(heapID)
	if h == nil {
		return nil, ErrNotFound
	}
	p, err := h.Alloc(size)
	if err != nil {
		return nil, err
	}
	msg, err := m.msg(p)
	if err != nil {
		_ = h.Free(p)
		return nil, err
	}
	msg.init(size, heapID)
	return msg, nil
}

// Free returns msg to the heap it was allocated from.
func (m *Module) Free(msg *Msg) error {
	h := m.heap(msg.HeapID())
	if h == nil {
		return ErrNotFound
	}
	return h.Free(msg.ptr)
}

func (m *Module) msg(p sharedregion.SRPtr) (*Msg, error) {
	seg, off, err := m.regions.Resolve(p)
	if err != nil {
		return nil, err
	}
	if !seg.Contains(off, HeaderSize) {
		return nil, ErrInvalidArg
	}
	return &Msg{ptr: p, seg: seg, off: off}, nil
}

// Put sends msg to queue dst. Ownership of msg passes to the receiver on
// success. A full remote ring reports an error matching ErrFull and
// iox.ErrWouldBlock; the caller keeps msg and may retry.
func (m *Module) Put(dst QueueID, msg *Msg) error {
	if msg == nil || dst == InvalidQueueID {
		return ErrInvalidArg
	}
	msg.putU32(hdrDstQueue, uint32(dst))
	msg.putU16(hdrSeqNum, uint16(m.seq.Add(1)))
	msg.writeback()
	proc := dst.Proc()
	if proc == m.self {
		return m.enqueue(m.self, dst, msg.ptr)
	}
	m.mu.RLock()
	t := m.transports[proc]
	m.mu.RUnlock()
	if t == nil {
		return ErrNotFound
	}
	return t.Put(msg.ptr)
}

// PutWait is Put that backs off and retries while the ring is full. A
// deadline on ctx ends it with ErrTimeout.
func (m *Module) PutWait(ctx context.Context, dst QueueID, msg *Msg) error {
	var backoff iox.Backoff
	for {
		err := m.Put(dst, msg)
		if !iox.IsWouldBlock(err) {
			return err
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		}
		backoff.Wait()
	}
}

// Deliver accepts a message from src. It implements transport.Receiver.
func (m *Module) Deliver(src multiproc.ID, p sharedregion.SRPtr) {
	msg, err := m.msg(p)
	if err != nil {
		m.log.Warn("undeliverable message", zap.Uint16("src", src), zap.Uint32("srptr", uint32(p)), zap.Error(err))
		m.drop(src)
		return
	}
	msg.invalidate()
	if err := m.enqueue(src, msg.DstQueue(), p); err != nil {
		m.log.Warn("message dropped", zap.Uint16("src", src), zap.Uint32("dst", uint32(msg.DstQueue())), zap.Error(err))
		if ferr := m.Free(msg); ferr != nil {
			m.log.Debug("dropped message not freed", zap.Error(ferr))
		}
		m.drop(src)
	}
}

func (m *Module) drop(src multiproc.ID) {
	if m.hooks.Dropped != nil {
		m.hooks.Dropped(src)
	}
}

func (m *Module) enqueue(src multiproc.ID, dst QueueID, p sharedregion.SRPtr) error {
	if dst.Proc() != m.self {
		return ErrInvalidArg
	}
	m.mu.RLock()
	var q *Queue
	if i := int(dst.Index()); i < len(m.queues) {
		q = m.queues[i]
	}
	m.mu.RUnlock()
	if q == nil {
		return ErrNotFound
	}
	if err := q.enqueue(p); err != nil {
		return err
	}
	if m.hooks.Delivered != nil {
		m.hooks.Delivered(src)
	}
	return nil
}

// Get waits for the next message on q. ctx bounds the wait; a deadline
// ends it with ErrTimeout.
func (q *Queue) Get(ctx context.Context) (*Msg, error) {
	q.getMu.Lock()
	defer q.getMu.Unlock()
	for {
		p, err := q.dequeue()
		if err == nil {
			msg, err := q.m.msg(p)
			if err != nil {
				return nil, err
			}
			msg.invalidate()
			return msg, nil
		}
		if q.closed.LoadAcquire() != 0 {
			return nil, ErrNotFound
		}
		select {
		case <-q.wake:
		case <-q.unblock:
			return nil, ErrUnblocked
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// GetTimeout is Get bounded by d.
func (q *Queue) GetTimeout(d time.Duration) (*Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Get(ctx)
}
