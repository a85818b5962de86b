// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ipc wires the per-processor IPC stack from a platform Config:
// region table, notify drivers, transports, the remote NameServer
// drivers, message heaps and MessageQ.
//
// A Context is one processor's view. Attach brings up everything shared
// with one peer; the processor with the lower id creates the pair's
// shared structures and the other opens them.
package ipc

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"code.hybscloud.com/ipc/heapbuf"
	"code.hybscloud.com/ipc/messageq"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/notify"
	"code.hybscloud.com/ipc/nsremote"
	"code.hybscloud.com/ipc/sharedregion"
	"code.hybscloud.com/ipc/shmem"
	"code.hybscloud.com/ipc/status"
	"code.hybscloud.com/ipc/transport"
)

const sampleInterval = time.Second

type options struct {
	log  *zap.Logger
	reg  prometheus.Registerer
	intr notify.Interrupt
	segs map[uint16]*shmem.Segment
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from Config.Log.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithRegisterer registers the Context's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.reg = reg } }

// WithInterrupt sets the interrupt controller shared with the peers.
// Without it a private Mailbox is used and delivery relies on polling.
func WithInterrupt(i notify.Interrupt) Option { return func(o *options) { o.intr = i } }

// WithSegment backs region with seg instead of mapping or allocating it.
func WithSegment(region uint16, seg *shmem.Segment) Option {
	return func(o *options) { o.segs[region] = seg }
}

type peer struct {
	tr    *transport.Transport
	ns    *nsremote.Driver
	heaps []*heapbuf.Heap
}

// Context is the IPC stack of one processor.
type Context struct {
	cfg     Config
	log     *zap.Logger
	procs   *multiproc.Table
	regions *sharedregion.Table
	layout  Layout
	ipcSeg  *shmem.Segment
	owned   []*shmem.Segment
	metrics *Metrics

	ntf       *notify.Notify
	ns        *nameserver.Module
	mq        *messageq.Module
	heapNames *nameserver.Instance

	mu      sync.Mutex
	heaps   map[string]*heapbuf.Heap
	peers   map[multiproc.ID]*peer
	pending map[multiproc.ID]bool
	attach  sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	created []*heapbuf.Heap
}

func regionSlots(c *Config) int {
	n := 1
	for _, r := range c.Regions {
		for n <= int(r.Index) {
			n <<= 1
		}
	}
	return n
}

// New builds the stack for cfg.Local. Heaps owned by the local processor
// are created and registered; peers are brought up with Attach.
func New(cfg *Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		return nil, ErrInvalidArg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{segs: make(map[uint16]*shmem.Segment)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.log = l
	}

	c := &Context{
		cfg:    *cfg,
		log:    o.log.With(zap.String("proc", cfg.Local)),
		layout: NewLayout(cfg),
		heaps:   make(map[string]*heapbuf.Heap),
		peers:   make(map[multiproc.ID]*peer),
		pending: make(map[multiproc.ID]bool),
	}
	var err error
	if c.procs, err = multiproc.New(cfg.Processors); err != nil {
		return nil, err
	}
	if err = c.procs.SetLocalID(c.procs.ID(cfg.Local)); err != nil {
		return nil, err
	}
	self := c.procs.Self()
	if err = c.initRegions(o.segs); err != nil {
		c.release()
		return nil, err
	}

	if o.intr == nil {
		o.intr = notify.NewMailbox(len(cfg.Processors))
	}
	c.metrics = NewMetrics(o.reg, c.procs)
	if c.ntf, err = notify.New(notify.Params{
		Self:         self,
		Interrupt:    o.intr,
		NumEvents:    cfg.Notify.NumEvents,
		PollInterval: cfg.Notify.PollInterval,
		Logger:       c.log,
	}); err != nil {
		c.release()
		return nil, err
	}
	if c.ns, err = nameserver.New(nameserver.Config{
		Procs:    c.procs,
		Timeout:  cfg.NameServer.Timeout,
		Observer: c.metrics.observeLookup(),
		Logger:   c.log,
	}); err != nil {
		c.release()
		return nil, err
	}
	if c.mq, err = messageq.New(messageq.Config{
		Procs:         c.procs,
		Regions:       c.regions,
		NameServer:    c.ns,
		MaxQueues:     cfg.MessageQ.MaxQueues,
		QueueCapacity: cfg.MessageQ.QueueCapacity,
		Hooks:         c.metrics.messageqHooks(),
		Logger:        c.log,
	}); err != nil {
		c.release()
		return nil, err
	}
	if c.heapNames, err = c.ns.Create(heapbuf.InstanceName, nameserver.Params{
		CheckExisting: true,
		MaxValueLen:   cfg.NameServer.MaxValueLen,
	}); err != nil {
		c.release()
		return nil, err
	}
	for _, hc := range cfg.Heaps {
		if hc.Owner != cfg.Local {
			continue
		}
		h, err := heapbuf.Create(heapbuf.Params{
			Name:      hc.Name,
			ID:        hc.ID,
			Regions:   c.regions,
			Region:    hc.Region,
			Offset:    hc.Offset,
			BlockSize: hc.BlockSize,
			NumBlocks: hc.NumBlocks,
			Proc:      self,
			Logger:    c.log,
			Registry:  c.heapNames,
			SpinWarn:  cfg.Gate.SpinWarn,
		})
		if err != nil {
			c.release()
			return nil, err
		}
		c.created = append(c.created, h)
		c.heaps[hc.Name] = h
		if err := c.mq.RegisterHeap(h); err != nil {
			c.release()
			return nil, err
		}
	}
	c.log.Info("ipc context ready",
		zap.Uint16("id", self),
		zap.Int("processors", len(cfg.Processors)),
		zap.Int("heaps", len(c.created)))
	return c, nil
}

func (c *Context) initRegions(segs map[uint16]*shmem.Segment) error {
	var err error
	if c.regions, err = sharedregion.New(regionSlots(&c.cfg)); err != nil {
		return err
	}
	for _, r := range c.cfg.Regions {
		seg := segs[r.Index]
		switch {
		case seg != nil:
		case r.Path != "":
			if seg, err = shmem.Map(r.Path, int(shmem.Align(r.Len, shmem.CacheLine))); err != nil {
				return err
			}
			c.owned = append(c.owned, seg)
		default:
			seg = shmem.New(int(r.Len))
			c.owned = append(c.owned, seg)
		}
		base := uintptr(r.Base)
		if base == 0 {
			base = seg.Addr()
		}
		owner := multiproc.InvalidID
		if r.Owner != "" {
			owner = c.procs.ID(r.Owner)
		}
		if err := c.regions.Add(r.Index, sharedregion.Entry{
			Base: base, Len: r.Len, Owner: owner, Name: r.Name, Segment: seg,
		}); err != nil {
			return err
		}
		if r.Index == 0 {
			c.ipcSeg = seg
		}
	}
	return nil
}

// Start runs notify delivery and the metrics sampler until ctx is done
// or Close. Attach requires a started Context.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.runCtx != nil {
		return ErrInvalidState
	}
	if err := c.ntf.Start(ctx); err != nil {
		return err
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.sample(c.runCtx, c.done)
	return nil
}

func (c *Context) sample(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(sampleInterval)
	defer t.Stop()
	for {
		c.SampleHeaps()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// SampleHeaps refreshes the free-block gauge of every joined heap.
func (c *Context) SampleHeaps() {
	c.mu.Lock()
	heaps := make(map[string]*heapbuf.Heap, len(c.heaps))
	maps.Copy(heaps, c.heaps)
	c.mu.Unlock()
	for name, h := range heaps {
		c.metrics.HeapFree.WithLabelValues(name).Set(float64(h.Stats().NumFree))
	}
}

func retriable(err error) bool {
	switch status.CodeOf(err) {
	case status.NotFound, status.Down, status.NotRegistered, status.Timeout:
		return true
	}
	return false
}

// retry calls fn until it succeeds, fails with a non-retriable error or
// ctx is done.
func retry(ctx context.Context, fn func() error) error {
	var b iox.Backoff
	for {
		err := fn()
		if err == nil || !retriable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		b.Wait()
	}
}

// Attach brings up the notify driver, transport and remote NameServer
// driver shared with remote, then joins the heaps remote owns. It waits
// for remote to create its side as long as ctx allows; Close cancels the
// wait. Other calls on the Context proceed meanwhile.
func (c *Context) Attach(ctx context.Context, remote multiproc.ID) (err error) {
	self := c.procs.Self()
	blk, ok := c.layout.Pair(self, remote)
	if !ok {
		return ErrInvalidArg
	}
	c.mu.Lock()
	switch {
	case c.closed || c.runCtx == nil:
		c.mu.Unlock()
		return ErrInvalidState
	case c.peers[remote] != nil || c.pending[remote]:
		c.mu.Unlock()
		return ErrAlreadyExists
	}
	c.pending[remote] = true
	c.attach.Add(1)
	runCtx := c.runCtx
	c.mu.Unlock()
	defer c.attach.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(runCtx, cancel)()

	log := c.log.With(zap.String("remote", c.procs.Name(remote)))
	p := &peer{}
	err = c.bringUp(ctx, runCtx, remote, blk, p, log)
	c.mu.Lock()
	delete(c.pending, remote)
	if err == nil && c.closed {
		err = ErrInvalidState
	}
	if err == nil {
		c.peers[remote] = p
		for _, h := range p.heaps {
			c.heaps[h.Name()] = h
		}
	}
	c.mu.Unlock()
	if err != nil {
		return errors.Join(err, c.teardown(remote, p))
	}
	log.Info("peer attached", zap.Stringer("transport", p.tr.State()), zap.Int("heaps", len(p.heaps)))
	return nil
}

// bringUp builds the pair's structures into p without holding c.mu.
func (c *Context) bringUp(ctx, runCtx context.Context, remote multiproc.ID, blk PairBlock, p *peer, log *zap.Logger) error {
	self := c.procs.Self()
	if err := c.ntf.Attach(remote, c.ipcSeg, blk.Notify); err != nil {
		return err
	}
	tp := transport.Params{
		Self:       self,
		Remote:     remote,
		Segment:    c.ipcSeg,
		Offset:     blk.Transport,
		Regions:    c.regions,
		Notify:     c.ntf,
		EventNo:    notify.EventNo(c.cfg.Transport.EventNo),
		Slots:      c.cfg.Transport.Slots,
		MaxMsgSize: c.cfg.Transport.MaxMsgSize,
		WaitClear:  c.cfg.Transport.WaitClear,
		Receiver:   c.mq,
		Hooks:      c.metrics.transportHooks(),
		SpinWarn:   c.cfg.Gate.SpinWarn,
		Logger:     log,
	}
	var err error
	if self < remote {
		p.tr, err = transport.Create(tp)
	} else {
		err = retry(ctx, func() (err error) {
			p.tr, err = transport.Open(tp)
			return err
		})
	}
	if err != nil {
		return err
	}

	if p.ns, err = nsremote.New(nsremote.Params{
		Self:        self,
		Remote:      remote,
		Segment:     c.ipcSeg,
		Offset:      blk.NameServer,
		Notify:      c.ntf,
		EventNo:     notify.EventNo(c.cfg.NameServer.EventNo),
		NameServer:  c.ns,
		MaxValueLen: c.cfg.NameServer.MaxValueLen,
		Logger:      log,
	}); err != nil {
		return err
	}
	if err = p.ns.Start(runCtx); err != nil {
		return err
	}
	if err = c.ns.RegisterRemoteDriver(remote, p.ns); err != nil {
		return err
	}
	if err = c.mq.RegisterTransport(remote, p.tr); err != nil {
		return err
	}

	for _, hc := range c.cfg.Heaps {
		if c.procs.ID(hc.Owner) != remote {
			continue
		}
		var h *heapbuf.Heap
		err = retry(ctx, func() (err error) {
			h, err = heapbuf.Open(ctx, heapbuf.OpenParams{
				Name:     hc.Name,
				Regions:  c.regions,
				Registry: c.heapNames,
				ProcIDs:  []multiproc.ID{remote},
				Proc:     self,
				SpinWarn: c.cfg.Gate.SpinWarn,
				Logger:   log,
			})
			return err
		})
		if err != nil {
			return err
		}
		p.heaps = append(p.heaps, h)
		if err = c.mq.RegisterHeap(h); err != nil {
			return err
		}
	}
	return nil
}

// Detach tears down everything shared with remote. Messages in flight to
// or from remote are lost.
func (c *Context) Detach(remote multiproc.ID) error {
	c.mu.Lock()
	p, ok := c.peers[remote]
	if ok {
		c.unpublish(remote, p)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	err := c.teardown(remote, p)
	c.log.Info("peer detached", zap.String("remote", c.procs.Name(remote)), zap.Error(err))
	return err
}

// unpublish removes p from the Context's tables. c.mu is held.
func (c *Context) unpublish(remote multiproc.ID, p *peer) {
	delete(c.peers, remote)
	for _, h := range p.heaps {
		delete(c.heaps, h.Name())
	}
}

// teardown unwinds what Attach built for remote.
func (c *Context) teardown(remote multiproc.ID, p *peer) error {
	var errs []error
	ignore := func(err error) {
		if err != nil && status.CodeOf(err) != status.NotFound {
			errs = append(errs, err)
		}
	}
	for _, h := range p.heaps {
		ignore(c.mq.UnregisterHeap(h.ID()))
		errs = append(errs, h.Close())
	}
	ignore(c.mq.UnregisterTransport(remote))
	ignore(c.ns.UnregisterRemoteDriver(remote))
	if p.ns != nil {
		errs = append(errs, p.ns.Close())
	}
	if p.tr != nil {
		errs = append(errs, p.tr.Delete())
	}
	ignore(c.ntf.Detach(remote))
	return errors.Join(errs...)
}

// Close detaches every peer, destroys the heaps this processor created
// and stops delivery. Attach calls in progress are cancelled. Local
// message queues must be deleted first.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peers := maps.Clone(c.peers)
	for remote, p := range peers {
		c.unpublish(remote, p)
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	c.attach.Wait()

	var errs []error
	for remote, p := range peers {
		errs = append(errs, c.teardown(remote, p))
	}
	errs = append(errs, c.release())
	return errors.Join(errs...)
}

// release frees what New built, in reverse order.
func (c *Context) release() error {
	var errs []error
	for _, h := range c.created {
		if c.mq != nil {
			_ = c.mq.UnregisterHeap(h.ID())
		}
		delete(c.heaps, h.Name())
		errs = append(errs, h.Close())
	}
	c.created = nil
	if c.heapNames != nil {
		errs = append(errs, c.ns.Delete(c.heapNames))
		c.heapNames = nil
	}
	if c.mq != nil {
		errs = append(errs, c.mq.Close())
		c.mq = nil
	}
	if c.ntf != nil {
		errs = append(errs, c.ntf.Close())
	}
	for _, seg := range c.owned {
		errs = append(errs, seg.Close())
	}
	c.owned = nil
	return errors.Join(errs...)
}

// Self returns the local processor id.
func (c *Context) Self() multiproc.ID { return c.procs.Self() }

// ID returns the id of the processor called name, or multiproc.InvalidID.
func (c *Context) ID(name string) multiproc.ID { return c.procs.ID(name) }

func (c *Context) Config() Config { return c.cfg }

func (c *Context) Procs() *multiproc.Table { return c.procs }

func (c *Context) Regions() *sharedregion.Table { return c.regions }

func (c *Context) Layout() Layout { return c.layout }

func (c *Context) Notify() *notify.Notify { return c.ntf }

func (c *Context) NameServer() *nameserver.Module { return c.ns }

func (c *Context) MessageQ() *messageq.Module { return c.mq }

func (c *Context) Metrics() *Metrics { return c.metrics }

func (c *Context) Logger() *zap.Logger { return c.log }

// Segment returns the segment backing region, or nil.
func (c *Context) Segment(region uint16) *shmem.Segment {
	e, err := c.regions.Entry(region)
	if err != nil {
		return nil
	}
	return e.Segment
}

// Heap returns a created or joined heap by name.
func (c *Context) Heap(name string) (*heapbuf.Heap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.heaps[name]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Transport returns the transport to remote.
func (c *Context) Transport(remote multiproc.ID) (*transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[remote]
	if !ok {
		return nil, ErrNotFound
	}
	return p.tr, nil
}

// Peers returns the attached processors.
func (c *Context) Peers() []multiproc.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]multiproc.ID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}
