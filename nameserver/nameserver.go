// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nameserver is a name to value registry spanning processors.
//
// Each processor keeps local tables, one per instance (namespace). Entries
// are unique by name within an instance: the first writer wins and there
// is no update in place. A lookup with [Instance.Get] tries a list of
// processors in order, reading the local table directly and asking remote
// processors through a registered [Remote] driver. Remote round trips run
// outside the local table lock and are bounded by a timeout, so a missing
// peer reports [ErrTimeout] or [ErrDown] rather than [ErrNotFound].
package nameserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"code.hybscloud.com/ipc/gate"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/status"
)

var (
	ErrInvalidArg    = status.New("nameserver", status.InvalidArg)
	ErrNotFound      = status.New("nameserver", status.NotFound)
	ErrAlreadyExists = status.New("nameserver", status.AlreadyExists)
	ErrFull          = status.New("nameserver", status.Full)
	ErrTimeout       = status.New("nameserver", status.Timeout)
	ErrDown          = status.New("nameserver", status.Down)
)

const (
	// DefaultMaxNameLen bounds entry and instance names.
	DefaultMaxNameLen = 32
	// DefaultMaxValueLen fits one uint32 value.
	DefaultMaxValueLen = 4
	// DefaultTimeout bounds a remote lookup when the caller sets no deadline.
	DefaultTimeout = 100 * time.Millisecond
)

// Remote answers lookups in the tables of one remote processor.
// Get copies the value into buf and returns its length. It returns an
// error matching status.NotFound when the remote has no such entry, and
// status.Timeout or status.Down when the remote could not be asked.
type Remote interface {
	Get(ctx context.Context, instance, name string, buf []byte) (int, error)
}

// Observer is told about every remote lookup.
type Observer func(remote multiproc.ID, elapsed time.Duration, err error)

// Config configures a Module.
type Config struct {
	Procs *multiproc.Table
	// Timeout bounds remote lookups without a context deadline.
	Timeout  time.Duration
	Observer Observer
	Logger   *zap.Logger
}

// Module holds the local instances and remote drivers of one processor.
type Module struct {
	procs    *multiproc.Table
	timeout  time.Duration
	observer Observer
	log      *zap.Logger

	g         gate.Gate
	instances map[string]*Instance

	rmu     sync.RWMutex
	remotes map[multiproc.ID]Remote
}

// New returns a module for the local processor of cfg.Procs.
func New(cfg Config) (*Module, error) {
	if cfg.Procs == nil || cfg.Procs.Self() == multiproc.InvalidID {
		return nil, ErrInvalidArg
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Module{
		procs:     cfg.Procs,
		timeout:   cfg.Timeout,
		observer:  cfg.Observer,
		log:       cfg.Logger,
		g:         gate.NewMutex(),
		instances: make(map[string]*Instance),
		remotes:   make(map[multiproc.ID]Remote),
	}, nil
}

// Self returns the local processor id.
func (m *Module) Self() multiproc.ID { return m.procs.Self() }

// Params configures an instance.
type Params struct {
	// MaxRuntimeEntries bounds the table. Zero means unbounded.
	MaxRuntimeEntries int
	MaxNameLen        int
	MaxValueLen       int
	// CheckExisting makes Create return an existing instance of the same
	// name and parameters instead of failing with ErrAlreadyExists.
	CheckExisting bool
}

func (p Params) withDefaults() Params {
	if p.MaxNameLen == 0 {
		p.MaxNameLen = DefaultMaxNameLen
	}
	if p.MaxValueLen == 0 {
		p.MaxValueLen = DefaultMaxValueLen
	}
	return p
}

func (p Params) compatible(q Params) bool {
	return p.MaxRuntimeEntries == q.MaxRuntimeEntries &&
		p.MaxNameLen == q.MaxNameLen && p.MaxValueLen == q.MaxValueLen
}

// Create allocates the local table of an instance.
func (m *Module) Create(name string, params Params) (*Instance, error) {
	params = params.withDefaults()
	if name == "" || len(name) > DefaultMaxNameLen ||
		params.MaxRuntimeEntries < 0 || params.MaxNameLen < 0 || params.MaxValueLen < 0 {
		return nil, ErrInvalidArg
	}
	k := m.g.Enter()
	defer m.g.Leave(k)
	if inst, ok := m.instances[name]; ok {
		if params.CheckExisting && inst.params.compatible(params) {
			inst.refs++
			return inst, nil
		}
		return nil, ErrAlreadyExists
	}
	inst := &Instance{
		m:       m,
		name:    name,
		params:  params,
		g:       gate.NewMutex(),
		entries: make(map[string]*Entry),
		refs:    1,
	}
	m.instances[name] = inst
	m.log.Debug("nameserver instance created", zap.String("instance", name))
	return inst, nil
}

// Delete releases a reference to inst, freeing its table with the last one.
func (m *Module) Delete(inst *Instance) error {
	if inst == nil || inst.m != m {
		return ErrInvalidArg
	}
	k := m.g.Enter()
	defer m.g.Leave(k)
	if m.instances[inst.name] != inst {
		return ErrNotFound
	}
	inst.refs--
	if inst.refs > 0 {
		return nil
	}
	delete(m.instances, inst.name)
	ik := inst.g.Enter()
	clear(inst.entries)
	inst.g.Leave(ik)
	m.log.Debug("nameserver instance deleted", zap.String("instance", inst.name))
	return nil
}

// Handle returns the local instance named name.
func (m *Module) Handle(name string) (*Instance, error) {
	k := m.g.Enter()
	defer m.g.Leave(k)
	inst, ok := m.instances[name]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

// GetLocal reads name from the local table of instance. Remote drivers use
// it to answer requests; it never modifies the table.
func (m *Module) GetLocal(instance, name string, buf []byte) (int, error) {
	inst, err := m.Handle(instance)
	if err != nil {
		return 0, err
	}
	return inst.GetLocal(name, buf)
}

// RegisterRemoteDriver routes lookups for proc to r.
func (m *Module) RegisterRemoteDriver(proc multiproc.ID, r Remote) error {
	if r == nil || proc == m.Self() || !m.procs.Valid(proc) {
		return ErrInvalidArg
	}
	m.rmu.Lock()
	defer m.rmu.Unlock()
	if _, ok := m.remotes[proc]; ok {
		return ErrAlreadyExists
	}
	m.remotes[proc] = r
	return nil
}

// UnregisterRemoteDriver removes the driver for proc.
func (m *Module) UnregisterRemoteDriver(proc multiproc.ID) error {
	m.rmu.Lock()
	defer m.rmu.Unlock()
	if _, ok := m.remotes[proc]; !ok {
		return ErrNotFound
	}
	delete(m.remotes, proc)
	return nil
}

func (m *Module) remote(proc multiproc.ID) Remote {
	m.rmu.RLock()
	defer m.rmu.RUnlock()
	return m.remotes[proc]
}

// askRemote runs one bounded remote lookup.
func (m *Module) askRemote(ctx context.Context, r Remote, proc multiproc.ID, instance, name string, buf []byte) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := r.Get(ctx, instance, name, buf)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	if m.observer != nil {
		m.observer(proc, time.Since(start), err)
	}
	if err != nil && !errors.Is(err, status.NotFound) {
		m.log.Debug("nameserver remote lookup failed",
			zap.Uint16("remote", proc), zap.String("instance", instance),
			zap.String("name", name), zap.Error(err))
	}
	return n, err
}
