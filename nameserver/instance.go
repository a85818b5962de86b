// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nameserver

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"code.hybscloud.com/ipc/gate"
	"code.hybscloud.com/ipc/multiproc"
	"code.hybscloud.com/ipc/status"
)

// Entry is one name/value pair of a local table.
type Entry struct {
	name  string
	value []byte
	inst  *Instance
}

// Name returns the entry name.
func (e *Entry) Name() string { return e.name }

// Value returns a copy of the entry value.
func (e *Entry) Value() []byte { return append([]byte(nil), e.value...) }

// Instance is the local table of one namespace.
type Instance struct {
	m       *Module
	name    string
	params  Params
	g       gate.Gate
	entries map[string]*Entry
	refs    int
}

// Name returns the instance name.
func (i *Instance) Name() string { return i.name }

// Params returns the instance parameters with defaults applied.
func (i *Instance) Params() Params { return i.params }

// Len returns the number of local entries.
func (i *Instance) Len() int {
	k := i.g.Enter()
	defer i.g.Leave(k)
	return len(i.entries)
}

// Add inserts a uniquely named entry holding a copy of value.
func (i *Instance) Add(name string, value []byte) (*Entry, error) {
	if name == "" || len(name) > i.params.MaxNameLen || len(value) > i.params.MaxValueLen {
		return nil, ErrInvalidArg
	}
	k := i.g.Enter()
	defer i.g.Leave(k)
	if _, ok := i.entries[name]; ok {
		return nil, ErrAlreadyExists
	}
	if i.params.MaxRuntimeEntries > 0 && len(i.entries) >= i.params.MaxRuntimeEntries {
		return nil, ErrFull
	}
	e := &Entry{name: name, value: append([]byte(nil), value...), inst: i}
	i.entries[name] = e
	return e, nil
}

// AddUInt32 inserts a 4-byte little endian value.
func (i *Instance) AddUInt32(name string, value uint32) (*Entry, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return i.Add(name, b[:])
}

// GetLocal copies the local value of name into buf and returns its length.
func (i *Instance) GetLocal(name string, buf []byte) (int, error) {
	k := i.g.Enter()
	defer i.g.Leave(k)
	e, ok := i.entries[name]
	if !ok {
		return 0, ErrNotFound
	}
	if len(buf) < len(e.value) {
		return 0, ErrInvalidArg
	}
	return copy(buf, e.value), nil
}

// GetLocalUInt32 reads a local 4-byte value.
func (i *Instance) GetLocalUInt32(name string) (uint32, error) {
	var b [4]byte
	n, err := i.GetLocal(name, b[:])
	if err != nil {
		return 0, err
	}
	return decodeUInt32(b[:n]), nil
}

func decodeUInt32(b []byte) uint32 {
	var w [4]byte
	copy(w[:], b)
	return binary.LittleEndian.Uint32(w[:])
}

// Match finds the longest local name that prefixes name and returns its
// value as uint32 together with the matched length.
func (i *Instance) Match(name string) (uint32, int, error) {
	k := i.g.Enter()
	defer i.g.Leave(k)
	var best *Entry
	for n, e := range i.entries {
		if strings.HasPrefix(name, n) && (best == nil || len(n) > len(best.name)) {
			best = e
		}
	}
	if best == nil {
		return 0, 0, ErrNotFound
	}
	return decodeUInt32(best.value), len(best.name), nil
}

// Remove deletes the entry named name.
func (i *Instance) Remove(name string) error {
	k := i.g.Enter()
	defer i.g.Leave(k)
	if _, ok := i.entries[name]; !ok {
		return ErrNotFound
	}
	delete(i.entries, name)
	return nil
}

// RemoveEntry deletes e, as returned by Add.
func (i *Instance) RemoveEntry(e *Entry) error {
	if e == nil || e.inst != i {
		return ErrInvalidArg
	}
	k := i.g.Enter()
	defer i.g.Leave(k)
	if i.entries[e.name] != e {
		return ErrNotFound
	}
	delete(i.entries, e.name)
	return nil
}

// lookupOrder returns procIDs, or the local processor followed by every
// other processor with a registered driver when procIDs is nil.
func (i *Instance) lookupOrder(procIDs []multiproc.ID) ([]multiproc.ID, bool) {
	if procIDs != nil {
		return procIDs, true
	}
	self := i.m.Self()
	order := []multiproc.ID{self}
	for p := range i.m.procs.NumProcessors() {
		if p != self && i.m.remote(p) != nil {
			order = append(order, p)
		}
	}
	return order, false
}

// Get looks name up on each processor in procIDs in order and copies the
// first value found into buf. A nil procIDs asks the local processor first
// and then every attached remote. When no processor has the name the result
// is ErrNotFound, unless some processor could not be asked: then it is
// ErrTimeout or ErrDown.
func (i *Instance) Get(ctx context.Context, name string, buf []byte, procIDs []multiproc.ID) (int, error) {
	if name == "" || len(name) > i.params.MaxNameLen {
		return 0, ErrInvalidArg
	}
	order, explicit := i.lookupOrder(procIDs)
	var timedOut, down bool
	for _, p := range order {
		if p == i.m.Self() {
			n, err := i.GetLocal(name, buf)
			if !errors.Is(err, ErrNotFound) {
				return n, err
			}
			continue
		}
		r := i.m.remote(p)
		if r == nil {
			if explicit {
				down = true
			}
			continue
		}
		n, err := i.m.askRemote(ctx, r, p, i.name, name, buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, status.NotFound):
		case errors.Is(err, status.Timeout):
			timedOut = true
		case errors.Is(err, status.InvalidArg):
			return 0, ErrInvalidArg
		default:
			down = true
		}
		if ctx.Err() != nil {
			break
		}
	}
	switch {
	case timedOut:
		return 0, ErrTimeout
	case down:
		return 0, ErrDown
	}
	return 0, ErrNotFound
}

// GetUInt32 is Get for 4-byte values.
func (i *Instance) GetUInt32(ctx context.Context, name string, procIDs []multiproc.ID) (uint32, error) {
	var b [4]byte
	n, err := i.Get(ctx, name, b[:], procIDs)
	if err != nil {
		return 0, err
	}
	return decodeUInt32(b[:n]), nil
}
