// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package multiproc maps processor names to small integer ids.
//
// The table is static: it is built once from the platform configuration and
// is read-only afterwards, except for the local id which is set exactly once
// before any other module is initialised.
package multiproc

import (
	"code.hybscloud.com/atomix"

	"code.hybscloud.com/ipc/status"
)

// ID identifies a processor.
type ID = uint16

// InvalidID is the sentinel for an unknown or unset processor.
const InvalidID ID = 0xFFFF

// MaxProcessors bounds the number of processors a table may describe.
const MaxProcessors = 254

var (
	ErrInvalidArg   = status.New("multiproc", status.InvalidArg)
	ErrInvalidState = status.New("multiproc", status.InvalidState)
)

// unset is stored in local before SetLocalID succeeds.
const unset = uint64(InvalidID)

// Table is the processor name table.
type Table struct {
	names []string
	ids   map[string]ID
	local atomix.Uint64
}

// New builds a table from names; the index of each name is its id.
func New(names []string) (*Table, error) {
	if len(names) == 0 || len(names) > MaxProcessors {
		return nil, ErrInvalidArg
	}
	t := &Table{
		names: make([]string, len(names)),
		ids:   make(map[string]ID, len(names)),
	}
	for i, n := range names {
		if n == "" {
			return nil, ErrInvalidArg
		}
		if _, dup := t.ids[n]; dup {
			return nil, ErrInvalidArg
		}
		t.names[i] = n
		t.ids[n] = ID(i)
	}
	t.local.StoreRelease(unset)
	return t, nil
}

// SetLocalID sets the id of the processor this process runs on.
// It succeeds exactly once.
func (t *Table) SetLocalID(id ID) error {
	if int(id) >= len(t.names) {
		return ErrInvalidArg
	}
	if !t.local.CompareAndSwapAcqRel(unset, uint64(id)) {
		return ErrInvalidState
	}
	return nil
}

// Self returns the local processor id, or InvalidID before SetLocalID.
func (t *Table) Self() ID {
	return ID(t.local.LoadAcquire())
}

// ID returns the id of name, or InvalidID.
func (t *Table) ID(name string) ID {
	if id, ok := t.ids[name]; ok {
		return id
	}
	return InvalidID
}

// Name returns the name of id, or "" for an unknown id.
func (t *Table) Name(id ID) string {
	if int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// NumProcessors returns the number of configured processors.
func (t *Table) NumProcessors() uint16 {
	return uint16(len(t.names))
}

// MaxProcessors returns the largest processor count the table supports.
func (t *Table) MaxProcessors() uint16 {
	return MaxProcessors
}

// Valid reports whether id names a configured processor.
func (t *Table) Valid(id ID) bool {
	return int(id) < len(t.names)
}
