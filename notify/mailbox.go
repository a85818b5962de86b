// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notify

import "code.hybscloud.com/ipc/multiproc"

// Interrupt raises and observes per-processor interrupt lines.
type Interrupt interface {
	// Raise signals dst's line. Raises coalesce until dst observes them.
	Raise(dst multiproc.ID)
	// Line returns the channel that fires when proc's line is raised.
	Line(proc multiproc.ID) <-chan struct{}
}

// Mailbox is an in-process interrupt controller with one line per
// processor, for processors that share an address space.
type Mailbox struct {
	lines []chan struct{}
}

// NewMailbox returns a mailbox for n processors.
func NewMailbox(n int) *Mailbox {
	m := &Mailbox{lines: make([]chan struct{}, n)}
	for i := range m.lines {
		m.lines[i] = make(chan struct{}, 1)
	}
	return m
}

func (m *Mailbox) Raise(dst multiproc.ID) {
	if int(dst) >= len(m.lines) {
		return
	}
	select {
	case m.lines[dst] <- struct{}{}:
	default:
	}
}

func (m *Mailbox) Line(proc multiproc.ID) <-chan struct{} {
	if int(proc) >= len(m.lines) {
		return nil
	}
	return m.lines[proc]
}
