// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package messageq

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"

	"code.hybscloud.com/ipc/nameserver"
	"code.hybscloud.com/ipc/sharedregion"
)

// Queue is a local message queue. Any number of senders deliver into it;
// Get is serialised.
type Queue struct {
	m     *Module
	name  string
	id    QueueID
	entry *nameserver.Entry

	q      lfq.Queue[sharedregion.SRPtr]
	count  atomix.Uint64
	closed atomix.Uint64

	getMu   sync.Mutex
	wake    chan struct{}
	unblock chan struct{}
}

func newQueue(m *Module, name string, id QueueID, capacity int) *Queue {
	return &Queue{
		m:       m,
		name:    name,
		id:      id,
		q:       lfq.Build[sharedregion.SRPtr](lfq.New(capacity).SingleConsumer()),
		wake:    make(chan struct{}, 1),
		unblock: make(chan struct{}, 1),
	}
}

// ID returns the queue id peers send to.
func (q *Queue) ID() QueueID { return q.id }

// Name returns the published name, empty for anonymous queues.
func (q *Queue) Name() string { return q.name }

// Count returns the number of messages waiting.
func (q *Queue) Count() int { return int(q.count.LoadAcquire()) }

// Unblock makes one pending or next Get return ErrUnblocked.
func (q *Queue) Unblock() {
	select {
	case q.unblock <- struct{}{}:
	default:
	}
}

func (q *Queue) enqueue(p sharedregion.SRPtr) error {
	if q.closed.LoadAcquire() != 0 {
		return ErrNotFound
	}
	q.count.AddAcqRel(1)
	if err := q.q.Enqueue(&p); err != nil {
		q.count.AddAcqRel(^uint64(0))
		return ErrFull
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) dequeue() (sharedregion.SRPtr, error) {
	p, err := q.q.Dequeue()
	if err != nil {
		return sharedregion.InvalidSRPtr, err
	}
	q.count.AddAcqRel(^uint64(0))
	return p, nil
}
