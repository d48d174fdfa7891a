/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package execticket implements the ticketed rendezvous an execve hook uses
// to block on a decision from the daemon (component C2). A ticket is
// allocated when the hook emits its PROCESS NOTIFY event, the hook then
// waits on it with a bounded deadline, and the control plane resolves it
// out-of-band when the daemon replies.
//
// The table is hash-partitioned into a fixed number of buckets, each
// protected by its own lock and condition variable, mirroring the
// outstanding-request bookkeeping pattern this codebase's wire-protocol
// layer uses elsewhere for in-flight confirmations (see the worked
// confirmation-buffer note in DESIGN.md) but adapted for blocking waiters
// instead of a replay queue: here every outstanding id needs a goroutine
// to wake, not a position to resend from.
package execticket

import (
	"sync"
	"sync/atomic"
	"time"
)

// NumBuckets is the number of independent lock/condition-variable shards
// the id space is partitioned across.
const NumBuckets = 256

// State is the lifecycle of a ticket. Pending is the only non-terminal
// state; once Allow, Deny or Invalid is reached the ticket is removed.
type State int

const (
	Pending State = iota
	Allow
	Deny
	Invalid
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type ticket struct {
	state State
}

type bucket struct {
	mu   sync.Mutex
	cond *sync.Cond
	m    map[uint32]*ticket
}

// Table is the execve ticket table. The zero value is not usable;
// construct with New.
type Table struct {
	counter uint32 // atomic, pre-increment; wraps past 2^31-1
	buckets [NumBuckets]bucket
}

// New returns an empty Table.
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i].m = make(map[uint32]*ticket)
		t.buckets[i].cond = sync.NewCond(&t.buckets[i].mu)
	}
	return t
}

func (t *Table) bucketFor(id uint32) *bucket {
	return &t.buckets[id%NumBuckets]
}

// Allocate registers a fresh ticket in state Pending and returns its id.
// Ids are monotonically increasing and wrap past 2^31-1; id 0 is never
// returned, it is reserved to mean "no ticket".
func (t *Table) Allocate() uint32 {
	var id uint32
	for {
		id = atomic.AddUint32(&t.counter, 1)
		if id != 0 {
			break
		}
		// wrapped exactly onto the reserved value, try the next one
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	b.m[id] = &ticket{state: Pending}
	b.mu.Unlock()
	return id
}

// Resolve updates the ticket id to verdict and wakes its waiter. It is a
// no-op if id is unknown, which happens when a daemon reply arrives after
// the hook has already timed out and removed the ticket.
func (t *Table) Resolve(id uint32, verdict State) {
	if verdict != Allow && verdict != Deny {
		return
	}
	b := t.bucketFor(id)
	b.mu.Lock()
	if tk, ok := b.m[id]; ok && tk.state == Pending {
		tk.state = verdict
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Wait blocks until either id is resolved or deadline passes, whichever
// comes first, and always removes the ticket before returning. A timeout,
// or an id that was never allocated (or already consumed), both report
// Invalid — callers must treat Invalid as fail-open, never as Deny.
func (t *Table) Wait(id uint32, deadline time.Time) State {
	b := t.bucketFor(id)

	b.mu.Lock()
	tk, ok := b.m[id]
	if !ok {
		b.mu.Unlock()
		return Invalid
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})

	for tk.state == Pending && time.Now().Before(deadline) {
		b.cond.Wait()
	}
	timer.Stop()

	state := tk.state
	if state == Pending {
		state = Invalid
	}
	delete(b.m, id)
	b.mu.Unlock()
	return state
}

// Len reports the number of outstanding tickets, for status reporting.
func (t *Table) Len() int {
	n := 0
	for i := range t.buckets {
		t.buckets[i].mu.Lock()
		n += len(t.buckets[i].m)
		t.buckets[i].mu.Unlock()
	}
	return n
}
