/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"context"
	"sync/atomic"
	"time"
)

// AllVectors waits on every doorbell line.
const AllVectors = ^uint32(0)

// MaxVectors is the number of lines a doorbell carries.
const MaxVectors = 32

// Notifier rings a peer's doorbell. It is the only operation allowed from
// interrupt context: it never touches a ring or a channel.
type Notifier interface {
	Notify(vector uint32)
}

// Waiter blocks a task until its doorbell rings. It returns the vectors in
// mask that fired, or 0 when timeout elapses first. A timeout <= 0 waits
// until ctx is done.
type Waiter interface {
	WaitForNotification(ctx context.Context, mask uint32, timeout time.Duration) (uint32, error)
}

// Doorbell is both ends of one notification source.
type Doorbell interface {
	Notifier
	Waiter
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(vector uint32)

func (f NotifierFunc) Notify(vector uint32) { f(vector) }

// LocalDoorbell is a doorbell for peers in the same process. Each line is an
// edge-coalesced channel with room for one pending wakeup, so Notify never
// blocks and repeated rings before a wait collapse into one. A line carries
// one waiter. Waiters on several lines share a broadcast instead, so any
// number of them may wait on overlapping or disjoint masks.
type LocalDoorbell struct {
	pending atomic.Uint32
	lines   [MaxVectors]chan struct{}

	// rung is closed and replaced by every Notify.
	rung atomic.Pointer[chan struct{}]
}

func NewLocalDoorbell() *LocalDoorbell {
	d := &LocalDoorbell{}
	for i := range d.lines {
		d.lines[i] = make(chan struct{}, 1)
	}
	rung := make(chan struct{})
	d.rung.Store(&rung)
	return d
}

// Notify marks vector pending and wakes its waiter.
func (d *LocalDoorbell) Notify(vector uint32) {
	vector %= MaxVectors
	orBits(&d.pending, 1<<vector)
	select {
	case d.lines[vector] <- struct{}{}:
	default:
	}
	next := make(chan struct{})
	close(*d.rung.Swap(&next))
}

func (d *LocalDoorbell) WaitForNotification(ctx context.Context, mask uint32, timeout time.Duration) (uint32, error) {
	single := mask != 0 && mask&(mask-1) == 0

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		// The broadcast is sampled before pending so a ring in between is
		// seen by one or the other.
		var wake <-chan struct{}
		if single {
			wake = d.lines[bitIndex(mask)]
		} else {
			wake = *d.rung.Load()
		}
		if got := takeBits(&d.pending, mask); got != 0 {
			return got, nil
		}

		select {
		case <-wake:
		case <-expired:
			return takeBits(&d.pending, mask), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Pending returns the vectors that have rung but not been collected.
func (d *LocalDoorbell) Pending() uint32 {
	return d.pending.Load()
}

// SharedDoorbell is a doorbell word in shared memory, usable across
// processes. Notify ORs the vector bit into the word and wakes waiters;
// waiters clear the bits they collect.
type SharedDoorbell struct {
	r   *Region
	off int
}

// NewSharedDoorbell returns the doorbell stored in the 32-bit word at off.
func NewSharedDoorbell(r *Region, off int) (*SharedDoorbell, error) {
	if err := r.check(off, 4); err != nil {
		return nil, err
	}
	return &SharedDoorbell{r: r, off: off}, nil
}

// sharedWaitSlice bounds each futex sleep so cancellation is noticed.
const sharedWaitSlice = 10 * time.Millisecond

func (d *SharedDoorbell) Notify(vector uint32) {
	w := d.r.word32(d.off)
	orBitsRaw(w, 1<<(vector%MaxVectors))
	futexWake(w, 1<<30)
}

func (d *SharedDoorbell) WaitForNotification(ctx context.Context, mask uint32, timeout time.Duration) (uint32, error) {
	w := d.r.word32(d.off)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if got := takeBitsRaw(w, mask); got != 0 {
			return got, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		wait := sharedWaitSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, nil
			}
			if left < wait {
				wait = left
			}
		}

		cur := atomic.LoadUint32(w)
		if cur&mask != 0 {
			continue
		}
		if err := futexWaitTimeout(w, cur, wait); err != nil {
			return 0, err
		}
	}
}

func orBits(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func takeBits(v *atomic.Uint32, mask uint32) uint32 {
	for {
		old := v.Load()
		got := old & mask
		if got == 0 || v.CompareAndSwap(old, old&^got) {
			return got
		}
	}
}

func orBitsRaw(w *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old|bits) {
			return
		}
	}
}

func takeBitsRaw(w *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(w)
		got := old & mask
		if got == 0 || atomic.CompareAndSwapUint32(w, old, old&^got) {
			return got
		}
	}
}

func bitIndex(single uint32) int {
	i := 0
	for single > 1 {
		single >>= 1
		i++
	}
	return i
}
