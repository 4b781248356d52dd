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
	"sync"
	"testing"
	"time"
)

// newMailboxPair returns both ends of a mailbox in a heap region, wired to
// in-process doorbells and already Ready.
func newMailboxPair(t *testing.T, capacity int) (master, slave *Mailbox, masterBell, slaveBell *LocalDoorbell) {
	t.Helper()
	master, slave, masterBell, slaveBell = newMailboxPairNoHandshake(t, capacity)
	handshakePair(t, master, slave)
	return master, slave, masterBell, slaveBell
}

func newMailboxPairNoHandshake(t *testing.T, capacity int) (master, slave *Mailbox, masterBell, slaveBell *LocalDoorbell) {
	t.Helper()

	region, err := NewRegion(MailboxSize(capacity))
	if err != nil {
		t.Fatalf("NewRegion(%d) failed: %v", MailboxSize(capacity), err)
	}
	masterBell, slaveBell = NewLocalDoorbell(), NewLocalDoorbell()

	master, err = NewMailbox(region, capacity, MailboxOptions{Name: "test", Role: Master, Peer: slaveBell, Bell: masterBell})
	if err != nil {
		t.Fatalf("NewMailbox(master) failed: %v", err)
	}
	slave, err = NewMailbox(region, capacity, MailboxOptions{Name: "test", Role: Slave, Peer: masterBell, Bell: slaveBell})
	if err != nil {
		t.Fatalf("NewMailbox(slave) failed: %v", err)
	}
	return master, slave, masterBell, slaveBell
}

type readyEndpoint interface {
	Init()
	WaitReady(ctx context.Context) error
}

// handshakePair initializes both ends and drives them to Ready.
func handshakePair(t *testing.T, master, slave readyEndpoint) {
	t.Helper()

	master.Init()
	slave.Init()
	waitBothReady(t, master, slave)
}

func waitBothReady(t *testing.T, master, slave readyEndpoint) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ep := range []readyEndpoint{master, slave} {
		wg.Add(1)
		go func(i int, ep readyEndpoint) {
			defer wg.Done()
			errs[i] = ep.WaitReady(ctx)
		}(i, ep)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("WaitReady(%s) failed: %v", Role(i), err)
		}
	}
}

// recordingCache counts cache maintenance so tests can assert it happens.
type recordingCache struct {
	mu        sync.Mutex
	fences    int
	evictions int
	bytes     int
	levels    map[CacheLevel]int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{levels: make(map[CacheLevel]int)}
}

func (c *recordingCache) Fence() {
	c.mu.Lock()
	c.fences++
	c.mu.Unlock()
}

func (c *recordingCache) Evict(level CacheLevel, mem []byte) {
	c.mu.Lock()
	c.evictions++
	c.bytes += len(mem)
	c.levels[level]++
	c.mu.Unlock()
}

func (c *recordingCache) snapshot() (fences, evictions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fences, c.evictions
}

type virtqueuePair struct {
	master, slave         *Virtqueues
	masterBell, slaveBell *LocalDoorbell
	masterCache           *recordingCache
}

// newVirtqueuePair lays out a virtqueue set in a heap region and attaches
// both roles. opts supplies the geometry; roles, bells and caches are
// filled in.
func newVirtqueuePair(t *testing.T, opts VirtqueueOptions) *virtqueuePair {
	t.Helper()

	region, err := NewRegion(VirtqueueSetSize(opts.Queues, opts.Slots, opts.SlotSize))
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	p := &virtqueuePair{
		masterBell:  NewLocalDoorbell(),
		slaveBell:   NewLocalDoorbell(),
		masterCache: newRecordingCache(),
	}

	mopts, sopts := opts, opts
	mopts.Role, mopts.Peer, mopts.Bell, mopts.Cache = Master, p.slaveBell, p.masterBell, p.masterCache
	sopts.Role, sopts.Peer, sopts.Bell = Slave, p.masterBell, p.slaveBell

	if p.master, err = NewVirtqueues(region, mopts); err != nil {
		t.Fatalf("NewVirtqueues(master) failed: %v", err)
	}
	if p.slave, err = NewVirtqueues(region, sopts); err != nil {
		t.Fatalf("NewVirtqueues(slave) failed: %v", err)
	}
	return p
}

// endpoints returns both sides of instance q after driving it to Ready.
func (p *virtqueuePair) endpoints(t *testing.T, q int) (master, slave *VirtqueueEndpoint) {
	t.Helper()

	var err error
	if master, err = p.master.Endpoint(q); err != nil {
		t.Fatalf("master.Endpoint(%d) failed: %v", q, err)
	}
	if slave, err = p.slave.Endpoint(q); err != nil {
		t.Fatalf("slave.Endpoint(%d) failed: %v", q, err)
	}
	handshakePair(t, master, slave)
	return master, slave
}
