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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

// newLinkPair returns both ends of a Ready mailbox in a heap region.
func newLinkPair(t *testing.T, capacity int) (master, slave *shm.Mailbox) {
	t.Helper()

	region, err := shm.NewRegion(shm.MailboxSize(capacity))
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	masterBell, slaveBell := shm.NewLocalDoorbell(), shm.NewLocalDoorbell()
	master, err = shm.NewMailbox(region, capacity, shm.MailboxOptions{Name: "link", Role: shm.Master, Peer: slaveBell, Bell: masterBell})
	if err != nil {
		t.Fatalf("NewMailbox(master) failed: %v", err)
	}
	slave, err = shm.NewMailbox(region, capacity, shm.MailboxOptions{Name: "link", Role: shm.Slave, Peer: masterBell, Bell: slaveBell})
	if err != nil {
		t.Fatalf("NewMailbox(slave) failed: %v", err)
	}

	master.Init()
	slave.Init()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	var slaveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		slaveErr = slave.WaitReady(ctx)
	}()
	if err := master.WaitReady(ctx); err != nil {
		t.Fatalf("master WaitReady failed: %v", err)
	}
	wg.Wait()
	if slaveErr != nil {
		t.Fatalf("slave WaitReady failed: %v", slaveErr)
	}
	return master, slave
}

// serve runs a dispatcher on link until the test ends.
func serve(t *testing.T, d *Dispatcher, link Link) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, link) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
}

// fastCaller polls every millisecond and allows generous timeouts.
func fastCaller(link Link) *Caller {
	return NewCaller(link, CallerOptions{PollInterval: time.Millisecond, Timeout: time.Second})
}
