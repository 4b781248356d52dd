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

// Command debug-capacity prints how much a mailbox and a virtqueue of a
// given geometry actually hold, using a heap region and in-process
// doorbells.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/etsoc/ipclink/internal/transport/shm"
)

func main() {
	capacity := flag.Int("capacity", 65536, "Mailbox ring capacity in bytes.")
	slots := flag.Int("slots", 16, "Virtqueue slots per queue.")
	slotSize := flag.Int("slot-size", 256, "Virtqueue slot size in bytes.")
	flag.Parse()

	if err := mailboxCapacity(*capacity); err != nil {
		log.Fatalf("Mailbox analysis failed: %v", err)
	}
	if err := virtqueueCapacity(*slots, *slotSize); err != nil {
		log.Fatalf("Virtqueue analysis failed: %v", err)
	}
}

func mailboxCapacity(capacity int) error {
	region, err := shm.NewRegion(shm.MailboxSize(capacity))
	if err != nil {
		return err
	}
	defer region.Close()

	masterBell, slaveBell := shm.NewLocalDoorbell(), shm.NewLocalDoorbell()
	master, err := shm.NewMailbox(region, capacity, shm.MailboxOptions{Name: "debug", Role: shm.Master, Peer: slaveBell, Bell: masterBell})
	if err != nil {
		return err
	}
	slave, err := shm.NewMailbox(region, capacity, shm.MailboxOptions{Name: "debug", Role: shm.Slave, Peer: masterBell, Bell: slaveBell})
	if err != nil {
		return err
	}
	if err := handshake(master, slave); err != nil {
		return err
	}

	fmt.Printf("=== Mailbox Capacity Analysis ===\n")
	fmt.Printf("Configured capacity: %d bytes\n", capacity)
	fmt.Printf("Region size: %d bytes\n", region.Size())
	fmt.Printf("Max message size: %d bytes\n", master.MaxMessageSize())
	fmt.Printf("Free after init: %d bytes\n", master.Free())

	fmt.Printf("\n=== Single Send Tests ===\n")
	buf := make([]byte, capacity)
	for _, size := range []int{10, 20, 30, 40, 50, 100, 200, 500, 1000, 5000, 10000, 32768, 65000, 65536} {
		data := pattern(size, 0)
		if err := master.Send(data); err != nil {
			fmt.Printf("Size %d bytes: FAIL (%v)\n", size, err)
			continue
		}
		n, err := slave.Receive(buf)
		if err != nil {
			return fmt.Errorf("receive of %d bytes: %w", size, err)
		}
		fmt.Printf("Size %d bytes: OK (received %d)\n", size, n)
	}

	fmt.Printf("\n=== Backpressure Test ===\n")
	const chunkSize = 1000
	total, chunks := 0, 0
	for {
		err := master.Send(pattern(chunkSize, chunks))
		if errors.Is(err, shm.ErrQueueFull) {
			fmt.Printf("Full after %d payload bytes (%d chunks), %d bytes free\n", total, chunks, master.Free())
			break
		}
		if err != nil {
			return err
		}
		total += chunkSize
		chunks++
	}
	return nil
}

func virtqueueCapacity(slots, slotSize int) error {
	region, err := shm.NewRegion(shm.VirtqueueSetSize(1, slots, slotSize))
	if err != nil {
		return err
	}
	defer region.Close()

	masterBell, slaveBell := shm.NewLocalDoorbell(), shm.NewLocalDoorbell()
	opts := shm.VirtqueueOptions{Name: "debug", Queues: 1, Slots: slots, SlotSize: slotSize}
	mopts, sopts := opts, opts
	mopts.Role, mopts.Peer, mopts.Bell = shm.Master, slaveBell, masterBell
	sopts.Role, sopts.Peer, sopts.Bell = shm.Slave, masterBell, slaveBell

	mv, err := shm.NewVirtqueues(region, mopts)
	if err != nil {
		return err
	}
	sv, err := shm.NewVirtqueues(region, sopts)
	if err != nil {
		return err
	}
	master, err := mv.Endpoint(0)
	if err != nil {
		return err
	}
	slave, err := sv.Endpoint(0)
	if err != nil {
		return err
	}
	if err := handshake(master, slave); err != nil {
		return err
	}

	fmt.Printf("\n=== Virtqueue Capacity Analysis ===\n")
	fmt.Printf("Slots: %d of %d bytes, region size %d bytes\n", slots, slotSize, region.Size())
	fmt.Printf("Max message size: %d bytes\n", master.MaxMessageSize())

	n := 0
	for {
		err := master.Send(pattern(master.MaxMessageSize(), n))
		if errors.Is(err, shm.ErrFull) {
			break
		}
		if err != nil {
			return err
		}
		n++
	}
	fmt.Printf("Submission queue full after %d messages\n", n)
	return nil
}

type endpoint interface {
	Init()
	WaitReady(ctx context.Context) error
}

func handshake(master, slave endpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	master.Init()
	slave.Init()
	errc := make(chan error, 1)
	go func() { errc <- slave.WaitReady(ctx) }()
	if err := master.WaitReady(ctx); err != nil {
		return err
	}
	return <-errc
}

func pattern(n, seed int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i + seed) % 256)
	}
	return data
}
