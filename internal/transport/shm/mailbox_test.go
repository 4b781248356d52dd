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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMailbox_NotReadyBeforeHandshake(t *testing.T) {
	master, slave, _, _ := newMailboxPairNoHandshake(t, 64)
	master.Init()
	slave.Init()

	if err := master.Send([]byte("early")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send before handshake = %v, want ErrNotReady", err)
	}
	if _, err := slave.Receive(make([]byte, 16)); !errors.Is(err, ErrNotReady) {
		t.Errorf("Receive before handshake = %v, want ErrNotReady", err)
	}
}

func TestMailbox_HandshakeConverges(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 64)

	m, s := master.Status()
	if m != StatusReady || s != StatusReady {
		t.Fatalf("Status() = %v/%v, want Ready/Ready", m, s)
	}
	if !master.Ready() || !slave.Ready() {
		t.Errorf("Ready() = %v/%v, want true/true", master.Ready(), slave.Ready())
	}
}

func TestMailbox_SlaveFirstHandshake(t *testing.T) {
	master, slave, _, _ := newMailboxPairNoHandshake(t, 64)

	slave.Init()
	slave.UpdateStatus()
	if _, s := slave.Status(); s != StatusNotReady {
		t.Fatalf("slave status = %v before master init, want NotReady", s)
	}
	master.Init()
	waitBothReady(t, master, slave)
}

func TestMailbox_SendReceiveBothDirections(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 128)
	buf := make([]byte, 128)

	if err := master.Send([]byte("ping")); err != nil {
		t.Fatalf("master Send failed: %v", err)
	}
	if !slave.DataAvailable() {
		t.Fatal("slave DataAvailable() = false after send")
	}
	n, err := slave.Receive(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("slave Receive = %q, %v; want ping", buf[:n], err)
	}

	if err := slave.Send([]byte("pong")); err != nil {
		t.Fatalf("slave Send failed: %v", err)
	}
	n, err = master.Receive(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("master Receive = %q, %v; want pong", buf[:n], err)
	}

	if _, err := master.Receive(buf); !errors.Is(err, ErrEmpty) {
		t.Errorf("Receive with nothing pending = %v, want ErrEmpty", err)
	}
}

func TestMailbox_FreeAccountsForHeader(t *testing.T) {
	master, _, _, _ := newMailboxPair(t, 64)

	if err := master.Send(make([]byte, 10)); err != nil {
		t.Fatalf("Send(10) failed: %v", err)
	}
	if got := master.Free(); got != 49 {
		t.Errorf("Free() = %d after a 10 byte message, want 49", got)
	}
}

func TestMailbox_RejectsMessagesThatCannotFit(t *testing.T) {
	master, _, _, _ := newMailboxPair(t, 64)

	if err := master.Send(make([]byte, 70)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Send(70) into capacity 64 = %v, want ErrQueueFull", err)
	}
	if got := master.Free(); got != 63 {
		t.Errorf("Free() = %d after rejected send, want 63", got)
	}
	if err := master.Send(nil); !errors.Is(err, ErrBadLength) {
		t.Errorf("Send(nil) = %v, want ErrBadLength", err)
	}
	if got, want := master.MaxMessageSize(), 64-1-FrameHeaderSize; got != want {
		t.Errorf("MaxMessageSize() = %d, want %d", got, want)
	}
	if err := master.Send(make([]byte, master.MaxMessageSize())); err != nil {
		t.Errorf("Send(MaxMessageSize) failed: %v", err)
	}
}

func TestMailbox_OversizedMessageIsDiscarded(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 128)

	if err := master.Send(bytes.Repeat([]byte{0xEE}, 20)); err != nil {
		t.Fatalf("Send(20) failed: %v", err)
	}
	if err := master.Send([]byte("small")); err != nil {
		t.Fatalf("Send(5) failed: %v", err)
	}

	buf := make([]byte, 10)
	if _, err := slave.Receive(buf); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Receive into 10 bytes = %v, want ErrMessageTooLarge", err)
	}
	n, err := slave.Receive(buf)
	if err != nil || string(buf[:n]) != "small" {
		t.Errorf("next Receive = %q, %v; want small", buf[:n], err)
	}
}

func TestMailbox_InvalidMagic(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 64)

	var raw [FrameHeaderSize]byte
	encodeFrameHeaderTo(&raw, FrameHeader{Length: 4, Magic: 0xBEEF})
	if _, err := master.tx.Writev(raw[:], []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}

	if _, err := slave.Receive(make([]byte, 16)); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Receive of a bad magic = %v, want ErrInvalidHeader", err)
	}
}

func TestMailbox_SlaveRequestedReset(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 64)

	if err := master.Send([]byte("stale")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	slave.RequestReset()
	if _, s := slave.Status(); s != StatusWaiting {
		t.Fatalf("slave status after RequestReset = %v, want Waiting", s)
	}
	if slave.Ready() {
		t.Fatal("slave still Ready after RequestReset")
	}

	master.UpdateStatus()
	m, s := master.Status()
	if m != StatusWaiting || s != StatusNotReady {
		t.Fatalf("after master reinit Status() = %v/%v, want Waiting/NotReady", m, s)
	}
	if master.Used() != 0 || slave.Used() != 0 {
		t.Errorf("rings not cleared by reinit: used %d/%d", master.Used(), slave.Used())
	}

	waitBothReady(t, master, slave)
	if _, err := slave.Receive(make([]byte, 16)); !errors.Is(err, ErrEmpty) {
		t.Errorf("Receive after reset = %v, want ErrEmpty", err)
	}
}

func TestMailbox_SendRingsPeer(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 64)

	// Drain the rings left by the handshake.
	for {
		if got, _ := slave.WaitForNotification(context.Background(), time.Millisecond); got == 0 {
			break
		}
	}

	if err := master.Send([]byte{1}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := slave.WaitForNotification(context.Background(), time.Second)
	if err != nil || got != 1 {
		t.Errorf("WaitForNotification = %#x, %v; want 0x1, nil", got, err)
	}
}

func TestMailbox_ConcurrentSenders(t *testing.T) {
	master, slave, _, _ := newMailboxPair(t, 256)
	const senders, perSender = 4, 250

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			var msg [8]byte
			for i := 0; i < perSender; {
				binary.LittleEndian.PutUint32(msg[0:4], uint32(s))
				binary.LittleEndian.PutUint32(msg[4:8], uint32(i))
				err := master.Send(msg[:])
				switch {
				case err == nil:
					i++
				case errors.Is(err, ErrQueueFull):
					time.Sleep(10 * time.Microsecond)
				default:
					t.Errorf("sender %d: Send failed: %v", s, err)
					return
				}
			}
		}(s)
	}

	next := make([]uint32, senders)
	buf := make([]byte, 64)
	deadline := time.Now().Add(10 * time.Second)
	for received := 0; received < senders*perSender; {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of %d messages", received, senders*perSender)
		}
		n, err := slave.Receive(buf)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if n != 8 {
			t.Fatalf("received %d bytes, want 8", n)
		}
		s := binary.LittleEndian.Uint32(buf[0:4])
		i := binary.LittleEndian.Uint32(buf[4:8])
		if i != next[s] {
			t.Fatalf("sender %d: got message %d, want %d", s, i, next[s])
		}
		next[s]++
		received++
	}
	wg.Wait()
}
