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
	"errors"
	"strings"
	"testing"
	"time"
)

func testSpecs() []ChannelSpec {
	return []ChannelSpec{
		{ID: 1, Name: "sp", Kind: KindMailbox, Capacity: 256},
		{ID: 2, Name: "mm", Kind: KindVirtqueue, Queues: 2, Slots: 8, SlotSize: 64, SilentCompletion: true},
	}
}

func newTestRegistry(t *testing.T, specs []ChannelSpec) *Registry {
	t.Helper()
	total, _, err := CalculateLayout(specs)
	if err != nil {
		t.Fatalf("CalculateLayout failed: %v", err)
	}
	r, err := NewRegion(total)
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	reg, err := CreateRegistry(r, specs)
	if err != nil {
		t.Fatalf("CreateRegistry failed: %v", err)
	}
	return reg
}

func TestCalculateLayout_AlignedAndDisjoint(t *testing.T) {
	specs := testSpecs()
	total, offsets, err := CalculateLayout(specs)
	if err != nil {
		t.Fatalf("CalculateLayout failed: %v", err)
	}
	if len(offsets) != len(specs) {
		t.Fatalf("got %d offsets, want %d", len(offsets), len(specs))
	}

	end := RegistryHeaderSize + len(specs)*entrySize
	for i, off := range offsets {
		if off%channelAlign != 0 {
			t.Errorf("channel %d at %#x, not %d-byte aligned", specs[i].ID, off, channelAlign)
		}
		if off < end {
			t.Errorf("channel %d at %#x overlaps the previous block ending at %#x", specs[i].ID, off, end)
		}
		size, _ := specs[i].size()
		end = off + size
	}
	if total < end {
		t.Errorf("total %d smaller than the last channel end %d", total, end)
	}
}

func TestCalculateLayout_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		specs []ChannelSpec
	}{
		{"empty", nil},
		{"duplicate id", []ChannelSpec{
			{ID: 1, Kind: KindMailbox, Capacity: 64},
			{ID: 1, Kind: KindMailbox, Capacity: 64},
		}},
		{"long name", []ChannelSpec{{ID: 1, Name: strings.Repeat("x", 17), Kind: KindMailbox, Capacity: 64}}},
		{"unknown kind", []ChannelSpec{{ID: 1, Kind: 9}}},
		{"no queues", []ChannelSpec{{ID: 1, Kind: KindVirtqueue, Slots: 4, SlotSize: 32}}},
		{"too many queues", []ChannelSpec{{ID: 1, Kind: KindVirtqueue, Queues: 33, Slots: 4, SlotSize: 32}}},
		{"one slot", []ChannelSpec{{ID: 1, Kind: KindVirtqueue, Queues: 1, Slots: 1, SlotSize: 32}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := CalculateLayout(tt.specs); err == nil {
				t.Error("CalculateLayout succeeded")
			}
		})
	}
}

func TestRegistry_AttachSeesCreatedTable(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())

	peer, err := AttachRegistry(reg.Region())
	if err != nil {
		t.Fatalf("AttachRegistry failed: %v", err)
	}
	if peer.Session() != reg.Session() {
		t.Errorf("session %v, want %v", peer.Session(), reg.Session())
	}
	got, want := peer.Channels(), reg.Channels()
	if len(got) != len(want) {
		t.Fatalf("attached %d channels, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if spec, ok := peer.Channel(2); !ok || !spec.SilentCompletion {
		t.Errorf("Channel(2) = %+v, %v; want silent completion", spec, ok)
	}
	if _, ok := peer.Channel(9); ok {
		t.Error("Channel(9) found")
	}
}

func TestRegistry_AttachRejectsBlankRegion(t *testing.T) {
	r, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	if _, err := AttachRegistry(r); err == nil {
		t.Error("AttachRegistry on a blank region succeeded")
	}
}

func TestRegistry_NewSessionPerCreate(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())
	first := reg.Session()

	again, err := CreateRegistry(reg.Region(), testSpecs())
	if err != nil {
		t.Fatalf("CreateRegistry failed: %v", err)
	}
	if again.Session() == first {
		t.Error("re-creating the registry kept the old session")
	}
}

func TestRegistry_SupersededAfterRecreate(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())
	peer, err := AttachRegistry(reg.Region())
	if err != nil {
		t.Fatalf("AttachRegistry failed: %v", err)
	}

	if stale, err := peer.Superseded(reg.Region()); err != nil || stale {
		t.Fatalf("Superseded() = %v, %v before recreate; want false, nil", stale, err)
	}

	again, err := CreateRegistry(reg.Region(), testSpecs())
	if err != nil {
		t.Fatalf("CreateRegistry failed: %v", err)
	}
	if stale, err := peer.Superseded(reg.Region()); err != nil || !stale {
		t.Errorf("Superseded() = %v, %v after recreate; want true, nil", stale, err)
	}
	if session, err := ReadSession(reg.Region()); err != nil || session != again.Session() {
		t.Errorf("ReadSession() = %v, %v; want %v", session, err, again.Session())
	}

	blank, err := NewRegion(4096)
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	if _, err := peer.Superseded(blank); err == nil {
		t.Error("Superseded on a blank region succeeded")
	}
}

func TestRegistry_MailboxOverSharedDoorbells(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())

	master, err := reg.Mailbox(1, Master, EndpointOptions{})
	if err != nil {
		t.Fatalf("Mailbox(master) failed: %v", err)
	}
	slave, err := reg.Mailbox(1, Slave, EndpointOptions{})
	if err != nil {
		t.Fatalf("Mailbox(slave) failed: %v", err)
	}
	if again, _ := reg.Mailbox(1, Master, EndpointOptions{}); again != master {
		t.Error("Mailbox returned a second endpoint for the same role")
	}
	if master.Name() != "sp" {
		t.Errorf("Name() = %q, want sp", master.Name())
	}

	handshakePair(t, master, slave)
	if err := master.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, err := slave.WaitForNotification(ctx, time.Second); err != nil || got == 0 {
		t.Fatalf("slave WaitForNotification = %#x, %v", got, err)
	}
	buf := make([]byte, 16)
	n, err := slave.Receive(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Errorf("Receive = %q, %v; want hello", buf[:n], err)
	}
}

func TestRegistry_VirtqueuesFromTable(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())

	master, err := reg.Virtqueues(2, Master, EndpointOptions{})
	if err != nil {
		t.Fatalf("Virtqueues(master) failed: %v", err)
	}
	slave, err := reg.Virtqueues(2, Slave, EndpointOptions{})
	if err != nil {
		t.Fatalf("Virtqueues(slave) failed: %v", err)
	}
	if master.Len() != 2 || master.MaxMessageSize() != 64-FrameHeaderSize {
		t.Errorf("geometry = %d queues of %d bytes, want 2 of %d", master.Len(), master.MaxMessageSize(), 64-FrameHeaderSize)
	}

	mep, _ := master.Endpoint(1)
	sep, _ := slave.Endpoint(1)
	handshakePair(t, mep, sep)
	if err := mep.Send([]byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !sep.DataAvailable() {
		t.Error("slave endpoint sees no data")
	}

	if _, err := reg.Virtqueues(1, Master, EndpointOptions{}); err == nil {
		t.Error("Virtqueues on a mailbox channel succeeded")
	}
	if _, err := reg.Mailbox(7, Master, EndpointOptions{}); err == nil {
		t.Error("Mailbox on a missing channel succeeded")
	}
}

func TestRegistry_DoorbellsArePerRole(t *testing.T) {
	reg := newTestRegistry(t, testSpecs())

	mb, err := reg.Doorbell(1, Master)
	if err != nil {
		t.Fatalf("Doorbell failed: %v", err)
	}
	sb, err := reg.Doorbell(1, Slave)
	if err != nil {
		t.Fatalf("Doorbell failed: %v", err)
	}
	mb.Notify(0)
	if got, _ := sb.WaitForNotification(context.Background(), AllVectors, 5*time.Millisecond); got != 0 {
		t.Errorf("slave doorbell rang for a master notification: %#x", got)
	}
	if got, _ := mb.WaitForNotification(context.Background(), AllVectors, 5*time.Millisecond); got != 1 {
		t.Errorf("master doorbell = %#x, want 0x1", got)
	}
	if _, err := reg.Doorbell(42, Master); err == nil {
		t.Error("Doorbell(42) succeeded")
	}
}

func TestCreateRegistry_RegionTooSmall(t *testing.T) {
	r, err := NewRegion(RegistryHeaderSize * 2)
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	if _, err := CreateRegistry(r, testSpecs()); err == nil || errors.Is(err, ErrOutOfBounds) {
		t.Errorf("CreateRegistry into a small region = %v, want a size error", err)
	}
}
