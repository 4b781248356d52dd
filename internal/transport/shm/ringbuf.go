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
	"fmt"
	"math"
)

// Ring header layout (16 bytes, little-endian):
//
//	0x00: capacity  uint32
//	0x04: head      uint32  written by the producer only
//	0x08: tail      uint32  written by the consumer only
//	0x0C: reserved  uint32
//
// followed by capacity bytes of storage. One byte is always left unused so
// that head == tail means empty.
const (
	ringCapacityOff = 0x00
	ringHeadOff     = 0x04
	ringTailOff     = 0x08

	// RingHeaderSize is the size of the index block that precedes storage.
	RingHeaderSize = 16
)

// RingBufferSize returns the number of region bytes a ring of the given
// capacity occupies.
func RingBufferSize(capacity int) int {
	return alignUp(RingHeaderSize+capacity, 8)
}

// RingBuffer is a fixed-capacity byte FIFO living in a Region. Reads and
// writes are all-or-nothing. A RingBuffer supports one producer and one
// consumer running concurrently; callers serialize producers among
// themselves.
type RingBuffer struct {
	r        *Region
	capacity uint32
	data     []byte
}

// NewRingBuffer attaches a ring of the given capacity to the start of r. It
// does not modify shared memory; the owning side calls Init.
func NewRingBuffer(r *Region, capacity int) (*RingBuffer, error) {
	if capacity < 2 || capacity > math.MaxUint32/2 {
		return nil, fmt.Errorf("invalid ring capacity %d", capacity)
	}
	if need := RingHeaderSize + capacity; r.Size() < need {
		return nil, fmt.Errorf("ring of capacity %d needs %d bytes, region has %d", capacity, need, r.Size())
	}
	data, err := r.Bytes(RingHeaderSize, capacity)
	if err != nil {
		return nil, err
	}
	return &RingBuffer{r: r, capacity: uint32(capacity), data: data}, nil
}

// Init resets the indices. Storage contents are left as they are.
func (b *RingBuffer) Init() {
	b.r.Store32(ringCapacityOff, b.capacity)
	b.r.Store32(ringHeadOff, 0)
	b.r.Store32(ringTailOff, 0)
}

// Capacity returns the storage size. At most Capacity()-1 bytes can be
// buffered at once.
func (b *RingBuffer) Capacity() int { return int(b.capacity) }

// Used returns the number of buffered bytes.
func (b *RingBuffer) Used() int {
	head, tail, err := b.load()
	if err != nil {
		return 0
	}
	return int(usedBytes(head, tail, b.capacity))
}

// Free returns the number of bytes that can be written.
func (b *RingBuffer) Free() int {
	head, tail, err := b.load()
	if err != nil {
		return 0
	}
	return int(b.capacity - usedBytes(head, tail, b.capacity) - 1)
}

// Write copies all of p into the ring or nothing at all.
func (b *RingBuffer) Write(p []byte) (int, error) {
	return b.Writev(p)
}

// Writev writes bufs back to back and publishes them with a single head
// update, so the consumer observes all of them or none.
func (b *RingBuffer) Writev(bufs ...[]byte) (int, error) {
	n := 0
	for _, p := range bufs {
		n += len(p)
	}
	if n == 0 {
		return 0, nil
	}
	if n > int(b.capacity) {
		return 0, fmt.Errorf("%w: %d bytes exceeds ring capacity %d", ErrBadLength, n, b.capacity)
	}

	head, tail, err := b.load()
	if err != nil {
		return 0, err
	}
	if free := b.capacity - usedBytes(head, tail, b.capacity) - 1; uint32(n) > free {
		return 0, ErrFull
	}

	pos := head
	for _, p := range bufs {
		pos = b.copyIn(pos, p)
	}
	b.r.Store32(ringHeadOff, pos)
	return n, nil
}

// Read consumes n bytes into dst. A nil dst discards the bytes instead.
func (b *RingBuffer) Read(dst []byte, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if n < 0 || n > int(b.capacity) {
		return 0, fmt.Errorf("%w: read of %d bytes from ring capacity %d", ErrBadLength, n, b.capacity)
	}
	if dst != nil && len(dst) < n {
		return 0, fmt.Errorf("%w: destination holds %d of %d bytes", ErrBadLength, len(dst), n)
	}

	head, tail, err := b.load()
	if err != nil {
		return 0, err
	}
	if usedBytes(head, tail, b.capacity) < uint32(n) {
		return 0, ErrEmpty
	}

	if dst != nil {
		b.copyOut(tail, dst[:n])
	}
	b.r.Store32(ringTailOff, (tail+uint32(n))%b.capacity)
	return n, nil
}

// Discard drops n buffered bytes.
func (b *RingBuffer) Discard(n int) (int, error) {
	return b.Read(nil, n)
}

// Peek copies len(dst) bytes without consuming them.
func (b *RingBuffer) Peek(dst []byte) (int, error) {
	n := len(dst)
	if n == 0 {
		return 0, nil
	}
	if n > int(b.capacity) {
		return 0, fmt.Errorf("%w: peek of %d bytes from ring capacity %d", ErrBadLength, n, b.capacity)
	}
	head, tail, err := b.load()
	if err != nil {
		return 0, err
	}
	if usedBytes(head, tail, b.capacity) < uint32(n) {
		return 0, ErrEmpty
	}
	b.copyOut(tail, dst)
	return n, nil
}

// load reads both indices. The peer owns one of them, so a corrupt value is
// reported rather than trusted.
func (b *RingBuffer) load() (head, tail uint32, err error) {
	head = b.r.Load32(ringHeadOff)
	tail = b.r.Load32(ringTailOff)
	if head >= b.capacity {
		return 0, 0, fmt.Errorf("%w: head %d, capacity %d", ErrBadIndex, head, b.capacity)
	}
	if tail >= b.capacity {
		return 0, 0, fmt.Errorf("%w: tail %d, capacity %d", ErrBadIndex, tail, b.capacity)
	}
	return head, tail, nil
}

func (b *RingBuffer) copyIn(pos uint32, p []byte) uint32 {
	first := copy(b.data[pos:], p)
	if first < len(p) {
		copy(b.data, p[first:])
	}
	return (pos + uint32(len(p))) % b.capacity
}

func (b *RingBuffer) copyOut(pos uint32, dst []byte) {
	first := copy(dst, b.data[pos:])
	if first < len(dst) {
		copy(dst[first:], b.data)
	}
}

func usedBytes(head, tail, capacity uint32) uint32 {
	if head >= tail {
		return head - tail
	}
	return capacity + head - tail
}
