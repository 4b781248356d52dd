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
	"io"
	"sync/atomic"
	"unsafe"
)

// Region is a bounds-checked window onto memory shared with another
// execution domain. Channels are carved out of a Region with Sub and touch
// shared memory only through its accessors.
//
// Sub-word accessors (Load8, Load16 and their stores) operate on the
// enclosing 32-bit word and assume a little-endian host.
type Region struct {
	name   string
	mem    []byte
	base   int
	unmap  func([]byte) error
	closed atomic.Bool
}

// NewRegion allocates a process-local region of size bytes, for peers that
// live in the same process.
func NewRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive: %d", size)
	}
	// Back the bytes with uint64s so that 64-bit atomics are aligned.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &Region{name: "local", mem: mem}, nil
}

// Name returns the name of the mapping the region belongs to.
func (r *Region) Name() string { return r.name }

// Size returns the region length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Base returns the offset of the region within its root mapping.
func (r *Region) Base() int { return r.base }

// Sub returns the size bytes starting at off as a new Region. off must be
// 8-byte aligned.
func (r *Region) Sub(off, size int) (*Region, error) {
	if off%8 != 0 {
		return nil, fmt.Errorf("sub-region offset %#x is not 8-byte aligned", off)
	}
	if err := r.check(off, size); err != nil {
		return nil, err
	}
	return &Region{
		name: r.name,
		mem:  r.mem[off : off+size : off+size],
		base: r.base + off,
	}, nil
}

// Bytes returns the n bytes at off. The slice aliases shared memory.
func (r *Region) Bytes(off, n int) ([]byte, error) {
	if err := r.check(off, n); err != nil {
		return nil, err
	}
	return r.mem[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("%w: read at %#x", ErrOutOfBounds, off)
	}
	n := copy(p, r.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes never extend the region.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("%w: write at %#x", ErrOutOfBounds, off)
	}
	if err := r.check(int(off), len(p)); err != nil {
		return 0, err
	}
	return copy(r.mem[off:], p), nil
}

// Load8 atomically reads the byte at off.
func (r *Region) Load8(off int) uint8 {
	w := r.word32(off &^ 3)
	return uint8(atomic.LoadUint32(w) >> (uint(off&3) * 8))
}

// Store8 atomically replaces the byte at off, leaving its neighbours intact.
func (r *Region) Store8(off int, v uint8) {
	r.storeBits(off&^3, uint(off&3)*8, 0xff, uint32(v))
}

// Load16 atomically reads the 16-bit value at off.
func (r *Region) Load16(off int) uint16 {
	r.mustCheck(off, 2, 2)
	w := r.word32(off &^ 3)
	return uint16(atomic.LoadUint32(w) >> (uint(off&3) * 8))
}

// Store16 atomically replaces the 16-bit value at off.
func (r *Region) Store16(off int, v uint16) {
	r.mustCheck(off, 2, 2)
	r.storeBits(off&^3, uint(off&3)*8, 0xffff, uint32(v))
}

func (r *Region) Load32(off int) uint32 {
	return atomic.LoadUint32(r.word32(off))
}

func (r *Region) Store32(off int, v uint32) {
	atomic.StoreUint32(r.word32(off), v)
}

func (r *Region) Load64(off int) uint64 {
	return atomic.LoadUint64(r.word64(off))
}

func (r *Region) Store64(off int, v uint64) {
	atomic.StoreUint64(r.word64(off), v)
}

// Close unmaps a file-backed region. It is a no-op for local regions and
// sub-regions.
func (r *Region) Close() error {
	if r.unmap == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.unmap(r.mem)
}

func (r *Region) storeBits(off int, shift uint, mask, v uint32) {
	w := r.word32(off)
	for {
		old := atomic.LoadUint32(w)
		next := old&^(mask<<shift) | (v&mask)<<shift
		if atomic.CompareAndSwapUint32(w, old, next) {
			return
		}
	}
}

func (r *Region) word32(off int) *uint32 {
	r.mustCheck(off, 4, 4)
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) word64(off int) *uint64 {
	r.mustCheck(off, 8, 8)
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) check(off, n int) error {
	if off < 0 || n < 0 || off > len(r.mem) || n > len(r.mem)-off {
		return fmt.Errorf("%w: [%#x, +%d) in a region of %d bytes", ErrOutOfBounds, off, n, len(r.mem))
	}
	return nil
}

// mustCheck panics on out-of-range or misaligned word access. Layout offsets
// are validated when channels are constructed, so a failure here is a bug.
func (r *Region) mustCheck(off, n, align int) {
	if err := r.check(off, n); err != nil {
		panic(err)
	}
	if (r.base+off)%align != 0 {
		panic(fmt.Sprintf("shm: unaligned %d-byte access at %#x", n, r.base+off))
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
